package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes the two value-transfer directions tracked by the pool.
type Kind string

const (
	KindStake   Kind = "stake"
	KindUnstake Kind = "unstake"
)

// Valid reports whether k is a known transaction kind.
func (k Kind) Valid() bool {
	return k == KindStake || k == KindUnstake
}

// Status is the local confirmation state of a transaction.
// Records start pending and move exactly once to confirmed or failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status writes are permitted.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Transaction is a locally tracked submission to the external chain.
type Transaction struct {
	ID            string          `json:"id"`
	OwnerRef      string          `json:"owner_ref"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	ExternalID    string          `json:"external_id"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	LockDuration  int64           `json:"lock_duration"` // seconds, fixed at creation
	LockExpiresAt *time.Time      `json:"lock_expires_at,omitempty"`
}
