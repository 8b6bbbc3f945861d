package oracle

import (
	"context"
	"time"

	"github.com/terminal-bench/stakepool/internal/ledger"
)

// VerdictStatus is the closed set of outcomes an oracle query can produce.
type VerdictStatus string

const (
	// StatusUnknown means the chain has not indexed the submission yet or the
	// query could not be completed. No state change is valid from here.
	StatusUnknown VerdictStatus = "unknown"
	// StatusConfirmed means the chain reports the submission as final.
	StatusConfirmed VerdictStatus = "confirmed"
	// StatusFailed means the chain reports the submission as rejected.
	StatusFailed VerdictStatus = "failed"
)

// Verdict is the parsed, validated outcome of a single oracle query. All
// interpretation of the raw chain API response happens before a Verdict is
// constructed; nothing loosely typed crosses this boundary.
type Verdict struct {
	Status        VerdictStatus
	Confirmations uint64
	BlockTime     *time.Time
	Reason        string
}

// Unknown is the verdict every error path degrades to.
func Unknown() Verdict {
	return Verdict{Status: StatusUnknown}
}

// Confirmed builds a definitive positive verdict.
func Confirmed(confirmations uint64, blockTime *time.Time) Verdict {
	return Verdict{Status: StatusConfirmed, Confirmations: confirmations, BlockTime: blockTime}
}

// Failed builds a definitive negative verdict.
func Failed(reason string) Verdict {
	return Verdict{Status: StatusFailed, Reason: reason}
}

// Definitive reports whether the verdict justifies a status transition.
func (v Verdict) Definitive() bool {
	return v.Status == StatusConfirmed || v.Status == StatusFailed
}

// LedgerStatus maps a definitive verdict onto the stored status.
func (v Verdict) LedgerStatus() (ledger.Status, bool) {
	switch v.Status {
	case StatusConfirmed:
		return ledger.StatusConfirmed, true
	case StatusFailed:
		return ledger.StatusFailed, true
	}
	return "", false
}

// Oracle answers confirmation queries against the external chain. An error
// return means the verdict could not be obtained; callers must treat it as
// Unknown and never as Failed.
type Oracle interface {
	Check(ctx context.Context, externalID string) (Verdict, error)
}
