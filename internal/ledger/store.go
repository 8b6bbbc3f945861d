package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateExternalID = errors.New("external id already exists")
	ErrNotFound            = errors.New("transaction not found")
	ErrInvalidKind         = errors.New("invalid transaction kind")
	ErrNegativeAmount      = errors.New("amount must not be negative")
	ErrMissingExternalID   = errors.New("external id is required")
	ErrInvalidTransition   = errors.New("transition target must be terminal")
)

// LockPolicy computes the withdrawal lock fixed into a record at creation.
type LockPolicy interface {
	Compute(kind Kind, anchor time.Time) (duration time.Duration, expiresAt *time.Time)
}

// CreateParams describes a new pending transaction.
type CreateParams struct {
	OwnerRef   string
	Kind       Kind
	Amount     decimal.Decimal
	ExternalID string
}

// Store is the single source of truth for transaction records. Status is
// written only through TryTransition, which is a compare-and-swap keyed on
// the current status; concurrent resolvers therefore race safely.
type Store interface {
	// Create inserts a pending record with its lock computed by the policy.
	// Returns ErrDuplicateExternalID if the external id is already tracked.
	Create(ctx context.Context, p CreateParams) (*Transaction, error)

	// GetByExternalID returns the record for the given external id,
	// or ErrNotFound.
	GetByExternalID(ctx context.Context, externalID string) (*Transaction, error)

	// ListPending returns all records still awaiting a verdict. The snapshot
	// may miss records created mid-scan; those are picked up next cycle.
	ListPending(ctx context.Context) ([]*Transaction, error)

	// ListByOwner returns the owner's most recent records, newest first.
	ListByOwner(ctx context.Context, ownerRef string, limit int) ([]*Transaction, error)

	// TryTransition moves a pending record to the given terminal status.
	// It reports false without touching the record if another writer
	// already resolved it.
	TryTransition(ctx context.Context, externalID string, newStatus Status) (bool, error)

	// StakedTotals aggregates confirmed stakes: the summed amount and the
	// number of distinct owners holding at least one confirmed stake.
	StakedTotals(ctx context.Context) (decimal.Decimal, int, error)
}

func validateCreate(p CreateParams) error {
	if !p.Kind.Valid() {
		return ErrInvalidKind
	}
	if p.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	if p.ExternalID == "" {
		return ErrMissingExternalID
	}
	return nil
}
