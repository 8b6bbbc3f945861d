// Package notify delivers best-effort notifications when a transaction
// reaches a terminal status. At-most-once delivery is guaranteed upstream:
// only the winner of the store's conditional transition dispatches.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/terminal-bench/stakepool/internal/ledger"
	"github.com/terminal-bench/stakepool/pkg/messaging"
)

// Subjects carrying transaction resolution events.
const (
	SubjectConfirmed = "transactions.confirmed"
	SubjectFailed    = "transactions.failed"
)

// Dispatcher is invoked once per committed status transition. Failures must
// never roll back or retry the transition; they are logged and dropped.
type Dispatcher interface {
	TransactionResolved(ctx context.Context, tx *ledger.Transaction, newStatus ledger.Status) error
}

// Event is the payload published for a resolved transaction.
type Event struct {
	ExternalID string          `json:"external_id"`
	OwnerRef   string          `json:"owner_ref"`
	Kind       ledger.Kind     `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Status     ledger.Status   `json:"status"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// NATSDispatcher publishes resolution events to NATS.
type NATSDispatcher struct {
	client *messaging.Client
	logger zerolog.Logger
}

func NewNATSDispatcher(client *messaging.Client, logger zerolog.Logger) *NATSDispatcher {
	return &NATSDispatcher{
		client: client,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

func (d *NATSDispatcher) TransactionResolved(ctx context.Context, tx *ledger.Transaction, newStatus ledger.Status) error {
	subject := SubjectConfirmed
	if newStatus == ledger.StatusFailed {
		subject = SubjectFailed
	}

	event := Event{
		ExternalID: tx.ExternalID,
		OwnerRef:   tx.OwnerRef,
		Kind:       tx.Kind,
		Amount:     tx.Amount,
		Status:     newStatus,
		ResolvedAt: time.Now().UTC(),
	}

	if err := d.client.Publish(subject, event); err != nil {
		d.logger.Warn().
			Err(err).
			Str("external_id", tx.ExternalID).
			Str("status", string(newStatus)).
			Msg("failed to publish resolution event")
		return err
	}

	d.logger.Info().
		Str("external_id", tx.ExternalID).
		Str("status", string(newStatus)).
		Msg("resolution event published")
	return nil
}
