package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const pqUniqueViolation = "23505"

// PostgresStore persists transactions in postgres. All status mutation goes
// through a conditional UPDATE guarded on the current status.
type PostgresStore struct {
	db     *sql.DB
	policy LockPolicy
}

func NewPostgresStore(db *sql.DB, policy LockPolicy) *PostgresStore {
	return &PostgresStore{
		db:     db,
		policy: policy,
	}
}

// EnsureSchema creates the transactions table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id              UUID PRIMARY KEY,
			owner_ref       TEXT NOT NULL,
			kind            TEXT NOT NULL,
			amount          NUMERIC(20,9) NOT NULL,
			external_id     TEXT NOT NULL UNIQUE,
			status          TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			lock_duration   BIGINT NOT NULL,
			lock_expires_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions (status);
		CREATE INDEX IF NOT EXISTS idx_transactions_owner ON transactions (owner_ref, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure transactions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, p CreateParams) (*Transaction, error) {
	if err := validateCreate(p); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	duration, expiresAt := s.policy.Compute(p.Kind, now)

	tx := &Transaction{
		ID:            uuid.New().String(),
		OwnerRef:      p.OwnerRef,
		Kind:          p.Kind,
		Amount:        p.Amount,
		ExternalID:    p.ExternalID,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		LockDuration:  int64(duration / time.Second),
		LockExpiresAt: expiresAt,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, owner_ref, kind, amount, external_id, status, created_at, updated_at, lock_duration, lock_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tx.ID, tx.OwnerRef, tx.Kind, tx.Amount, tx.ExternalID, tx.Status,
		tx.CreatedAt, tx.UpdatedAt, tx.LockDuration, tx.LockExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, ErrDuplicateExternalID
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	return tx, nil
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM transactions WHERE external_id = $1`,
		externalID,
	)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM transactions WHERE status = $1`,
		StatusPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerRef string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM transactions WHERE owner_ref = $1 ORDER BY created_at DESC LIMIT $2`,
		ownerRef, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTransactions(rows)
}

// TryTransition is the sole status writer. The WHERE clause on the current
// status makes the update a compare-and-swap: exactly one of any number of
// concurrent resolvers observes a row count of 1.
func (s *PostgresStore) TryTransition(ctx context.Context, externalID string, newStatus Status) (bool, error) {
	if !newStatus.Terminal() {
		return false, ErrInvalidTransition
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET status = $1, updated_at = $2 WHERE external_id = $3 AND status = $4`,
		newStatus, time.Now().UTC(), externalID, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition %s: %w", externalID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *PostgresStore) StakedTotals(ctx context.Context) (decimal.Decimal, int, error) {
	var total decimal.Decimal
	var participants int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0), COUNT(DISTINCT owner_ref)
		 FROM transactions WHERE kind = $1 AND status = $2`,
		KindStake, StatusConfirmed,
	).Scan(&total, &participants)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to aggregate stakes: %w", err)
	}
	return total, participants, nil
}

const selectColumns = `SELECT id, owner_ref, kind, amount, external_id, status, created_at, updated_at, lock_duration, lock_expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	err := row.Scan(&tx.ID, &tx.OwnerRef, &tx.Kind, &tx.Amount, &tx.ExternalID,
		&tx.Status, &tx.CreatedAt, &tx.UpdatedAt, &tx.LockDuration, &tx.LockExpiresAt)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
