package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store used in tests and local development.
// It honours the same conditional-transition semantics as PostgresStore.
type MemoryStore struct {
	mu     sync.RWMutex
	byExt  map[string]*Transaction
	policy LockPolicy
}

func NewMemoryStore(policy LockPolicy) *MemoryStore {
	return &MemoryStore{
		byExt:  make(map[string]*Transaction),
		policy: policy,
	}
}

func (s *MemoryStore) Create(ctx context.Context, p CreateParams) (*Transaction, error) {
	if err := validateCreate(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byExt[p.ExternalID]; exists {
		return nil, ErrDuplicateExternalID
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
	s.byExt[p.ExternalID] = tx

	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byExt[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var txs []*Transaction
	for _, tx := range s.byExt {
		if tx.Status == StatusPending {
			cp := *tx
			txs = append(txs, &cp)
		}
	}
	return txs, nil
}

func (s *MemoryStore) ListByOwner(ctx context.Context, ownerRef string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var txs []*Transaction
	for _, tx := range s.byExt {
		if tx.OwnerRef == ownerRef {
			cp := *tx
			txs = append(txs, &cp)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt.After(txs[j].CreatedAt)
	})
	if len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (s *MemoryStore) TryTransition(ctx context.Context, externalID string, newStatus Status) (bool, error) {
	if !newStatus.Terminal() {
		return false, ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.byExt[externalID]
	if !ok || tx.Status != StatusPending {
		return false, nil
	}

	tx.Status = newStatus
	tx.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) StakedTotals(ctx context.Context) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	owners := make(map[string]struct{})
	for _, tx := range s.byExt {
		if tx.Kind == KindStake && tx.Status == StatusConfirmed {
			total = total.Add(tx.Amount)
			owners[tx.OwnerRef] = struct{}{}
		}
	}
	return total, len(owners), nil
}
