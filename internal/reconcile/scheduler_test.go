package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminal-bench/stakepool/internal/ledger"
	"github.com/terminal-bench/stakepool/internal/lock"
	"github.com/terminal-bench/stakepool/internal/notify"
	"github.com/terminal-bench/stakepool/internal/oracle"
)

// scriptedOracle returns a fixed verdict or error per external id and counts
// how often each id is asked about.
type scriptedOracle struct {
	mu       sync.Mutex
	verdicts map[string]oracle.Verdict
	errs     map[string]error
	calls    map[string]int
}

func newScriptedOracle() *scriptedOracle {
	return &scriptedOracle{
		verdicts: make(map[string]oracle.Verdict),
		errs:     make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (o *scriptedOracle) Check(ctx context.Context, externalID string) (oracle.Verdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[externalID]++
	if err, ok := o.errs[externalID]; ok {
		return oracle.Unknown(), err
	}
	if v, ok := o.verdicts[externalID]; ok {
		return v, nil
	}
	return oracle.Unknown(), nil
}

func (o *scriptedOracle) callCount(externalID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[externalID]
}

// recordingDispatcher captures every notification it is handed.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (d *recordingDispatcher) TransactionResolved(ctx context.Context, tx *ledger.Transaction, newStatus ledger.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, notify.Event{
		ExternalID: tx.ExternalID,
		OwnerRef:   tx.OwnerRef,
		Kind:       tx.Kind,
		Status:     newStatus,
	})
	return d.err
}

func (d *recordingDispatcher) captured() []notify.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]notify.Event, len(d.events))
	copy(out, d.events)
	return out
}

func seed(t *testing.T, store ledger.Store, externalID string, kind ledger.Kind) {
	t.Helper()
	_, err := store.Create(context.Background(), ledger.CreateParams{
		OwnerRef:   "user-1",
		Kind:       kind,
		Amount:     decimal.NewFromInt(10),
		ExternalID: externalID,
	})
	require.NoError(t, err)
}

func newTestScheduler(store ledger.Store, chain oracle.Oracle, dispatcher notify.Dispatcher) *Scheduler {
	return NewScheduler(Config{
		Store:    store,
		Oracle:   chain,
		Notifier: dispatcher,
	}, zerolog.Nop())
}

func TestRunCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("should resolve records per the oracle's verdicts", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		dispatcher := &recordingDispatcher{}
		seed(t, store, "ext-confirm", ledger.KindStake)
		seed(t, store, "ext-fail", ledger.KindUnstake)
		seed(t, store, "ext-wait", ledger.KindStake)
		chain.verdicts["ext-confirm"] = oracle.Confirmed(5, nil)
		chain.verdicts["ext-fail"] = oracle.Failed("bounced")

		stats := newTestScheduler(store, chain, dispatcher).RunCycle(ctx)

		assert.Equal(t, 3, stats.Pending)
		assert.Equal(t, 1, stats.Confirmed)
		assert.Equal(t, 1, stats.Failed)
		assert.Zero(t, stats.OracleErrors)

		for id, want := range map[string]ledger.Status{
			"ext-confirm": ledger.StatusConfirmed,
			"ext-fail":    ledger.StatusFailed,
			"ext-wait":    ledger.StatusPending,
		} {
			tx, err := store.GetByExternalID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, tx.Status, id)
		}
	})

	t.Run("should keep a record pending when the oracle errors", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		dispatcher := &recordingDispatcher{}
		seed(t, store, "ext-1", ledger.KindStake)
		chain.errs["ext-1"] = errors.New("chain API down")

		sched := newTestScheduler(store, chain, dispatcher)
		for i := 0; i < 3; i++ {
			stats := sched.RunCycle(ctx)
			assert.Equal(t, 1, stats.OracleErrors)
		}

		tx, err := store.GetByExternalID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusPending, tx.Status, "oracle trouble must never fail a record")
		assert.Empty(t, dispatcher.captured())
	})

	t.Run("should isolate a bad record from the rest of the cycle", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		dispatcher := &recordingDispatcher{}
		seed(t, store, "ext-bad", ledger.KindStake)
		seed(t, store, "ext-good", ledger.KindStake)
		chain.errs["ext-bad"] = errors.New("boom")
		chain.verdicts["ext-good"] = oracle.Confirmed(1, nil)

		stats := newTestScheduler(store, chain, dispatcher).RunCycle(ctx)

		assert.Equal(t, 1, stats.OracleErrors)
		assert.Equal(t, 1, stats.Confirmed)
		tx, err := store.GetByExternalID(ctx, "ext-good")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, tx.Status)
	})

	t.Run("should notify exactly once per resolution", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		dispatcher := &recordingDispatcher{}
		seed(t, store, "ext-1", ledger.KindStake)
		chain.verdicts["ext-1"] = oracle.Confirmed(1, nil)

		sched := newTestScheduler(store, chain, dispatcher)
		sched.RunCycle(ctx)
		sched.RunCycle(ctx)

		events := dispatcher.captured()
		require.Len(t, events, 1)
		assert.Equal(t, "ext-1", events[0].ExternalID)
		assert.Equal(t, ledger.StatusConfirmed, events[0].Status)
	})

	t.Run("should leave the transition committed when notification fails", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		dispatcher := &recordingDispatcher{err: errors.New("nats down")}
		seed(t, store, "ext-1", ledger.KindStake)
		chain.verdicts["ext-1"] = oracle.Confirmed(1, nil)

		stats := newTestScheduler(store, chain, dispatcher).RunCycle(ctx)

		assert.Equal(t, 1, stats.Confirmed)
		tx, err := store.GetByExternalID(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, tx.Status)
	})

	t.Run("should count a store listing failure and carry on", func(t *testing.T) {
		chain := newScriptedOracle()
		stats := newTestScheduler(failingStore{}, chain, &recordingDispatcher{}).RunCycle(ctx)
		assert.Equal(t, 1, stats.StoreErrors)
	})
}

// failingStore errors on every operation.
type failingStore struct{}

var errStore = errors.New("store down")

func (failingStore) Create(context.Context, ledger.CreateParams) (*ledger.Transaction, error) {
	return nil, errStore
}
func (failingStore) GetByExternalID(context.Context, string) (*ledger.Transaction, error) {
	return nil, errStore
}
func (failingStore) ListPending(context.Context) ([]*ledger.Transaction, error) { return nil, errStore }
func (failingStore) ListByOwner(context.Context, string, int) ([]*ledger.Transaction, error) {
	return nil, errStore
}
func (failingStore) TryTransition(context.Context, string, ledger.Status) (bool, error) {
	return false, errStore
}
func (failingStore) StakedTotals(context.Context) (decimal.Decimal, int, error) {
	return decimal.Zero, 0, errStore
}

func TestCheckOne(t *testing.T) {
	ctx := context.Background()

	t.Run("should resolve a pending record on demand", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		dispatcher := &recordingDispatcher{}
		seed(t, store, "ext-1", ledger.KindStake)
		chain.verdicts["ext-1"] = oracle.Confirmed(7, nil)

		tx, verdict, err := newTestScheduler(store, chain, dispatcher).CheckOne(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, tx.Status)
		assert.Equal(t, oracle.StatusConfirmed, verdict.Status)
		assert.Len(t, dispatcher.captured(), 1)
	})

	t.Run("should skip the oracle for terminal records", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		seed(t, store, "ext-1", ledger.KindStake)
		won, err := store.TryTransition(ctx, "ext-1", ledger.StatusConfirmed)
		require.NoError(t, err)
		require.True(t, won)

		tx, _, err := newTestScheduler(store, chain, &recordingDispatcher{}).CheckOne(ctx, "ext-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, tx.Status)
		assert.Zero(t, chain.callCount("ext-1"))
	})

	t.Run("should report pending when the oracle errors", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		seed(t, store, "ext-1", ledger.KindStake)
		chain.errs["ext-1"] = errors.New("timeout")

		tx, verdict, err := newTestScheduler(store, chain, &recordingDispatcher{}).CheckOne(ctx, "ext-1")
		require.NoError(t, err, "oracle trouble is not the caller's error")
		assert.Equal(t, ledger.StatusPending, tx.Status)
		assert.Equal(t, oracle.StatusUnknown, verdict.Status)
	})

	t.Run("should propagate a missing record", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		_, _, err := newTestScheduler(store, newScriptedOracle(), &recordingDispatcher{}).CheckOne(ctx, "missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("should race safely with the periodic cycle", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		dispatcher := &recordingDispatcher{}
		seed(t, store, "ext-1", ledger.KindStake)
		chain.verdicts["ext-1"] = oracle.Confirmed(1, nil)

		sched := newTestScheduler(store, chain, dispatcher)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sched.RunCycle(ctx)
			}()
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := sched.CheckOne(ctx, "ext-1")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Len(t, dispatcher.captured(), 1, "every resolver racing, one notification")
	})
}

func TestStart(t *testing.T) {
	t.Run("should run cycles until stopped", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		chain := newScriptedOracle()
		seed(t, store, "ext-1", ledger.KindStake)
		chain.verdicts["ext-1"] = oracle.Confirmed(1, nil)

		sched := NewScheduler(Config{
			Store:    store,
			Oracle:   chain,
			Notifier: &recordingDispatcher{},
			Interval: 5 * time.Millisecond,
		}, zerolog.Nop())

		sched.Start(context.Background())
		defer sched.Stop()

		require.Eventually(t, func() bool {
			tx, err := store.GetByExternalID(context.Background(), "ext-1")
			return err == nil && tx.Status == ledger.StatusConfirmed
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("should skip ticks while a cycle is in flight", func(t *testing.T) {
		store := ledger.NewMemoryStore(lock.Default())
		seed(t, store, "ext-1", ledger.KindStake)

		var inFlight, maxInFlight int32
		slow := oracleFunc(func(ctx context.Context, externalID string) (oracle.Verdict, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxInFlight)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return oracle.Unknown(), nil
		})

		sched := NewScheduler(Config{
			Store:    store,
			Oracle:   slow,
			Notifier: &recordingDispatcher{},
			Interval: time.Millisecond,
		}, zerolog.Nop())

		sched.Start(context.Background())
		time.Sleep(100 * time.Millisecond)
		sched.Stop()

		assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight), "cycles must never overlap")
	})
}

type oracleFunc func(ctx context.Context, externalID string) (oracle.Verdict, error)

func (f oracleFunc) Check(ctx context.Context, externalID string) (oracle.Verdict, error) {
	return f(ctx, externalID)
}
