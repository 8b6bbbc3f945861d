// Package reconcile drives local transaction records toward the state the
// external chain reports, through the store's conditional transitions.
package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/terminal-bench/stakepool/internal/ledger"
	"github.com/terminal-bench/stakepool/internal/metrics"
	"github.com/terminal-bench/stakepool/internal/notify"
	"github.com/terminal-bench/stakepool/internal/oracle"
	"golang.org/x/sync/singleflight"
)

// DefaultInterval between reconciliation cycles.
const DefaultInterval = 30 * time.Second

// Config wires a Scheduler.
type Config struct {
	Store    ledger.Store
	Oracle   oracle.Oracle
	Notifier notify.Dispatcher
	Recorder metrics.Recorder
	Interval time.Duration
}

// Scheduler periodically scans pending records, consults the oracle and
// applies verdicts. Cycles are single-flight: a tick arriving while a cycle
// is still running is skipped rather than overlapped.
type Scheduler struct {
	store    ledger.Store
	oracle   oracle.Oracle
	notifier notify.Dispatcher
	recorder metrics.Recorder
	interval time.Duration
	logger   zerolog.Logger

	running int32 // 1 while a cycle is executing
	group   singleflight.Group
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func NewScheduler(cfg Config, logger zerolog.Logger) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Noop{}
	}

	return &Scheduler{
		store:    cfg.Store,
		oracle:   cfg.Oracle,
		notifier: cfg.Notifier,
		recorder: recorder,
		interval: interval,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the periodic loop. It returns immediately; reconciliation
// runs until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info().Dur("interval", s.interval).Msg("reconciler started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
					s.logger.Debug().Msg("previous cycle still running, skipping tick")
					continue
				}
				s.RunCycle(ctx)
				atomic.StoreInt32(&s.running, 0)
			}
		}
	}()
}

// Stop halts the periodic loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info().Msg("reconciler stopped")
}

// RunCycle performs one reconciliation pass over all pending records.
// Per-record failures are isolated; one bad record never aborts the rest.
func (s *Scheduler) RunCycle(ctx context.Context) metrics.CycleStats {
	start := time.Now()
	var stats metrics.CycleStats

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list pending transactions")
		stats.StoreErrors++
		stats.Duration = time.Since(start)
		s.recorder.RecordCycle(ctx, stats)
		return stats
	}

	stats.Pending = len(pending)
	if len(pending) > 0 {
		s.logger.Debug().Int("count", len(pending)).Msg("checking pending transactions")
	}

	for _, tx := range pending {
		select {
		case <-ctx.Done():
			stats.Duration = time.Since(start)
			s.recorder.RecordCycle(ctx, stats)
			return stats
		default:
		}

		verdict, err := s.oracle.Check(ctx, tx.ExternalID)
		if err != nil {
			// Any oracle failure degrades to Unknown: the record stays
			// pending and is retried next cycle.
			s.logger.Warn().Err(err).Str("external_id", tx.ExternalID).Msg("oracle check failed")
			stats.OracleErrors++
			continue
		}
		if !verdict.Definitive() {
			continue
		}

		won, err := s.apply(ctx, tx, verdict)
		if err != nil {
			s.logger.Error().Err(err).Str("external_id", tx.ExternalID).Msg("failed to apply verdict")
			stats.StoreErrors++
			continue
		}
		if won {
			switch verdict.Status {
			case oracle.StatusConfirmed:
				stats.Confirmed++
			case oracle.StatusFailed:
				stats.Failed++
			}
		}
	}

	stats.Duration = time.Since(start)
	s.recorder.RecordCycle(ctx, stats)
	return stats
}

// apply commits a definitive verdict and, if this caller won the transition,
// dispatches the notification as a separate, independently failing step.
func (s *Scheduler) apply(ctx context.Context, tx *ledger.Transaction, verdict oracle.Verdict) (bool, error) {
	newStatus, ok := verdict.LedgerStatus()
	if !ok {
		return false, nil
	}

	won, err := s.store.TryTransition(ctx, tx.ExternalID, newStatus)
	if err != nil {
		return false, err
	}
	if !won {
		// Another resolver got there first; it owns the notification.
		s.logger.Debug().Str("external_id", tx.ExternalID).Msg("lost transition race")
		return false, nil
	}

	s.logger.Info().
		Str("external_id", tx.ExternalID).
		Str("kind", string(tx.Kind)).
		Str("status", string(newStatus)).
		Msg("transaction resolved")

	if s.notifier != nil {
		if err := s.notifier.TransactionResolved(ctx, tx, newStatus); err != nil {
			// Best-effort only; the committed transition stands.
			s.logger.Warn().Err(err).Str("external_id", tx.ExternalID).Msg("notification failed")
		}
	}
	return true, nil
}

// CheckOne is the on-demand equivalent of one cycle step for a single record,
// used by request handlers. Concurrent callers asking about the same external
// id share a single oracle query. It races safely with the periodic cycle:
// the store guarantees exactly one transition winner.
func (s *Scheduler) CheckOne(ctx context.Context, externalID string) (*ledger.Transaction, oracle.Verdict, error) {
	v, err, _ := s.group.Do(externalID, func() (interface{}, error) {
		return s.checkOne(ctx, externalID)
	})
	if err != nil {
		return nil, oracle.Unknown(), err
	}

	res := v.(*checkResult)
	return res.tx, res.verdict, nil
}

type checkResult struct {
	tx      *ledger.Transaction
	verdict oracle.Verdict
}

func (s *Scheduler) checkOne(ctx context.Context, externalID string) (*checkResult, error) {
	tx, err := s.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	// Terminal records need no oracle round trip.
	if tx.Status.Terminal() {
		return &checkResult{tx: tx, verdict: oracle.Unknown()}, nil
	}

	verdict, err := s.oracle.Check(ctx, externalID)
	if err != nil {
		// Transient oracle trouble is not a failure of the record; the
		// caller sees it still pending.
		s.logger.Warn().Err(err).Str("external_id", externalID).Msg("on-demand oracle check failed")
		return &checkResult{tx: tx, verdict: oracle.Unknown()}, nil
	}

	if verdict.Definitive() {
		if _, err := s.apply(ctx, tx, verdict); err != nil {
			return nil, err
		}
		// Records are never deleted, so the reload always finds it.
		if tx, err = s.store.GetByExternalID(ctx, externalID); err != nil {
			return nil, err
		}
	}

	return &checkResult{tx: tx, verdict: verdict}, nil
}
