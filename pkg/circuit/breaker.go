// Package circuit provides a small circuit breaker used to shield the
// services from a misbehaving external chain API.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config tunes a Breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open before probing again.
	Cooldown time.Duration
	// ProbeSuccesses is the number of successful half-open calls that close it.
	ProbeSuccesses int
}

// Breaker trips open after consecutive failures and probes the dependency
// again after a cooldown. A single mutex keeps the state machine simple; the
// guarded call itself runs outside the lock.
type Breaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 1
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn under the breaker. When the breaker is open, fn is not invoked
// and ErrOpen is returned.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.state = HalfOpen
		b.successes = 0
	}
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !ok {
		b.failures++
		if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
			b.state = Open
			b.openedAt = time.Now()
			b.failures = 0
		}
		return
	}

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.state = Closed
			b.failures = 0
		}
	}
}
