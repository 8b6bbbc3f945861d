// Package lock implements the withdrawal lock policy: a fixed time window,
// anchored at record creation, during which resolved funds are not claimable.
package lock

import (
	"time"

	"github.com/terminal-bench/stakepool/internal/ledger"
)

const (
	DefaultStakeLock   = 0
	DefaultUnstakeLock = 7 * 24 * time.Hour
)

// Policy holds the configured lock windows per transaction kind.
type Policy struct {
	StakeLock   time.Duration
	UnstakeLock time.Duration
}

// Default returns the policy the original pool ran with: stakes withdrawable
// immediately once confirmed, unstakes locked for seven days.
func Default() Policy {
	return Policy{
		StakeLock:   DefaultStakeLock,
		UnstakeLock: DefaultUnstakeLock,
	}
}

// Compute returns the lock duration for the kind and the expiry derived from
// the anchor time. The anchor is the record's creation time, not its on-chain
// confirmation time: funds are committed to the lock the moment the request
// is recorded. A zero duration yields a nil expiry.
func (p Policy) Compute(kind ledger.Kind, anchor time.Time) (time.Duration, *time.Time) {
	var d time.Duration
	switch kind {
	case ledger.KindStake:
		d = p.StakeLock
	case ledger.KindUnstake:
		d = p.UnstakeLock
	}

	if d <= 0 {
		return 0, nil
	}
	expires := anchor.Add(d)
	return d, &expires
}

// Countdown is the remaining-lock view served to callers.
type Countdown struct {
	Locked      bool       `json:"is_locked"`
	Remaining   int64      `json:"seconds_remaining"`
	AvailableAt *time.Time `json:"available_at,omitempty"`
}

// CountdownFor reports the lock state of tx as observed at now.
func CountdownFor(tx *ledger.Transaction, now time.Time) Countdown {
	if tx.LockDuration == 0 || tx.LockExpiresAt == nil {
		return Countdown{Locked: false, Remaining: 0}
	}

	expires := *tx.LockExpiresAt
	if !now.Before(expires) {
		return Countdown{Locked: false, Remaining: 0, AvailableAt: &expires}
	}

	remaining := expires.Sub(now)
	// Partial seconds still count as locked time.
	secs := int64(remaining / time.Second)
	if remaining%time.Second > 0 {
		secs++
	}
	return Countdown{Locked: true, Remaining: secs, AvailableAt: &expires}
}
