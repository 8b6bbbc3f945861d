package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("should stay closed while calls succeed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 2, Cooldown: time.Minute})
		for i := 0; i < 10; i++ {
			require.NoError(t, b.Do(ctx, ok))
		}
		assert.Equal(t, Closed, b.State())
	})

	t.Run("should open after consecutive failures", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Cooldown: time.Minute})
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, b.Do(ctx, fail), errBoom)
		}
		assert.Equal(t, Open, b.State())
		assert.ErrorIs(t, b.Do(ctx, fail), ErrOpen, "open breaker must not invoke the call")
	})

	t.Run("should reset the failure streak on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Cooldown: time.Minute})
		b.Do(ctx, fail)
		b.Do(ctx, fail)
		b.Do(ctx, ok)
		b.Do(ctx, fail)
		b.Do(ctx, fail)
		assert.Equal(t, Closed, b.State())
	})

	t.Run("should probe after the cooldown and close on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond, ProbeSuccesses: 2})
		require.Error(t, b.Do(ctx, fail))
		require.Equal(t, Open, b.State())

		time.Sleep(15 * time.Millisecond)

		require.NoError(t, b.Do(ctx, ok))
		assert.Equal(t, HalfOpen, b.State())
		require.NoError(t, b.Do(ctx, ok))
		assert.Equal(t, Closed, b.State())
	})

	t.Run("should reopen when the probe fails", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Cooldown: 10 * time.Millisecond})
		require.Error(t, b.Do(ctx, fail))

		time.Sleep(15 * time.Millisecond)

		assert.ErrorIs(t, b.Do(ctx, fail), errBoom)
		assert.Equal(t, Open, b.State())
		assert.ErrorIs(t, b.Do(ctx, fail), ErrOpen)
	})
}
