package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time {
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *manualClock, opts ...CircuitBreakerOption) *CircuitBreaker {
	base := []CircuitBreakerOption{
		WithFailureThreshold(3),
		WithSuccessThreshold(2),
		WithResetTimeout(time.Minute),
		WithClock(clock.Now),
	}
	return NewCircuitBreaker(append(base, opts...)...)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	failing := errors.New("backend down")

	t.Run("opens after failure threshold and blocks calls", func(t *testing.T) {
		clock := &manualClock{now: time.Now()}
		cb := newTestBreaker(clock)
		ctx := context.Background()

		calls := 0
		op := func() error {
			calls++
			return failing
		}

		for i := 0; i < 3; i++ {
			err := cb.Execute(ctx, op)
			assert.Equal(t, failing, err)
		}
		assert.Equal(t, StateOpen, cb.GetState())

		// Fourth call before the reset timeout: rejected, operation never invoked
		err := cb.Execute(ctx, op)
		var cbErr *CircuitBreakerError
		assert.ErrorAs(t, err, &cbErr)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 3, calls)
	})

	t.Run("half-open probe after reset timeout closes on success threshold", func(t *testing.T) {
		clock := &manualClock{now: time.Now()}
		cb := newTestBreaker(clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, func() error { return failing })
		}
		assert.Equal(t, StateOpen, cb.GetState())

		clock.Advance(time.Minute)

		// First probe is attempted and transitions to half-open
		invoked := false
		err := cb.Execute(ctx, func() error {
			invoked = true
			return nil
		})
		assert.NoError(t, err)
		assert.True(t, invoked)
		assert.Equal(t, StateHalfOpen, cb.GetState())

		// Second consecutive success closes the breaker
		err = cb.Execute(ctx, func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, cb.GetState())

		failures, _, _ := cb.GetStats()
		assert.Equal(t, 0, failures)
	})

	t.Run("single failure in half-open re-opens", func(t *testing.T) {
		clock := &manualClock{now: time.Now()}
		cb := newTestBreaker(clock)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, func() error { return failing })
		}
		clock.Advance(time.Minute)

		err := cb.Execute(ctx, func() error { return failing })
		assert.Equal(t, failing, err)
		assert.Equal(t, StateOpen, cb.GetState())

		// Immediately blocked again for a full reset timeout
		err = cb.Execute(ctx, func() error { return nil })
		assert.ErrorIs(t, err, ErrCircuitOpen)
	})

	t.Run("success resets failure count in closed state", func(t *testing.T) {
		clock := &manualClock{now: time.Now()}
		cb := newTestBreaker(clock)
		ctx := context.Background()

		_ = cb.Execute(ctx, func() error { return failing })
		_ = cb.Execute(ctx, func() error { return failing })
		assert.NoError(t, cb.Execute(ctx, func() error { return nil }))

		failures, _, _ := cb.GetStats()
		assert.Equal(t, 0, failures)
		assert.Equal(t, StateClosed, cb.GetState())

		// The streak starts over: two more failures do not open the breaker
		_ = cb.Execute(ctx, func() error { return failing })
		_ = cb.Execute(ctx, func() error { return failing })
		assert.Equal(t, StateClosed, cb.GetState())
	})
}

func TestCircuitBreakerReset(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("nope") })
	}
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())

	failures, successes, _ := cb.GetStats()
	assert.Equal(t, 0, failures)
	assert.Equal(t, 0, successes)

	invoked := false
	assert.NoError(t, cb.Execute(ctx, func() error {
		invoked = true
		return nil
	}))
	assert.True(t, invoked)
}

func TestCircuitBreakerForceOpen(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	cb := newTestBreaker(clock)
	ctx := context.Background()

	cb.ForceOpen()
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(ctx, func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
}

func TestCircuitBreakerContextCancelled(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	cb := newTestBreaker(clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	invoked := false
	err := cb.Execute(ctx, func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, invoked)
}

func TestCircuitBreakerMetrics(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	cb := newTestBreaker(clock, WithName("stage-executor"))
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return nil })
	_ = cb.Execute(ctx, func() error { return errors.New("nope") })

	metrics := cb.GetMetrics()
	assert.Equal(t, "stage-executor", metrics.Name)
	assert.Equal(t, int64(2), metrics.TotalRequests)
	assert.Equal(t, int64(1), metrics.TotalFailures)
	assert.Equal(t, int64(1), metrics.TotalSuccesses)
}
