package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker guards a single downstream call site. After failureThreshold
// consecutive failures it opens and rejects calls until the reset timeout has
// elapsed, then allows half-open probing. successThreshold consecutive probe
// successes close it again; a single probe failure re-opens it.
type CircuitBreaker struct {
	mu              sync.RWMutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64

	// Configuration
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	name             string
	now              func() time.Time

	// Listeners
	listeners []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failure count that opens the breaker
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the success count required to close from half-open
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithResetTimeout sets how long the breaker stays open before probing
func WithResetTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.resetTimeout = timeout
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		resetTimeout:     60 * time.Second,
		name:             "default",
		now:              time.Now,
		listeners:        make([]StateChangeListener, 0),
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs a function with circuit breaker protection. While the breaker
// is open and the reset timeout has not elapsed, fn is never invoked and a
// *CircuitBreakerError is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.totalRequests++
	cb.mu.Unlock()

	if err := cb.canExecute(); err != nil {
		return err
	}

	// Check context before execution
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns the current counters and last failure time
func (cb *CircuitBreaker) GetStats() (failures, successes int, lastFailure time.Time) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures, cb.successes, cb.lastFailureTime
}

// Reset forces the breaker closed with all counters zeroed. Operational and
// test escape hatch only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.nextAttemptTime = time.Time{}
	if oldState != StateClosed {
		cb.notifyStateChange(oldState, StateClosed, "manual reset")
	}
}

// ForceOpen forces the breaker open for one full reset timeout. Diagnostic
// escape hatch for taking a downstream dependency out of rotation.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateOpen
	cb.nextAttemptTime = cb.now().Add(cb.resetTimeout)
	if oldState != StateOpen {
		cb.notifyStateChange(oldState, StateOpen, "forced open")
	}
}

// canExecute checks if execution is allowed
func (cb *CircuitBreaker) canExecute() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		if !cb.now().Before(cb.nextAttemptTime) {
			// Reset timeout elapsed, allow a probe
			oldState := cb.state
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.notifyStateChange(oldState, cb.state, "reset timeout expired")
			return nil
		}
		return &CircuitBreakerError{
			State:            cb.state,
			Name:             cb.name,
			Failures:         cb.failures,
			FailureThreshold: cb.failureThreshold,
			LastFailure:      cb.lastFailureTime,
			NextAttempt:      cb.nextAttemptTime,
		}

	default:
		return ErrUnknownState
	}
}

// recordResult records the result of an execution
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.totalFailures++
		cb.lastFailureTime = cb.now()
		oldState := cb.state

		switch cb.state {
		case StateHalfOpen:
			// Single failure during probing re-opens the breaker
			cb.state = StateOpen
			cb.nextAttemptTime = cb.now().Add(cb.resetTimeout)
			cb.successes = 0
			cb.notifyStateChange(oldState, cb.state, "failure in half-open state")

		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
				cb.nextAttemptTime = cb.now().Add(cb.resetTimeout)
				cb.notifyStateChange(oldState, cb.state,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		}
		return
	}

	// Success clears the failure count regardless of state
	cb.totalSuccesses++
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			oldState := cb.state
			cb.state = StateClosed
			cb.successes = 0
			cb.notifyStateChange(oldState, cb.state,
				fmt.Sprintf("success threshold reached (%d)", cb.successThreshold))
		}
	}
}

// AddListener adds a state change listener
func (cb *CircuitBreaker) AddListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// notifyStateChange notifies all listeners of a state change. Callers hold
// the lock; listeners run in goroutines so they cannot block transitions.
func (cb *CircuitBreaker) notifyStateChange(from, to State, reason string) {
	listeners := make([]StateChangeListener, len(cb.listeners))
	copy(listeners, cb.listeners)

	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

// GetMetrics returns a point-in-time snapshot of breaker counters
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.state,
		TotalRequests:    cb.totalRequests,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		CurrentFailures:  cb.failures,
		CurrentSuccesses: cb.successes,
		LastFailureTime:  cb.lastFailureTime,
		NextAttemptTime:  cb.nextAttemptTime,
		Timestamp:        cb.now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics
type CircuitBreakerMetrics struct {
	Name             string
	State            State
	TotalRequests    int64
	TotalFailures    int64
	TotalSuccesses   int64
	CurrentFailures  int
	CurrentSuccesses int
	LastFailureTime  time.Time
	NextAttemptTime  time.Time
	Timestamp        time.Time
}
