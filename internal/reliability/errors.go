package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen  = errors.New("circuit breaker: circuit is open")
	ErrUnknownState = errors.New("circuit breaker: unknown state")

	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")
)

// CircuitBreakerError is returned when the breaker refuses a call
type CircuitBreakerError struct {
	State            State
	Name             string
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextAttempt      time.Time
}

func (e *CircuitBreakerError) Error() string {
	retryIn := time.Until(e.NextAttempt).Round(time.Second)
	return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d/%d, retry in %v)",
		e.Name, e.Failures, e.FailureThreshold, retryIn)
}

// Is lets errors.Is match the ErrCircuitOpen sentinel
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError wraps the last error after all attempts are exhausted
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts over %v: %v",
		e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Is lets errors.Is match the ErrMaxRetriesExceeded sentinel
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}
