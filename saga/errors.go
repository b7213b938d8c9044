package saga

import (
	"errors"
	"fmt"

	"github.com/valueops/sagaflow-go/internal/reliability"
)

var (
	// ErrExecutionNotFound is returned when an execution ID is unknown to the store
	ErrExecutionNotFound = errors.New("saga: execution not found")

	// ErrNotResumable is returned when resume is attempted on an execution
	// that is not in failed or compensated status
	ErrNotResumable = errors.New("saga: execution is not resumable")

	// ErrNoExecutor is returned when a stage in the run slice has no executor bound
	ErrNoExecutor = errors.New("saga: stage has no executor")
)

// ValidationError indicates a stage's input failed its prerequisite check.
// The stage executor was never invoked and no compensation is triggered.
type ValidationError struct {
	StageID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("stage %s input validation failed: missing required field %q", e.StageID, e.Field)
	}
	return fmt.Sprintf("stage %s input validation failed: %s", e.StageID, e.Reason)
}

// StageExecutionError indicates the stage executor itself failed
type StageExecutionError struct {
	ExecutionID string
	StageID     string
	Err         error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed for execution %s: %v", e.StageID, e.ExecutionID, e.Err)
}

func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// CompensationError indicates a compensator failed or timed out
type CompensationError struct {
	ExecutionID string
	StageID     string
	TimedOut    bool
	Err         error
}

func (e *CompensationError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("compensation for stage %s timed out (execution %s)", e.StageID, e.ExecutionID)
	}
	return fmt.Sprintf("compensation for stage %s failed (execution %s): %v", e.StageID, e.ExecutionID, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// PersistenceError indicates the execution store failed to read or write
// context. Fatal to the current operation; never retried internally.
type PersistenceError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("execution store %s failed for %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsCircuitOpen reports whether err is a circuit breaker rejection
func IsCircuitOpen(err error) bool {
	var cbErr *reliability.CircuitBreakerError
	return errors.As(err, &cbErr)
}

// IsValidation reports whether err is a prerequisite validation failure
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
