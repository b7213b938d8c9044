package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCompensationTimeout bounds a single compensation handler call
const DefaultCompensationTimeout = 5 * time.Second

// CompensationHandler undoes one executed step's side effects
type CompensationHandler interface {
	Compensate(ctx context.Context, cc *CompensationContext) error
}

// CompensationHandlerFunc is a function adapter for CompensationHandler
type CompensationHandlerFunc func(ctx context.Context, cc *CompensationContext) error

func (f CompensationHandlerFunc) Compensate(ctx context.Context, cc *CompensationContext) error {
	return f(ctx, cc)
}

// CompensationEngine walks a failed or completed execution's step history in
// reverse and invokes per-stage compensators, tracking partial rollback
// progress so repeated invocations are idempotent.
type CompensationEngine struct {
	store     ExecutionStore
	typed     map[StageType]CompensationHandler
	named     map[string]CompensationHandler
	timeout   time.Duration
	logger    *slog.Logger
	publisher EventPublisher

	// Serializes rollback per execution so concurrent callers cannot both
	// observe an idle rollback state and run the same handlers twice
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// CompensationOption configures the compensation engine
type CompensationOption func(*CompensationEngine)

// WithHandler registers the compensation handler for a stage type
func WithHandler(stageType StageType, handler CompensationHandler) CompensationOption {
	return func(e *CompensationEngine) {
		e.typed[stageType] = handler
	}
}

// WithNamedHandler registers a handler resolvable by an explicit compensator
// reference on an executed step
func WithNamedHandler(name string, handler CompensationHandler) CompensationOption {
	return func(e *CompensationEngine) {
		e.named[name] = handler
	}
}

// WithCompensationTimeout sets the per-handler deadline
func WithCompensationTimeout(timeout time.Duration) CompensationOption {
	return func(e *CompensationEngine) {
		e.timeout = timeout
	}
}

// WithCompensationLogger sets the engine logger
func WithCompensationLogger(logger *slog.Logger) CompensationOption {
	return func(e *CompensationEngine) {
		e.logger = logger
	}
}

// WithCompensationPublisher sets the lifecycle event publisher
func WithCompensationPublisher(publisher EventPublisher) CompensationOption {
	return func(e *CompensationEngine) {
		e.publisher = publisher
	}
}

// NewCompensationEngine creates a new compensation engine backed by the
// given store
func NewCompensationEngine(store ExecutionStore, opts ...CompensationOption) *CompensationEngine {
	e := &CompensationEngine{
		store:     store,
		typed:     make(map[StageType]CompensationHandler),
		named:     make(map[string]CompensationHandler),
		timeout:   DefaultCompensationTimeout,
		logger:    slog.Default(),
		publisher: NopPublisher{},
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler registers the compensation handler for a stage type
func (e *CompensationEngine) RegisterHandler(stageType StageType, handler CompensationHandler) {
	e.typed[stageType] = handler
}

// RegisterNamedHandler registers a handler resolvable by compensator reference
func (e *CompensationEngine) RegisterNamedHandler(name string, handler CompensationHandler) {
	e.named[name] = handler
}

// Rollback undoes an execution's completed stages in reverse order, exactly
// once per stage. Calling Rollback twice on the same execution yields the
// same end state as calling it once: already-compensated stages are skipped
// via the persisted rollback state, a completed rollback is a no-op, and a
// rollback already in progress is left alone.
func (e *CompensationEngine) Rollback(ctx context.Context, executionID string) (*RollbackState, error) {
	lock := e.executionLock(executionID)
	lock.Lock()
	defer lock.Unlock()

	ec, err := e.store.LoadContext(ctx, executionID)
	if err != nil {
		if err == ErrExecutionNotFound {
			return nil, err
		}
		return nil, &PersistenceError{Op: "load", ExecutionID: executionID, Err: err}
	}

	if len(ec.Steps) == 0 {
		return &ec.Rollback, nil
	}
	switch ec.Rollback.Status {
	case RollbackCompleted:
		return &ec.Rollback, nil
	case RollbackInProgress:
		e.logger.Warn("rollback already in progress", "executionId", executionID)
		return &ec.Rollback, nil
	}

	ec.Rollback.Status = RollbackInProgress
	ec.Rollback.UpdatedAt = time.Now().UTC()
	if err := e.store.PersistContext(ctx, ec, StatusCompensating); err != nil {
		return nil, &PersistenceError{Op: "persist", ExecutionID: executionID, Err: err}
	}

	e.logger.Info("starting rollback",
		"executionId", executionID,
		"steps", len(ec.Steps),
		"policy", ec.Policy)

	var failure error
	for i := len(ec.Steps) - 1; i >= 0; i-- {
		step := ec.Steps[i]
		if ec.Rollback.Compensated(step.StageID) {
			continue
		}

		cc := &CompensationContext{
			ExecutionID:      executionID,
			StageID:          step.StageID,
			StageType:        step.StageType,
			ArtifactsCreated: step.Output.artifacts(),
			StateChanges:     step.Output.stateChanges(),
		}

		compErr := e.compensateStep(ctx, &step, cc)
		if compErr == nil {
			ec.Rollback.CompletedSteps = append(ec.Rollback.CompletedSteps, step.StageID)
			ec.Rollback.UpdatedAt = time.Now().UTC()
			if err := e.store.PersistContext(ctx, ec); err != nil {
				return &ec.Rollback, &PersistenceError{Op: "persist", ExecutionID: executionID, Err: err}
			}
			e.appendEvent(ctx, executionID, EventStageCompensated, map[string]interface{}{
				"stageId": step.StageID,
			})
			e.publish(ctx, StageCompensatedEvent{
				EventMeta: newEventMeta(EventStageCompensated, ec.Execution),
				StageID:   step.StageID,
				StageType: step.StageType,
			})
			e.logger.Info("stage compensated", "executionId", executionID, "stageId", step.StageID)
			continue
		}

		ec.Rollback.Status = RollbackFailed
		ec.Rollback.FailedStage = step.StageID
		ec.Rollback.UpdatedAt = time.Now().UTC()
		if err := e.store.PersistContext(ctx, ec, StatusFailed); err != nil {
			return &ec.Rollback, &PersistenceError{Op: "persist", ExecutionID: executionID, Err: err}
		}

		var timedOut bool
		if cerr, ok := compErr.(*CompensationError); ok {
			timedOut = cerr.TimedOut
		}
		e.appendEvent(ctx, executionID, EventStageCompensationFailed, map[string]interface{}{
			"stageId": step.StageID,
			"error":   compErr.Error(),
		})
		e.publish(ctx, StageCompensationFailedEvent{
			EventMeta: newEventMeta(EventStageCompensationFailed, ec.Execution),
			StageID:   step.StageID,
			StageType: step.StageType,
			Error:     compErr.Error(),
			TimedOut:  timedOut,
		})
		e.logger.Error("stage compensation failed",
			"executionId", executionID,
			"stageId", step.StageID,
			"policy", ec.Policy,
			"error", compErr)

		if failure == nil {
			failure = compErr
		}
		if ec.Policy != ContinueOnError {
			// Remaining steps stay un-compensated for a future retry;
			// rollback is always safe to call again.
			return &ec.Rollback, failure
		}
	}

	if failure != nil {
		return &ec.Rollback, failure
	}

	ec.Rollback.Status = RollbackCompleted
	ec.Rollback.UpdatedAt = time.Now().UTC()
	if err := e.store.PersistContext(ctx, ec, StatusCompensated); err != nil {
		return &ec.Rollback, &PersistenceError{Op: "persist", ExecutionID: executionID, Err: err}
	}
	e.appendEvent(ctx, executionID, EventRollbackCompleted, map[string]interface{}{
		"compensatedSteps": len(ec.Rollback.CompletedSteps),
	})
	e.publish(ctx, RollbackCompletedEvent{
		EventMeta:        newEventMeta(EventRollbackCompleted, ec.Execution),
		CompensatedSteps: len(ec.Rollback.CompletedSteps),
	})
	e.logger.Info("rollback completed",
		"executionId", executionID,
		"compensatedSteps", len(ec.Rollback.CompletedSteps))

	return &ec.Rollback, nil
}

// executionLock returns the mutex serializing rollbacks of one execution.
// The idle check and the idle→in_progress transition must happen under the
// same lock or two concurrent rollbacks would both see idle and both run
// every handler.
func (e *CompensationEngine) executionLock(executionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[executionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[executionID] = lock
	}
	return lock
}

// compensateStep resolves and runs one step's compensation handler under the
// engine deadline. A handler that does not finish in time is treated as a
// failure.
func (e *CompensationEngine) compensateStep(ctx context.Context, step *ExecutedStep, cc *CompensationContext) error {
	handler, err := e.resolveHandler(step)
	if err != nil {
		return &CompensationError{ExecutionID: cc.ExecutionID, StageID: step.StageID, Err: err}
	}

	handlerCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler.Compensate(handlerCtx, cc)
	}()

	select {
	case herr := <-done:
		if herr != nil {
			return &CompensationError{ExecutionID: cc.ExecutionID, StageID: step.StageID, Err: herr}
		}
		return nil
	case <-handlerCtx.Done():
		return &CompensationError{ExecutionID: cc.ExecutionID, StageID: step.StageID, TimedOut: true, Err: handlerCtx.Err()}
	}
}

// resolveHandler prefers the step's explicit compensator reference and falls
// back to the stage type registered at creation time
func (e *CompensationEngine) resolveHandler(step *ExecutedStep) (CompensationHandler, error) {
	if step.Compensator != "" {
		if handler, ok := e.named[step.Compensator]; ok {
			return handler, nil
		}
		return nil, fmt.Errorf("unknown compensator %q for stage %s", step.Compensator, step.StageID)
	}
	if handler, ok := e.typed[step.StageType]; ok {
		return handler, nil
	}
	return nil, fmt.Errorf("no compensation handler registered for stage type %q", step.StageType)
}

// CompensationPreview lists the steps a rollback would touch, without
// mutating anything
type CompensationPreview struct {
	ExecutionID string             `json:"executionId"`
	Policy      CompensationPolicy `json:"policy"`
	Steps       []PreviewStep      `json:"steps"`
	Pending     int                `json:"pending"`
}

// PreviewStep describes one step in a compensation preview, in rollback order
type PreviewStep struct {
	StageID            string    `json:"stageId"`
	StageType          StageType `json:"stageType"`
	Compensator        string    `json:"compensator,omitempty"`
	ArtifactCount      int       `json:"artifactCount"`
	AlreadyCompensated bool      `json:"alreadyCompensated"`
}

// Preview returns a non-mutating dry run of a rollback, listing steps in the
// order they would be compensated
func (e *CompensationEngine) Preview(ctx context.Context, executionID string) (*CompensationPreview, error) {
	ec, err := e.store.LoadContext(ctx, executionID)
	if err != nil {
		if err == ErrExecutionNotFound {
			return nil, err
		}
		return nil, &PersistenceError{Op: "load", ExecutionID: executionID, Err: err}
	}

	preview := &CompensationPreview{
		ExecutionID: executionID,
		Policy:      ec.Policy,
		Steps:       make([]PreviewStep, 0, len(ec.Steps)),
	}
	for i := len(ec.Steps) - 1; i >= 0; i-- {
		step := ec.Steps[i]
		compensated := ec.Rollback.Compensated(step.StageID)
		if !compensated {
			preview.Pending++
		}
		preview.Steps = append(preview.Steps, PreviewStep{
			StageID:            step.StageID,
			StageType:          step.StageType,
			Compensator:        step.Compensator,
			ArtifactCount:      len(step.Output.artifacts()),
			AlreadyCompensated: compensated,
		})
	}
	return preview, nil
}

func (e *CompensationEngine) appendEvent(ctx context.Context, executionID, eventType string, metadata map[string]interface{}) {
	if err := e.store.AppendEvent(ctx, executionID, eventType, metadata); err != nil {
		e.logger.Warn("failed to append event",
			"executionId", executionID,
			"eventType", eventType,
			"error", err)
	}
}

func (e *CompensationEngine) publish(ctx context.Context, event Event) {
	if err := e.publisher.PublishEvent(ctx, event); err != nil {
		e.logger.Warn("failed to publish event",
			"eventType", event.Meta().Type,
			"executionId", event.Meta().ExecutionID,
			"error", err)
	}
}

// artifacts is a nil-safe accessor for a step output's created artifacts
func (o *StageOutput) artifacts() []string {
	if o == nil {
		return nil
	}
	return o.ArtifactsCreated
}

// stateChanges is a nil-safe accessor for a step output's state changes
func (o *StageOutput) stateChanges() map[string]interface{} {
	if o == nil {
		return nil
	}
	return o.StateChanges
}
