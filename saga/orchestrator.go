package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valueops/sagaflow-go/internal/reliability"
	"go.jetify.com/typeid"
)

// DefaultStageTimeout bounds a single stage executor call
const DefaultStageTimeout = 5 * time.Minute

// Orchestrator runs a saga's stages to completion or reports the point of
// failure. All stage executor calls go through a shared circuit breaker:
// one misbehaving executor backend trips the breaker for every execution
// using this orchestrator.
type Orchestrator struct {
	store       ExecutionStore
	breaker     *reliability.CircuitBreaker
	compensator *CompensationEngine
	publisher   EventPublisher
	logger      *slog.Logger

	mu          sync.RWMutex
	definitions map[string]*SagaDefinition
}

// OrchestratorOption configures the orchestrator
type OrchestratorOption func(*Orchestrator)

// WithCircuitBreaker sets the breaker guarding all stage executor calls
func WithCircuitBreaker(breaker *reliability.CircuitBreaker) OrchestratorOption {
	return func(o *Orchestrator) {
		o.breaker = breaker
	}
}

// WithLogger sets the orchestrator logger
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithEventPublisher sets the lifecycle event publisher
func WithEventPublisher(publisher EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithCompensationEngine sets the engine used for automatic rollback
func WithCompensationEngine(engine *CompensationEngine) OrchestratorOption {
	return func(o *Orchestrator) {
		o.compensator = engine
	}
}

// NewOrchestrator creates a new saga orchestrator backed by the given store
func NewOrchestrator(store ExecutionStore, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		breaker:     reliability.NewCircuitBreaker(reliability.WithName("stage-executor")),
		publisher:   NopPublisher{},
		logger:      slog.Default(),
		definitions: make(map[string]*SagaDefinition),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.compensator == nil {
		o.compensator = NewCompensationEngine(store,
			WithCompensationLogger(o.logger),
			WithCompensationPublisher(o.publisher))
	}
	return o
}

// Breaker exposes the shared circuit breaker for diagnostics
func (o *Orchestrator) Breaker() *reliability.CircuitBreaker {
	return o.breaker
}

// CompensationEngine exposes the engine used for rollback
func (o *Orchestrator) CompensationEngine() *CompensationEngine {
	return o.compensator
}

// RunOptions configure a single saga run
type RunOptions struct {
	StartStage     string
	StopStage      string
	SessionID      string
	Policy         CompensationPolicy
	AutoCompensate bool
}

// RunOption configures a run
type RunOption func(*RunOptions)

// WithStartStage starts the run at the given stage (inclusive)
func WithStartStage(stageID string) RunOption {
	return func(ro *RunOptions) {
		ro.StartStage = stageID
	}
}

// WithStopStage stops the run after the given stage (inclusive)
func WithStopStage(stageID string) RunOption {
	return func(ro *RunOptions) {
		ro.StopStage = stageID
	}
}

// WithSessionID sets the session identifier passed to stage executors
func WithSessionID(sessionID string) RunOption {
	return func(ro *RunOptions) {
		ro.SessionID = sessionID
	}
}

// WithRunPolicy overrides the compensation policy persisted with the execution
func WithRunPolicy(policy CompensationPolicy) RunOption {
	return func(ro *RunOptions) {
		ro.Policy = policy
	}
}

// WithAutoCompensate enables or disables automatic rollback on failure.
// Enabled unless explicitly disabled.
func WithAutoCompensate(enabled bool) RunOption {
	return func(ro *RunOptions) {
		ro.AutoCompensate = enabled
	}
}

// RegisterDefinition validates and registers a saga definition so that
// executions created from it can later be resumed
func (o *Orchestrator) RegisterDefinition(def *SagaDefinition) error {
	if def == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.definitions[def.Name] = def
	o.mu.Unlock()
	return nil
}

// Run creates a new execution of the saga and drives it through the stage
// subsequence selected by the options. On failure the execution is marked
// failed and, unless auto-compensation was disabled, rolled back before the
// failure is returned. The returned execution reflects the final state even
// when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, def *SagaDefinition, initialInput map[string]interface{}, opts ...RunOption) (*WorkflowExecution, error) {
	if err := o.RegisterDefinition(def); err != nil {
		return nil, err
	}

	ro := &RunOptions{AutoCompensate: true, Policy: def.Policy}
	for _, opt := range opts {
		opt(ro)
	}
	if ro.Policy == "" {
		ro.Policy = HaltOnError
	}

	stages, err := def.slice(ro.StartStage, ro.StopStage)
	if err != nil {
		return nil, err
	}

	tid, err := typeid.WithPrefix("exec")
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}
	execution := &WorkflowExecution{
		ID:              tid.String(),
		Workflow:        def.Name,
		SessionID:       ro.SessionID,
		Status:          StatusPending,
		CompletedStages: make([]string, 0, len(stages)),
		Results:         make(map[string]*StageOutput),
		StartedAt:       time.Now().UTC(),
	}
	if execution.SessionID == "" {
		execution.SessionID = execution.ID
	}

	if err := o.store.CreateExecution(ctx, execution); err != nil {
		return nil, &PersistenceError{Op: "create", ExecutionID: execution.ID, Err: err}
	}
	ec, err := o.store.LoadContext(ctx, execution.ID)
	if err != nil {
		return nil, &PersistenceError{Op: "load", ExecutionID: execution.ID, Err: err}
	}
	ec.Execution = execution
	ec.Policy = ro.Policy

	o.logger.Info("starting saga execution",
		"workflow", def.Name,
		"executionId", execution.ID,
		"stageCount", len(stages))

	return o.runStages(ctx, def, ec, stages, initialInput, ro)
}

// Resume re-enters a failed or compensated execution at its failed stage,
// feeding either the caller-supplied input or the last successful stage's
// recorded output
func (o *Orchestrator) Resume(ctx context.Context, executionID string, resumeInput map[string]interface{}, opts ...RunOption) (*WorkflowExecution, error) {
	ec, err := o.loadContext(ctx, executionID)
	if err != nil {
		return nil, err
	}
	execution := ec.Execution

	if execution.Status != StatusFailed && execution.Status != StatusCompensated {
		return execution, fmt.Errorf("%w: execution %s has status %s", ErrNotResumable, executionID, execution.Status)
	}
	if execution.FailedStage == "" {
		return execution, fmt.Errorf("%w: execution %s has no failed stage recorded", ErrNotResumable, executionID)
	}

	o.mu.RLock()
	def, ok := o.definitions[execution.Workflow]
	o.mu.RUnlock()
	if !ok {
		return execution, fmt.Errorf("saga definition not registered: %s", execution.Workflow)
	}

	ro := &RunOptions{AutoCompensate: true, Policy: ec.Policy, SessionID: execution.SessionID}
	for _, opt := range opts {
		opt(ro)
	}
	ro.StartStage = execution.FailedStage

	input := resumeInput
	if input == nil {
		if n := len(execution.CompletedStages); n > 0 {
			if out := execution.Results[execution.CompletedStages[n-1]]; out != nil {
				input = out.Data
			}
		}
	}

	if execution.Status == StatusCompensated {
		// The compensated steps' effects were undone; drop them from the
		// step log and start rollback bookkeeping fresh for the new attempt.
		kept := ec.Steps[:0]
		for _, step := range ec.Steps {
			if !ec.Rollback.Compensated(step.StageID) {
				kept = append(kept, step)
			}
		}
		ec.Steps = kept
		ec.Rollback = RollbackState{Status: RollbackIdle}
	}
	execution.FailedStage = ""
	execution.Error = ""
	execution.CompletedAt = nil

	stages, err := def.slice(ro.StartStage, ro.StopStage)
	if err != nil {
		return execution, err
	}

	o.logger.Info("resuming saga execution",
		"workflow", def.Name,
		"executionId", execution.ID,
		"startStage", ro.StartStage)

	return o.runStages(ctx, def, ec, stages, input, ro)
}

// runStages drives the stage subsequence sequentially. Stage N+1 never
// starts before stage N's step has been durably persisted.
func (o *Orchestrator) runStages(ctx context.Context, def *SagaDefinition, ec *ExecutionContext, stages []*Stage, input map[string]interface{}, ro *RunOptions) (*WorkflowExecution, error) {
	execution := ec.Execution
	execution.Status = StatusRunning
	if err := o.store.PersistContext(ctx, ec); err != nil {
		return execution, &PersistenceError{Op: "persist", ExecutionID: execution.ID, Err: err}
	}
	if input == nil {
		input = make(map[string]interface{})
	}

	for _, stage := range stages {
		execution.CurrentStage = stage.ID

		if stage.Executor == nil {
			err := fmt.Errorf("%w: %s", ErrNoExecutor, stage.ID)
			return execution, o.failRun(ctx, ec, stage, err, false)
		}
		if err := validateStageInput(stage, input); err != nil {
			// The executor was never invoked; nothing to compensate for
			// this stage.
			return execution, o.failRun(ctx, ec, stage, err, false)
		}

		started := time.Now()
		output, err := o.executeStage(ctx, stage, execution.SessionID, input)
		if err != nil {
			if !IsCircuitOpen(err) {
				err = &StageExecutionError{ExecutionID: execution.ID, StageID: stage.ID, Err: err}
			}
			return execution, o.failRun(ctx, ec, stage, err, ro.AutoCompensate)
		}

		step := ExecutedStep{
			StepID:      uuid.New().String(),
			StageID:     stage.ID,
			StageType:   stage.Type,
			Compensator: stage.Compensator,
			Output:      output,
			ExecutedAt:  time.Now().UTC(),
		}
		ec.Steps = append(ec.Steps, step)
		execution.CompletedStages = append(execution.CompletedStages, stage.ID)
		execution.Results[stage.ID] = output

		if err := o.store.PersistContext(ctx, ec); err != nil {
			// Fatal to this run; the caller may re-run or resume.
			perr := &PersistenceError{Op: "persist", ExecutionID: execution.ID, Err: err}
			o.logger.Error("failed to persist executed step",
				"executionId", execution.ID,
				"stageId", stage.ID,
				"error", err)
			return execution, perr
		}

		o.recordEvent(ctx, execution, EventStageCompleted, map[string]interface{}{
			"stageId":   stage.ID,
			"stageType": string(stage.Type),
			"artifacts": len(output.ArtifactsCreated),
		})
		o.publish(ctx, StageCompletedEvent{
			EventMeta:     newEventMeta(EventStageCompleted, execution),
			StageID:       stage.ID,
			StageType:     stage.Type,
			StageIndex:    def.StageIndex(stage.ID),
			TotalStages:   len(def.Stages),
			Duration:      time.Since(started),
			ArtifactCount: len(output.ArtifactsCreated),
		})

		o.logger.Info("stage completed",
			"executionId", execution.ID,
			"stageId", stage.ID,
			"duration", time.Since(started))

		// Strict linear pipeline: the next stage sees only this stage's output
		input = output.Data
		if input == nil {
			input = make(map[string]interface{})
		}
	}

	execution.CurrentStage = ""
	execution.Status = StatusCompleted
	completedAt := time.Now().UTC()
	execution.CompletedAt = &completedAt
	if err := o.store.PersistContext(ctx, ec); err != nil {
		return execution, &PersistenceError{Op: "persist", ExecutionID: execution.ID, Err: err}
	}

	o.recordEvent(ctx, execution, EventWorkflowCompleted, map[string]interface{}{
		"stages": len(execution.CompletedStages),
	})
	o.publish(ctx, WorkflowCompletedEvent{
		EventMeta:   newEventMeta(EventWorkflowCompleted, execution),
		TotalStages: len(execution.CompletedStages),
		Duration:    completedAt.Sub(execution.StartedAt),
	})

	o.logger.Info("saga execution completed",
		"executionId", execution.ID,
		"duration", completedAt.Sub(execution.StartedAt))

	return execution, nil
}

// failRun marks the execution failed, optionally rolls it back, and returns
// the original failure
func (o *Orchestrator) failRun(ctx context.Context, ec *ExecutionContext, stage *Stage, cause error, compensate bool) error {
	execution := ec.Execution
	execution.Status = StatusFailed
	execution.FailedStage = stage.ID
	execution.Error = cause.Error()
	execution.CurrentStage = ""

	if err := o.store.PersistContext(ctx, ec); err != nil {
		o.logger.Error("failed to persist failure state",
			"executionId", execution.ID,
			"stageId", stage.ID,
			"error", err)
	}

	o.recordEvent(ctx, execution, EventWorkflowFailed, map[string]interface{}{
		"failedStage": stage.ID,
		"error":       cause.Error(),
	})
	o.publish(ctx, WorkflowFailedEvent{
		EventMeta:       newEventMeta(EventWorkflowFailed, execution),
		FailedStage:     stage.ID,
		Error:           cause.Error(),
		CompletedStages: len(execution.CompletedStages),
		CircuitOpen:     IsCircuitOpen(cause),
	})

	o.logger.Error("saga execution failed",
		"executionId", execution.ID,
		"stageId", stage.ID,
		"circuitOpen", IsCircuitOpen(cause),
		"error", cause)

	if compensate {
		if _, err := o.compensator.Rollback(ctx, execution.ID); err != nil {
			o.logger.Error("automatic rollback failed",
				"executionId", execution.ID,
				"error", err)
		}
		// Rollback mutates the stored execution; reflect its outcome here
		if stored, err := o.store.GetExecution(ctx, execution.ID); err == nil {
			execution.Status = stored.Status
		}
	}

	return cause
}

// executeStage invokes the stage executor through the shared circuit
// breaker, bounded by the stage timeout, with an optional per-stage retry
// policy
func (o *Orchestrator) executeStage(ctx context.Context, stage *Stage, sessionID string, input map[string]interface{}) (*StageOutput, error) {
	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}

	var output *StageOutput
	attempt := func() error {
		return o.breaker.Execute(ctx, func() error {
			stageCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var err error
			output, err = stage.Executor.Execute(stageCtx, sessionID, input)
			return err
		})
	}

	var err error
	if stage.RetryPolicy != nil {
		err = reliability.Retry(ctx, stage.RetryPolicy, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = &StageOutput{Data: make(map[string]interface{})}
	}
	return output, nil
}

// validateStageInput checks the stage's prerequisite contract before the
// executor is invoked
func validateStageInput(stage *Stage, input map[string]interface{}) error {
	for _, field := range stage.RequiredInputs {
		if _, ok := input[field]; !ok {
			return &ValidationError{StageID: stage.ID, Field: field}
		}
	}
	if stage.ValidateInput != nil {
		if err := stage.ValidateInput(input); err != nil {
			return &ValidationError{StageID: stage.ID, Reason: err.Error()}
		}
	}
	return nil
}

// GetExecution loads an execution from the durable store, the single source
// of truth for execution state
func (o *Orchestrator) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	execution, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		if err == ErrExecutionNotFound {
			return nil, err
		}
		return nil, &PersistenceError{Op: "get", ExecutionID: executionID, Err: err}
	}
	return execution, nil
}

// Compensate rolls back an execution's completed stages in reverse order
func (o *Orchestrator) Compensate(ctx context.Context, executionID string) (*RollbackState, error) {
	return o.compensator.Rollback(ctx, executionID)
}

// CanRollback reports whether an execution is eligible for rollback
func (o *Orchestrator) CanRollback(ctx context.Context, executionID string) (bool, error) {
	execution, err := o.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	return execution.Status == StatusFailed || execution.Status == StatusCompleted, nil
}

// GetCompensationPreview returns a non-mutating dry run of a rollback
func (o *Orchestrator) GetCompensationPreview(ctx context.Context, executionID string) (*CompensationPreview, error) {
	return o.compensator.Preview(ctx, executionID)
}

func (o *Orchestrator) loadContext(ctx context.Context, executionID string) (*ExecutionContext, error) {
	ec, err := o.store.LoadContext(ctx, executionID)
	if err != nil {
		if err == ErrExecutionNotFound {
			return nil, err
		}
		return nil, &PersistenceError{Op: "load", ExecutionID: executionID, Err: err}
	}
	return ec, nil
}

// recordEvent appends to the durable event log; failures are logged, not fatal
func (o *Orchestrator) recordEvent(ctx context.Context, execution *WorkflowExecution, eventType string, metadata map[string]interface{}) {
	if err := o.store.AppendEvent(ctx, execution.ID, eventType, metadata); err != nil {
		o.logger.Warn("failed to append event",
			"executionId", execution.ID,
			"eventType", eventType,
			"error", err)
	}
}

// publish sends a lifecycle event; failures are logged, not fatal
func (o *Orchestrator) publish(ctx context.Context, event Event) {
	if err := o.publisher.PublishEvent(ctx, event); err != nil {
		o.logger.Warn("failed to publish event",
			"eventType", event.Meta().Type,
			"executionId", event.Meta().ExecutionID,
			"error", err)
	}
}
