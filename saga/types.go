package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/valueops/sagaflow-go/internal/reliability"
)

// ExecutionStatus represents the overall status of a workflow execution
type ExecutionStatus string

const (
	StatusPending      ExecutionStatus = "pending"
	StatusRunning      ExecutionStatus = "running"
	StatusCompleted    ExecutionStatus = "completed"
	StatusFailed       ExecutionStatus = "failed"
	StatusCompensating ExecutionStatus = "compensating"
	StatusCompensated  ExecutionStatus = "compensated"
)

// RollbackStatus represents the status of a rollback attached to an execution
type RollbackStatus string

const (
	RollbackIdle       RollbackStatus = "idle"
	RollbackInProgress RollbackStatus = "in_progress"
	RollbackCompleted  RollbackStatus = "completed"
	RollbackFailed     RollbackStatus = "failed"
)

// CompensationPolicy controls how rollback reacts to a failing compensator
type CompensationPolicy string

const (
	HaltOnError     CompensationPolicy = "halt_on_error"
	ContinueOnError CompensationPolicy = "continue_on_error"
)

// StageType is the explicit, validated tag stamped into every executed step
// at creation time. Compensation handlers are resolved by stage type, never
// re-derived from the stage identifier string.
type StageType string

// The canonical value workflow stage types.
const (
	StageTypeOpportunity StageType = "opportunity"
	StageTypeTarget      StageType = "target"
	StageTypeRealization StageType = "realization"
	StageTypeExpansion   StageType = "expansion"
	StageTypeIntegrity   StageType = "integrity"
)

// StageOutput is the result a stage executor produces. Data is chained as
// the next stage's input; ArtifactsCreated and StateChanges are recorded for
// compensation.
type StageOutput struct {
	Data             map[string]interface{} `json:"data,omitempty"`
	ArtifactsCreated []string               `json:"artifactsCreated,omitempty"`
	StateChanges     map[string]interface{} `json:"stateChanges,omitempty"`
}

// Stage is one element of a saga's fixed, ordered stage list
type Stage struct {
	ID             string
	Type           StageType
	Executor       StageExecutor
	Compensator    string // named compensation handler override
	RequiredInputs []string
	ValidateInput  func(input map[string]interface{}) error
	Timeout        time.Duration
	RetryPolicy    reliability.RetryPolicy
}

// WorkflowExecution is one run of a saga
type WorkflowExecution struct {
	ID              string                  `json:"id"`
	Workflow        string                  `json:"workflow"`
	SessionID       string                  `json:"sessionId"`
	Status          ExecutionStatus         `json:"status"`
	CurrentStage    string                  `json:"currentStage,omitempty"`
	CompletedStages []string                `json:"completedStages"`
	FailedStage     string                  `json:"failedStage,omitempty"`
	Results         map[string]*StageOutput `json:"results"`
	Error           string                  `json:"error,omitempty"`
	StartedAt       time.Time               `json:"startedAt"`
	CompletedAt     *time.Time              `json:"completedAt,omitempty"`
}

// ExecutedStep is persisted the moment a stage completes and is immutable
// thereafter. It is consumed only by compensation.
type ExecutedStep struct {
	StepID      string       `json:"stepId"`
	StageID     string       `json:"stageId"`
	StageType   StageType    `json:"stageType"`
	Compensator string       `json:"compensator,omitempty"`
	Output      *StageOutput `json:"output"`
	ExecutedAt  time.Time    `json:"executedAt"`
}

// RollbackState tracks partial rollback progress so that repeated rollback
// invocations are idempotent
type RollbackState struct {
	Status         RollbackStatus `json:"status"`
	CompletedSteps []string       `json:"completedSteps"`
	FailedStage    string         `json:"failedStage,omitempty"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Compensated reports whether the stage's compensation has already run
func (r *RollbackState) Compensated(stageID string) bool {
	for _, id := range r.CompletedSteps {
		if id == stageID {
			return true
		}
	}
	return false
}

// ExecutionContext is the persisted context of one execution: the execution
// record, its step log, its rollback state, and its compensation policy
type ExecutionContext struct {
	Execution *WorkflowExecution `json:"execution"`
	Steps     []ExecutedStep     `json:"steps"`
	Rollback  RollbackState      `json:"rollback"`
	Policy    CompensationPolicy `json:"policy"`
}

// CompensationContext carries everything a compensation handler needs to
// undo one executed step
type CompensationContext struct {
	ExecutionID      string                 `json:"executionId"`
	StageID          string                 `json:"stageId"`
	StageType        StageType              `json:"stageType"`
	ArtifactsCreated []string               `json:"artifactsCreated,omitempty"`
	StateChanges     map[string]interface{} `json:"stateChanges,omitempty"`
}

// StageExecutor is the external collaborator invoked per stage. Any failure
// is treated as a stage failure regardless of cause.
type StageExecutor interface {
	Execute(ctx context.Context, sessionID string, input map[string]interface{}) (*StageOutput, error)
}

// StageExecutorFunc is a function adapter for StageExecutor
type StageExecutorFunc func(ctx context.Context, sessionID string, input map[string]interface{}) (*StageOutput, error)

func (f StageExecutorFunc) Execute(ctx context.Context, sessionID string, input map[string]interface{}) (*StageOutput, error) {
	return f(ctx, sessionID, input)
}

// SagaDefinition is a fixed, totally ordered list of stages
type SagaDefinition struct {
	Name   string
	Stages []*Stage
	Policy CompensationPolicy
}

// Validate checks the definition for empty or duplicate stage identifiers
// and missing stage types
func (d *SagaDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("saga definition name cannot be empty")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("saga definition %s has no stages", d.Name)
	}
	seen := make(map[string]bool, len(d.Stages))
	for _, stage := range d.Stages {
		if stage.ID == "" {
			return fmt.Errorf("saga definition %s contains a stage with an empty ID", d.Name)
		}
		if stage.Type == "" {
			return fmt.Errorf("stage %s has no stage type", stage.ID)
		}
		if seen[stage.ID] {
			return fmt.Errorf("duplicate stage ID: %s", stage.ID)
		}
		seen[stage.ID] = true
	}
	return nil
}

// StageIndex returns the position of a stage in the fixed order, or -1
func (d *SagaDefinition) StageIndex(stageID string) int {
	for i, stage := range d.Stages {
		if stage.ID == stageID {
			return i
		}
	}
	return -1
}

// StageIDs returns the stage identifiers in order
func (d *SagaDefinition) StageIDs() []string {
	ids := make([]string, len(d.Stages))
	for i, stage := range d.Stages {
		ids[i] = stage.ID
	}
	return ids
}

// slice returns the inclusive stage subsequence [startStage, stopStage].
// Empty bounds default to the first and last stage respectively.
func (d *SagaDefinition) slice(startStage, stopStage string) ([]*Stage, error) {
	start := 0
	if startStage != "" {
		if start = d.StageIndex(startStage); start < 0 {
			return nil, fmt.Errorf("unknown start stage: %s", startStage)
		}
	}
	stop := len(d.Stages) - 1
	if stopStage != "" {
		if stop = d.StageIndex(stopStage); stop < 0 {
			return nil, fmt.Errorf("unknown stop stage: %s", stopStage)
		}
	}
	if stop < start {
		return nil, fmt.Errorf("stop stage %s precedes start stage %s", stopStage, startStage)
	}
	return d.Stages[start : stop+1], nil
}

// ValueWorkflowDefinition returns the canonical five-stage value workflow.
// Executors are bound separately with BindExecutor.
func ValueWorkflowDefinition() *SagaDefinition {
	stageTypes := []StageType{
		StageTypeOpportunity,
		StageTypeTarget,
		StageTypeRealization,
		StageTypeExpansion,
		StageTypeIntegrity,
	}
	stages := make([]*Stage, 0, len(stageTypes))
	for _, st := range stageTypes {
		stages = append(stages, &Stage{
			ID:      string(st),
			Type:    st,
			Timeout: DefaultStageTimeout,
		})
	}
	return &SagaDefinition{
		Name:   "value-workflow",
		Stages: stages,
		Policy: HaltOnError,
	}
}

// BindExecutor attaches an executor to the stage with the given ID
func (d *SagaDefinition) BindExecutor(stageID string, executor StageExecutor) error {
	i := d.StageIndex(stageID)
	if i < 0 {
		return fmt.Errorf("unknown stage: %s", stageID)
	}
	d.Stages[i].Executor = executor
	return nil
}
