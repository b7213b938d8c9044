package saga

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event type identifiers, used as durable event-log entries and as routing
// keys by the AMQP publisher.
const (
	EventStageCompleted          = "saga.stage.completed"
	EventStageCompensated        = "saga.stage.compensated"
	EventStageCompensationFailed = "saga.stage.compensation_failed"
	EventRollbackCompleted       = "saga.rollback.completed"
	EventWorkflowCompleted       = "saga.workflow.completed"
	EventWorkflowFailed          = "saga.workflow.failed"
)

// EventMeta carries the fields common to all saga lifecycle events
type EventMeta struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ExecutionID string    `json:"executionId"`
	Workflow    string    `json:"workflow"`
	Timestamp   time.Time `json:"timestamp"`
}

func newEventMeta(eventType string, exec *WorkflowExecution) EventMeta {
	return EventMeta{
		ID:          uuid.New().String(),
		Type:        eventType,
		ExecutionID: exec.ID,
		Workflow:    exec.Workflow,
		Timestamp:   time.Now().UTC(),
	}
}

// Event is a saga lifecycle event
type Event interface {
	Meta() EventMeta
}

// EventPublisher delivers lifecycle events to interested consumers. Publish
// failures never fail the workflow; they are logged and dropped.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event Event) error
}

// NopPublisher discards all events
type NopPublisher struct{}

func (NopPublisher) PublishEvent(ctx context.Context, event Event) error {
	return nil
}

// StageCompletedEvent is emitted after a stage's step is durably persisted
type StageCompletedEvent struct {
	EventMeta
	StageID       string        `json:"stageId"`
	StageType     StageType     `json:"stageType"`
	StageIndex    int           `json:"stageIndex"`
	TotalStages   int           `json:"totalStages"`
	Duration      time.Duration `json:"duration"`
	ArtifactCount int           `json:"artifactCount"`
}

func (e StageCompletedEvent) Meta() EventMeta { return e.EventMeta }

// StageCompensatedEvent is emitted after a stage's compensator succeeds
type StageCompensatedEvent struct {
	EventMeta
	StageID   string    `json:"stageId"`
	StageType StageType `json:"stageType"`
}

func (e StageCompensatedEvent) Meta() EventMeta { return e.EventMeta }

// StageCompensationFailedEvent is emitted when a compensator fails or times out
type StageCompensationFailedEvent struct {
	EventMeta
	StageID   string    `json:"stageId"`
	StageType StageType `json:"stageType"`
	Error     string    `json:"error"`
	TimedOut  bool      `json:"timedOut"`
}

func (e StageCompensationFailedEvent) Meta() EventMeta { return e.EventMeta }

// RollbackCompletedEvent is emitted when every executed step has been compensated
type RollbackCompletedEvent struct {
	EventMeta
	CompensatedSteps int `json:"compensatedSteps"`
}

func (e RollbackCompletedEvent) Meta() EventMeta { return e.EventMeta }

// WorkflowCompletedEvent is emitted when a workflow execution completes
type WorkflowCompletedEvent struct {
	EventMeta
	TotalStages int           `json:"totalStages"`
	Duration    time.Duration `json:"duration"`
}

func (e WorkflowCompletedEvent) Meta() EventMeta { return e.EventMeta }

// WorkflowFailedEvent is emitted when a workflow execution fails
type WorkflowFailedEvent struct {
	EventMeta
	FailedStage     string `json:"failedStage"`
	Error           string `json:"error"`
	CompletedStages int    `json:"completedStages"`
	CircuitOpen     bool   `json:"circuitOpen"`
}

func (e WorkflowFailedEvent) Meta() EventMeta { return e.EventMeta }
