package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ExecutionStore is the persistence boundary for execution records and step
// logs. All writes must be durable before the orchestrator proceeds to the
// next stage. Read-modify-write of one execution's context must be atomic.
type ExecutionStore interface {
	// CreateExecution persists a newly created execution record
	CreateExecution(ctx context.Context, execution *WorkflowExecution) error

	// GetExecution loads an execution record by ID
	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)

	// LoadContext loads the full persisted context for an execution
	LoadContext(ctx context.Context, executionID string) (*ExecutionContext, error)

	// PersistContext durably writes the execution context. An optional
	// status override is applied to the execution record before writing.
	PersistContext(ctx context.Context, ec *ExecutionContext, statusOverride ...ExecutionStatus) error

	// AppendEvent appends an entry to the execution's durable event log
	AppendEvent(ctx context.Context, executionID string, eventType string, metadata map[string]interface{}) error
}

// StoredEvent is one entry in an execution's durable event log
type StoredEvent struct {
	ExecutionID string                 `json:"executionId"`
	EventType   string                 `json:"eventType"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	RecordedAt  time.Time              `json:"recordedAt"`
}

// InMemoryExecutionStore provides an in-memory ExecutionStore, primarily for
// tests and demos. Contexts are deep-copied on every read and write so
// callers never share mutable state with the store.
type InMemoryExecutionStore struct {
	mu       sync.RWMutex
	contexts map[string]*ExecutionContext
	events   map[string][]StoredEvent
}

// NewInMemoryExecutionStore creates a new in-memory execution store
func NewInMemoryExecutionStore() *InMemoryExecutionStore {
	return &InMemoryExecutionStore{
		contexts: make(map[string]*ExecutionContext),
		events:   make(map[string][]StoredEvent),
	}
}

// CreateExecution saves a new execution record
func (s *InMemoryExecutionStore) CreateExecution(ctx context.Context, execution *WorkflowExecution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[execution.ID]; exists {
		return fmt.Errorf("execution already exists: %s", execution.ID)
	}

	ec := &ExecutionContext{
		Execution: execution,
		Steps:     make([]ExecutedStep, 0),
		Rollback:  RollbackState{Status: RollbackIdle},
		Policy:    HaltOnError,
	}
	copied, err := copyContext(ec)
	if err != nil {
		return err
	}
	s.contexts[execution.ID] = copied
	return nil
}

// GetExecution loads an execution record by ID
func (s *InMemoryExecutionStore) GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error) {
	ec, err := s.LoadContext(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return ec.Execution, nil
}

// LoadContext loads a deep copy of the execution context
func (s *InMemoryExecutionStore) LoadContext(ctx context.Context, executionID string) (*ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ec, exists := s.contexts[executionID]
	if !exists {
		return nil, ErrExecutionNotFound
	}
	return copyContext(ec)
}

// PersistContext overwrites the stored execution context
func (s *InMemoryExecutionStore) PersistContext(ctx context.Context, ec *ExecutionContext, statusOverride ...ExecutionStatus) error {
	if ec == nil || ec.Execution == nil {
		return fmt.Errorf("execution context cannot be nil")
	}
	if len(statusOverride) > 0 {
		ec.Execution.Status = statusOverride[0]
	}

	copied, err := copyContext(ec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[ec.Execution.ID]; !exists {
		return ErrExecutionNotFound
	}
	s.contexts[ec.Execution.ID] = copied
	return nil
}

// AppendEvent appends an entry to the execution's event log
func (s *InMemoryExecutionStore) AppendEvent(ctx context.Context, executionID string, eventType string, metadata map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contexts[executionID]; !exists {
		return ErrExecutionNotFound
	}
	s.events[executionID] = append(s.events[executionID], StoredEvent{
		ExecutionID: executionID,
		EventType:   eventType,
		Metadata:    metadata,
		RecordedAt:  time.Now().UTC(),
	})
	return nil
}

// Events returns the recorded event log for an execution
func (s *InMemoryExecutionStore) Events(executionID string) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]StoredEvent, len(s.events[executionID]))
	copy(events, s.events[executionID])
	return events
}

// copyContext deep-copies an execution context via a JSON round trip
func copyContext(ec *ExecutionContext) (*ExecutionContext, error) {
	data, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}
	var copied ExecutionContext
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution context: %w", err)
	}
	return &copied, nil
}
