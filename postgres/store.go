// Package postgres provides a durable Postgres-backed implementation of the
// saga ExecutionStore. Context writes run inside a transaction with a row
// lock so concurrent read-modify-write of one execution cannot lose updates.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/valueops/sagaflow-go/saga"
)

const schema = `
CREATE TABLE IF NOT EXISTS saga_executions (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	context     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS saga_events (
	id            BIGSERIAL PRIMARY KEY,
	execution_id  TEXT NOT NULL REFERENCES saga_executions(id),
	event_type    TEXT NOT NULL,
	metadata      JSONB,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS saga_events_execution_idx ON saga_events (execution_id);
`

// Store is a Postgres-backed saga.ExecutionStore
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// StoreOption configures the store
type StoreOption func(*Store)

// WithStoreLogger sets the store logger
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a store on an existing database handle
func New(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to Postgres and returns a store
func Open(dsn string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return New(db, opts...), nil
}

// Migrate creates the store's tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate saga schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateExecution persists a newly created execution record
func (s *Store) CreateExecution(ctx context.Context, execution *saga.WorkflowExecution) error {
	if execution == nil || execution.ID == "" {
		return fmt.Errorf("execution must have an ID")
	}

	ec := &saga.ExecutionContext{
		Execution: execution,
		Steps:     make([]saga.ExecutedStep, 0),
		Rollback:  saga.RollbackState{Status: saga.RollbackIdle},
		Policy:    saga.HaltOnError,
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO saga_executions (id, status, context) VALUES ($1, $2, $3)`,
		execution.ID, string(execution.Status), data)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", execution.ID, err)
	}
	return nil
}

// GetExecution loads an execution record by ID
func (s *Store) GetExecution(ctx context.Context, executionID string) (*saga.WorkflowExecution, error) {
	ec, err := s.LoadContext(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return ec.Execution, nil
}

// LoadContext loads the full persisted context for an execution
func (s *Store) LoadContext(ctx context.Context, executionID string) (*saga.ExecutionContext, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM saga_executions WHERE id = $1`,
		executionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	var ec saga.ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution context %s: %w", executionID, err)
	}
	return &ec, nil
}

// PersistContext durably writes the execution context under a row lock
func (s *Store) PersistContext(ctx context.Context, ec *saga.ExecutionContext, statusOverride ...saga.ExecutionStatus) error {
	if ec == nil || ec.Execution == nil {
		return fmt.Errorf("execution context cannot be nil")
	}
	if len(statusOverride) > 0 {
		ec.Execution.Status = statusOverride[0]
	}

	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM saga_executions WHERE id = $1 FOR UPDATE`,
		ec.Execution.ID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.ErrExecutionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock execution %s: %w", ec.Execution.ID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE saga_executions SET status = $2, context = $3, updated_at = now() WHERE id = $1`,
		ec.Execution.ID, string(ec.Execution.Status), data)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", ec.Execution.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution %s: %w", ec.Execution.ID, err)
	}
	return nil
}

// AppendEvent appends an entry to the execution's durable event log
func (s *Store) AppendEvent(ctx context.Context, executionID string, eventType string, metadata map[string]interface{}) error {
	var data []byte
	if metadata != nil {
		var err error
		if data, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saga_events (execution_id, event_type, metadata) VALUES ($1, $2, $3)`,
		executionID, eventType, data)
	if err != nil {
		return fmt.Errorf("failed to append event for %s: %w", executionID, err)
	}
	return nil
}

// Events returns the recorded event log for an execution, oldest first
func (s *Store) Events(ctx context.Context, executionID string) ([]saga.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, metadata, recorded_at FROM saga_events WHERE execution_id = $1 ORDER BY id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", executionID, err)
	}
	defer rows.Close()

	var events []saga.StoredEvent
	for rows.Next() {
		event := saga.StoredEvent{ExecutionID: executionID}
		var data []byte
		if err := rows.Scan(&event.EventType, &data, &event.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
