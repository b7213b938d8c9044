package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryExecutionStore(t *testing.T) {
	ctx := context.Background()

	newExecution := func(id string) *WorkflowExecution {
		return &WorkflowExecution{
			ID:        id,
			Workflow:  "store-check",
			Status:    StatusPending,
			StartedAt: time.Now().UTC(),
		}
	}

	t.Run("create and load round trip", func(t *testing.T) {
		store := NewInMemoryExecutionStore()
		require.NoError(t, store.CreateExecution(ctx, newExecution("exec_1")))

		ec, err := store.LoadContext(ctx, "exec_1")
		require.NoError(t, err)
		assert.Equal(t, "exec_1", ec.Execution.ID)
		assert.Equal(t, RollbackIdle, ec.Rollback.Status)
		assert.Equal(t, HaltOnError, ec.Policy)
		assert.Empty(t, ec.Steps)
	})

	t.Run("rejects duplicate and empty IDs", func(t *testing.T) {
		store := NewInMemoryExecutionStore()
		require.NoError(t, store.CreateExecution(ctx, newExecution("exec_1")))
		assert.Error(t, store.CreateExecution(ctx, newExecution("exec_1")))
		assert.Error(t, store.CreateExecution(ctx, &WorkflowExecution{}))
	})

	t.Run("loaded contexts do not alias stored state", func(t *testing.T) {
		store := NewInMemoryExecutionStore()
		require.NoError(t, store.CreateExecution(ctx, newExecution("exec_1")))

		ec, err := store.LoadContext(ctx, "exec_1")
		require.NoError(t, err)
		ec.Execution.Status = StatusRunning
		ec.Steps = append(ec.Steps, ExecutedStep{StepID: "s1", StageID: "opportunity"})

		// Mutations are invisible until persisted
		fresh, err := store.LoadContext(ctx, "exec_1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, fresh.Execution.Status)
		assert.Empty(t, fresh.Steps)

		require.NoError(t, store.PersistContext(ctx, ec))
		fresh, err = store.LoadContext(ctx, "exec_1")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, fresh.Execution.Status)
		assert.Len(t, fresh.Steps, 1)
	})

	t.Run("persist applies a status override", func(t *testing.T) {
		store := NewInMemoryExecutionStore()
		require.NoError(t, store.CreateExecution(ctx, newExecution("exec_1")))

		ec, err := store.LoadContext(ctx, "exec_1")
		require.NoError(t, err)
		require.NoError(t, store.PersistContext(ctx, ec, StatusCompensating))

		execution, err := store.GetExecution(ctx, "exec_1")
		require.NoError(t, err)
		assert.Equal(t, StatusCompensating, execution.Status)
	})

	t.Run("persist of an unknown execution fails", func(t *testing.T) {
		store := NewInMemoryExecutionStore()
		ec := &ExecutionContext{Execution: newExecution("exec_ghost")}
		assert.ErrorIs(t, store.PersistContext(ctx, ec), ErrExecutionNotFound)
	})

	t.Run("missing executions", func(t *testing.T) {
		store := NewInMemoryExecutionStore()
		_, err := store.GetExecution(ctx, "exec_missing")
		assert.ErrorIs(t, err, ErrExecutionNotFound)
		_, err = store.LoadContext(ctx, "exec_missing")
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("event log", func(t *testing.T) {
		store := NewInMemoryExecutionStore()
		require.NoError(t, store.CreateExecution(ctx, newExecution("exec_1")))

		require.NoError(t, store.AppendEvent(ctx, "exec_1", EventStageCompleted, map[string]interface{}{"stageId": "opportunity"}))
		require.NoError(t, store.AppendEvent(ctx, "exec_1", EventWorkflowCompleted, nil))
		assert.ErrorIs(t, store.AppendEvent(ctx, "exec_missing", EventStageCompleted, nil), ErrExecutionNotFound)

		events := store.Events("exec_1")
		require.Len(t, events, 2)
		assert.Equal(t, EventStageCompleted, events[0].EventType)
		assert.Equal(t, "opportunity", events[0].Metadata["stageId"])
	})
}

func TestCompensationHandlers(t *testing.T) {
	ctx := context.Background()

	t.Run("delete artifacts handler removes every recorded artifact", func(t *testing.T) {
		artifacts := &fakeArtifactStore{}
		handler := DeleteArtifactsHandler(artifacts)

		err := handler.Compensate(ctx, &CompensationContext{
			StageID:          "realization",
			ArtifactsCreated: []string{"doc-1", "doc-2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"doc-1", "doc-2"}, artifacts.deleted)
	})

	t.Run("cancel commitment handler reverts state changes then artifacts", func(t *testing.T) {
		artifacts := &fakeArtifactStore{}
		commitments := &fakeCommitmentStore{}
		handler := CancelCommitmentHandler(commitments, artifacts)

		err := handler.Compensate(ctx, &CompensationContext{
			StageID:          "target",
			ArtifactsCreated: []string{"business-case"},
			StateChanges: map[string]interface{}{
				StateChangeCommitmentID: "commit-1",
				// As persisted and reloaded through JSON
				StateChangeKPITargetIDs: []interface{}{"kpi-1", "kpi-2"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"commit-1"}, commitments.cancelled)
		assert.Equal(t, []string{"kpi-1", "kpi-2"}, commitments.deletedTargets)
		assert.Equal(t, []string{"business-case"}, artifacts.deleted)
	})

	t.Run("cancel commitment handler tolerates absent state changes", func(t *testing.T) {
		commitments := &fakeCommitmentStore{}
		handler := CancelCommitmentHandler(commitments, nil)

		err := handler.Compensate(ctx, &CompensationContext{StageID: "target"})
		require.NoError(t, err)
		assert.Empty(t, commitments.cancelled)
	})
}

type fakeArtifactStore struct {
	deleted []string
}

func (s *fakeArtifactStore) DeleteArtifact(ctx context.Context, artifactID string) error {
	s.deleted = append(s.deleted, artifactID)
	return nil
}

type fakeCommitmentStore struct {
	cancelled      []string
	deletedTargets []string
}

func (s *fakeCommitmentStore) CancelCommitment(ctx context.Context, commitmentID string) error {
	s.cancelled = append(s.cancelled, commitmentID)
	return nil
}

func (s *fakeCommitmentStore) DeleteKPITarget(ctx context.Context, targetID string) error {
	s.deletedTargets = append(s.deletedTargets, targetID)
	return nil
}
