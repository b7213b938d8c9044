package saga

import (
	"context"
	"fmt"
)

// Well-known compensator names usable as explicit per-stage references
const (
	CompensatorDeleteArtifacts  = "delete_artifacts"
	CompensatorCancelCommitment = "cancel_commitment"
)

// State-change keys recorded by the target stage and consumed by its compensator
const (
	StateChangeCommitmentID = "commitmentId"
	StateChangeKPITargetIDs = "kpiTargetIds"
)

// ArtifactStore removes artifacts a stage created
type ArtifactStore interface {
	DeleteArtifact(ctx context.Context, artifactID string) error
}

// CommitmentStore reverts a value commitment and its dependent KPI targets
type CommitmentStore interface {
	CancelCommitment(ctx context.Context, commitmentID string) error
	DeleteKPITarget(ctx context.Context, targetID string) error
}

// DeleteArtifactsHandler returns the default compensation handler: it deletes
// every artifact the step recorded as created
func DeleteArtifactsHandler(artifacts ArtifactStore) CompensationHandler {
	return CompensationHandlerFunc(func(ctx context.Context, cc *CompensationContext) error {
		for _, artifactID := range cc.ArtifactsCreated {
			if err := artifacts.DeleteArtifact(ctx, artifactID); err != nil {
				return fmt.Errorf("failed to delete artifact %s: %w", artifactID, err)
			}
		}
		return nil
	})
}

// CancelCommitmentHandler returns the target-stage compensation handler: it
// cancels the commitment record the stage wrote and removes its dependent
// KPI targets, then deletes any remaining artifacts
func CancelCommitmentHandler(commitments CommitmentStore, artifacts ArtifactStore) CompensationHandler {
	return CompensationHandlerFunc(func(ctx context.Context, cc *CompensationContext) error {
		if id, ok := cc.StateChanges[StateChangeCommitmentID].(string); ok && id != "" {
			if err := commitments.CancelCommitment(ctx, id); err != nil {
				return fmt.Errorf("failed to cancel commitment %s: %w", id, err)
			}
		}
		for _, targetID := range stringSlice(cc.StateChanges[StateChangeKPITargetIDs]) {
			if err := commitments.DeleteKPITarget(ctx, targetID); err != nil {
				return fmt.Errorf("failed to delete KPI target %s: %w", targetID, err)
			}
		}
		if artifacts != nil && len(cc.ArtifactsCreated) > 0 {
			return DeleteArtifactsHandler(artifacts).Compensate(ctx, cc)
		}
		return nil
	})
}

// stringSlice normalizes a state-change value that may have round-tripped
// through JSON as []interface{}
func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
