// Package persistence provides the data storage abstraction for graphs,
// runs, checkpoints and the per-run delta log.
package persistence

import (
	"context"

	"github.com/duetflow/duetflow/pkg/models"
)

// Persistence bundles the repositories of one backend. Implementations are
// assumed transactional at single-run granularity.
type Persistence interface {
	Graphs() GraphRepository
	Runs() RunRepository
	Checkpoints() CheckpointRepository
	Deltas() DeltaLogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// GraphRepository stores workflow graph definitions, drafts and published
// snapshots alike.
type GraphRepository interface {
	Save(ctx context.Context, graph *models.WorkflowGraph) error
	GetByID(ctx context.Context, id string) (*models.WorkflowGraph, error)
	List(ctx context.Context) ([]*models.WorkflowGraph, error)
	Delete(ctx context.Context, id string) error
}

// RunRepository stores execution contexts keyed by run id.
type RunRepository interface {
	Save(ctx context.Context, run *models.ExecutionContext) error
	GetByID(ctx context.Context, runID string) (*models.ExecutionContext, error)
	List(ctx context.Context) ([]*models.ExecutionContext, error)
	Delete(ctx context.Context, runID string) error
}

// CheckpointRepository stores immutable run snapshots until pruned.
type CheckpointRepository interface {
	Append(ctx context.Context, cp *models.Checkpoint) error
	GetByID(ctx context.Context, runID, checkpointID string) (*models.Checkpoint, error)
	ListByRun(ctx context.Context, runID string) ([]*models.Checkpoint, error)
	Delete(ctx context.Context, runID, checkpointID string) error
}

// DeltaLogRepository stores the ordered delta log per run. Range returns
// all retained deltas with Version > fromVersion in ascending order;
// ErrDeltaGap signals the requested range is older than the retained log.
type DeltaLogRepository interface {
	Append(ctx context.Context, delta *models.StateDelta) error
	Range(ctx context.Context, runID string, fromVersion int64) ([]*models.StateDelta, error)
	Trim(ctx context.Context, runID string, keep int) error
}
