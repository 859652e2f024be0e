package file

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

const (
	graphsDir      = "graphs"
	runsDir        = "runs"
	checkpointsDir = "checkpoints"
	deltasDir      = "deltas"
)

// GraphRepository handles workflow graph file operations.
type GraphRepository struct {
	p *Persistence
}

func (r *GraphRepository) Save(_ context.Context, graph *models.WorkflowGraph) error {
	if err := r.p.writeJSON(graphsDir, graph.ID, graph); err != nil {
		return persistence.NewGraphError("Save", graph.ID, err)
	}

	return nil
}

func (r *GraphRepository) GetByID(_ context.Context, id string) (*models.WorkflowGraph, error) {
	var graph models.WorkflowGraph

	if err := r.p.readJSON(graphsDir, id, &graph); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewGraphError("GetByID", id, persistence.ErrGraphNotFound)
		}

		return nil, persistence.NewGraphError("GetByID", id, err)
	}

	return &graph, nil
}

func (r *GraphRepository) List(ctx context.Context) ([]*models.WorkflowGraph, error) {
	names, err := r.p.listJSON(graphsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}

	graphs := make([]*models.WorkflowGraph, 0, len(names))

	for _, name := range names {
		g, err := r.GetByID(ctx, name)
		if err != nil {
			return nil, err
		}

		graphs = append(graphs, g)
	}

	return graphs, nil
}

func (r *GraphRepository) Delete(_ context.Context, id string) error {
	if err := r.p.remove(graphsDir, id); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewGraphError("Delete", id, persistence.ErrGraphNotFound)
		}

		return persistence.NewGraphError("Delete", id, err)
	}

	return nil
}

// RunRepository handles execution context file operations.
type RunRepository struct {
	p *Persistence
}

func (r *RunRepository) Save(_ context.Context, run *models.ExecutionContext) error {
	if err := r.p.writeJSON(runsDir, run.RunID, run); err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	return nil
}

func (r *RunRepository) GetByID(_ context.Context, runID string) (*models.ExecutionContext, error) {
	var run models.ExecutionContext

	if err := r.p.readJSON(runsDir, runID, &run); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewRunError("GetByID", runID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	return &run, nil
}

func (r *RunRepository) List(ctx context.Context) ([]*models.ExecutionContext, error) {
	names, err := r.p.listJSON(runsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := make([]*models.ExecutionContext, 0, len(names))

	for _, name := range names {
		run, err := r.GetByID(ctx, name)
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (r *RunRepository) Delete(_ context.Context, runID string) error {
	if err := r.p.remove(runsDir, runID); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewRunError("Delete", runID, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("Delete", runID, err)
	}

	return nil
}

// CheckpointRepository handles checkpoint file operations. Checkpoints are
// stored under a per-run subdirectory.
type CheckpointRepository struct {
	p *Persistence
}

func (r *CheckpointRepository) dir(runID string) string {
	return checkpointsDir + "/" + runID
}

func (r *CheckpointRepository) Append(_ context.Context, cp *models.Checkpoint) error {
	if err := r.p.writeJSON(r.dir(cp.RunID), cp.ID, cp); err != nil {
		return persistence.NewRunError("AppendCheckpoint", cp.RunID, err)
	}

	return nil
}

func (r *CheckpointRepository) GetByID(_ context.Context, runID, checkpointID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint

	if err := r.p.readJSON(r.dir(runID), checkpointID, &cp); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewRunError("GetCheckpoint", runID, persistence.ErrCheckpointNotFound)
		}

		return nil, persistence.NewRunError("GetCheckpoint", runID, err)
	}

	return &cp, nil
}

func (r *CheckpointRepository) ListByRun(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	names, err := r.p.listJSON(r.dir(runID))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for run %s: %w", runID, err)
	}

	cps := make([]*models.Checkpoint, 0, len(names))

	for _, name := range names {
		cp, err := r.GetByID(ctx, runID, name)
		if err != nil {
			return nil, err
		}

		cps = append(cps, cp)
	}

	sort.Slice(cps, func(i, j int) bool { return cps[i].CreatedAt.Before(cps[j].CreatedAt) })

	return cps, nil
}

func (r *CheckpointRepository) Delete(_ context.Context, runID, checkpointID string) error {
	if err := r.p.remove(r.dir(runID), checkpointID); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewRunError("DeleteCheckpoint", runID, persistence.ErrCheckpointNotFound)
		}

		return persistence.NewRunError("DeleteCheckpoint", runID, err)
	}

	return nil
}

// DeltaLogRepository stores each run's delta log as one JSON document. Logs
// are small (bounded by Trim), so read-modify-write keeps the format simple.
type DeltaLogRepository struct {
	p *Persistence
}

func (r *DeltaLogRepository) load(runID string) ([]*models.StateDelta, error) {
	var log []*models.StateDelta

	if err := r.p.readJSON(deltasDir, runID, &log); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	return log, nil
}

func (r *DeltaLogRepository) Append(_ context.Context, delta *models.StateDelta) error {
	log, err := r.load(delta.RunID)
	if err != nil {
		return persistence.NewRunError("AppendDelta", delta.RunID, err)
	}

	log = append(log, delta)

	if err := r.p.writeJSON(deltasDir, delta.RunID, log); err != nil {
		return persistence.NewRunError("AppendDelta", delta.RunID, err)
	}

	return nil
}

func (r *DeltaLogRepository) Range(_ context.Context, runID string, fromVersion int64) ([]*models.StateDelta, error) {
	log, err := r.load(runID)
	if err != nil {
		return nil, persistence.NewRunError("RangeDeltas", runID, err)
	}

	if len(log) == 0 {
		return nil, nil
	}

	// The caller wants everything after fromVersion. If the log has been
	// trimmed past that point there is a gap and only a snapshot helps.
	if fromVersion+1 < log[0].Version {
		return nil, persistence.NewRunError("RangeDeltas", runID, persistence.ErrDeltaGap)
	}

	var out []*models.StateDelta

	for _, d := range log {
		if d.Version > fromVersion {
			out = append(out, d)
		}
	}

	return out, nil
}

func (r *DeltaLogRepository) Trim(_ context.Context, runID string, keep int) error {
	log, err := r.load(runID)
	if err != nil {
		return persistence.NewRunError("TrimDeltas", runID, err)
	}

	if len(log) <= keep {
		return nil
	}

	log = log[len(log)-keep:]

	if err := r.p.writeJSON(deltasDir, runID, log); err != nil {
		return persistence.NewRunError("TrimDeltas", runID, err)
	}

	return nil
}
