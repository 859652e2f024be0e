package redis

import (
	"context"
	"encoding/json"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

func graphKey(id string) string {
	return keyPrefix + "graph:" + id
}

func runKey(id string) string {
	return keyPrefix + "run:" + id
}

func checkpointKey(runID string) string {
	return keyPrefix + "checkpoints:" + runID
}

func deltaKey(runID string) string {
	return keyPrefix + "deltas:" + runID
}

const (
	graphIndexKey = keyPrefix + "graphs"
	runIndexKey   = keyPrefix + "runs"
)

// GraphRepository stores graphs as JSON values plus a set index for List.
type GraphRepository struct {
	c *goredis.Client
}

func (r *GraphRepository) Save(ctx context.Context, graph *models.WorkflowGraph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return persistence.NewGraphError("Save", graph.ID, err)
	}

	pipe := r.c.TxPipeline()
	pipe.Set(ctx, graphKey(graph.ID), data, 0)
	pipe.SAdd(ctx, graphIndexKey, graph.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewGraphError("Save", graph.ID, err)
	}

	return nil
}

func (r *GraphRepository) GetByID(ctx context.Context, id string) (*models.WorkflowGraph, error) {
	data, err := r.c.Get(ctx, graphKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewGraphError("GetByID", id, persistence.ErrGraphNotFound)
		}

		return nil, persistence.NewGraphError("GetByID", id, err)
	}

	var graph models.WorkflowGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, persistence.NewGraphError("GetByID", id, err)
	}

	return &graph, nil
}

func (r *GraphRepository) List(ctx context.Context) ([]*models.WorkflowGraph, error) {
	ids, err := r.c.SMembers(ctx, graphIndexKey).Result()
	if err != nil {
		return nil, err
	}

	graphs := make([]*models.WorkflowGraph, 0, len(ids))

	for _, id := range ids {
		g, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsGraphNotFound(err) {
				continue
			}

			return nil, err
		}

		graphs = append(graphs, g)
	}

	return graphs, nil
}

func (r *GraphRepository) Delete(ctx context.Context, id string) error {
	pipe := r.c.TxPipeline()
	del := pipe.Del(ctx, graphKey(id))
	pipe.SRem(ctx, graphIndexKey, id)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewGraphError("Delete", id, err)
	}

	if del.Val() == 0 {
		return persistence.NewGraphError("Delete", id, persistence.ErrGraphNotFound)
	}

	return nil
}

// RunRepository stores execution contexts as JSON values.
type RunRepository struct {
	c *goredis.Client
}

func (r *RunRepository) Save(ctx context.Context, run *models.ExecutionContext) error {
	data, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	pipe := r.c.TxPipeline()
	pipe.Set(ctx, runKey(run.RunID), data, 0)
	pipe.SAdd(ctx, runIndexKey, run.RunID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, runID string) (*models.ExecutionContext, error) {
	data, err := r.c.Get(ctx, runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewRunError("GetByID", runID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	var run models.ExecutionContext
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	return &run, nil
}

func (r *RunRepository) List(ctx context.Context) ([]*models.ExecutionContext, error) {
	ids, err := r.c.SMembers(ctx, runIndexKey).Result()
	if err != nil {
		return nil, err
	}

	runs := make([]*models.ExecutionContext, 0, len(ids))

	for _, id := range ids {
		run, err := r.GetByID(ctx, id)
		if err != nil {
			if persistence.IsRunNotFound(err) {
				continue
			}

			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

func (r *RunRepository) Delete(ctx context.Context, runID string) error {
	pipe := r.c.TxPipeline()
	del := pipe.Del(ctx, runKey(runID))
	pipe.SRem(ctx, runIndexKey, runID)

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewRunError("Delete", runID, err)
	}

	if del.Val() == 0 {
		return persistence.NewRunError("Delete", runID, persistence.ErrRunNotFound)
	}

	return nil
}

// CheckpointRepository stores checkpoints in one hash per run.
type CheckpointRepository struct {
	c *goredis.Client
}

func (r *CheckpointRepository) Append(ctx context.Context, cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return persistence.NewRunError("AppendCheckpoint", cp.RunID, err)
	}

	if err := r.c.HSet(ctx, checkpointKey(cp.RunID), cp.ID, data).Err(); err != nil {
		return persistence.NewRunError("AppendCheckpoint", cp.RunID, err)
	}

	return nil
}

func (r *CheckpointRepository) GetByID(ctx context.Context, runID, checkpointID string) (*models.Checkpoint, error) {
	data, err := r.c.HGet(ctx, checkpointKey(runID), checkpointID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, persistence.NewRunError("GetCheckpoint", runID, persistence.ErrCheckpointNotFound)
		}

		return nil, persistence.NewRunError("GetCheckpoint", runID, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, persistence.NewRunError("GetCheckpoint", runID, err)
	}

	return &cp, nil
}

func (r *CheckpointRepository) ListByRun(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	values, err := r.c.HVals(ctx, checkpointKey(runID)).Result()
	if err != nil {
		return nil, persistence.NewRunError("ListCheckpoints", runID, err)
	}

	cps := make([]*models.Checkpoint, 0, len(values))

	for _, raw := range values {
		var cp models.Checkpoint
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			return nil, persistence.NewRunError("ListCheckpoints", runID, err)
		}

		cps = append(cps, &cp)
	}

	return cps, nil
}

func (r *CheckpointRepository) Delete(ctx context.Context, runID, checkpointID string) error {
	removed, err := r.c.HDel(ctx, checkpointKey(runID), checkpointID).Result()
	if err != nil {
		return persistence.NewRunError("DeleteCheckpoint", runID, err)
	}

	if removed == 0 {
		return persistence.NewRunError("DeleteCheckpoint", runID, persistence.ErrCheckpointNotFound)
	}

	return nil
}

// DeltaLogRepository keeps each run's delta log in a Redis list.
type DeltaLogRepository struct {
	c *goredis.Client
}

func (r *DeltaLogRepository) Append(ctx context.Context, delta *models.StateDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return persistence.NewRunError("AppendDelta", delta.RunID, err)
	}

	if err := r.c.RPush(ctx, deltaKey(delta.RunID), data).Err(); err != nil {
		return persistence.NewRunError("AppendDelta", delta.RunID, err)
	}

	return nil
}

func (r *DeltaLogRepository) Range(ctx context.Context, runID string, fromVersion int64) ([]*models.StateDelta, error) {
	values, err := r.c.LRange(ctx, deltaKey(runID), 0, -1).Result()
	if err != nil {
		return nil, persistence.NewRunError("RangeDeltas", runID, err)
	}

	if len(values) == 0 {
		return nil, nil
	}

	deltas := make([]*models.StateDelta, 0, len(values))

	for _, raw := range values {
		var d models.StateDelta
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, persistence.NewRunError("RangeDeltas", runID, err)
		}

		deltas = append(deltas, &d)
	}

	if fromVersion+1 < deltas[0].Version {
		return nil, persistence.NewRunError("RangeDeltas", runID, persistence.ErrDeltaGap)
	}

	var out []*models.StateDelta

	for _, d := range deltas {
		if d.Version > fromVersion {
			out = append(out, d)
		}
	}

	return out, nil
}

func (r *DeltaLogRepository) Trim(ctx context.Context, runID string, keep int) error {
	if err := r.c.LTrim(ctx, deltaKey(runID), int64(-keep), -1).Err(); err != nil {
		return persistence.NewRunError("TrimDeltas", runID, err)
	}

	return nil
}
