package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

// GraphRepository handles workflow graph database operations.
type GraphRepository struct {
	db *sql.DB
}

func (r *GraphRepository) Save(ctx context.Context, graph *models.WorkflowGraph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return persistence.NewGraphError("Save", graph.ID, err)
	}

	query := `
		INSERT INTO graphs (id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
	`

	if _, err := r.db.ExecContext(ctx, query, graph.ID, data); err != nil {
		return persistence.NewGraphError("Save", graph.ID, err)
	}

	return nil
}

func (r *GraphRepository) GetByID(ctx context.Context, id string) (*models.WorkflowGraph, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM graphs WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewGraphError("GetByID", id, persistence.ErrGraphNotFound)
	}

	if err != nil {
		return nil, persistence.NewGraphError("GetByID", id, err)
	}

	var graph models.WorkflowGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, persistence.NewGraphError("GetByID", id, err)
	}

	return &graph, nil
}

func (r *GraphRepository) List(ctx context.Context) ([]*models.WorkflowGraph, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM graphs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list graphs: %w", err)
	}
	defer rows.Close()

	var graphs []*models.WorkflowGraph

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var graph models.WorkflowGraph
		if err := json.Unmarshal(data, &graph); err != nil {
			return nil, err
		}

		graphs = append(graphs, &graph)
	}

	return graphs, rows.Err()
}

func (r *GraphRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = $1`, id)
	if err != nil {
		return persistence.NewGraphError("Delete", id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.NewGraphError("Delete", id, persistence.ErrGraphNotFound)
	}

	return nil
}

// RunRepository handles execution context database operations.
type RunRepository struct {
	db *sql.DB
}

func (r *RunRepository) Save(ctx context.Context, run *models.ExecutionContext) error {
	data, err := json.Marshal(run)
	if err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	query := `
		INSERT INTO runs (run_id, version, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			updated_at = now()
	`

	if _, err := r.db.ExecContext(ctx, query, run.RunID, run.Version, data); err != nil {
		return persistence.NewRunError("Save", run.RunID, err)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, runID string) (*models.ExecutionContext, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetByID", runID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	var run models.ExecutionContext
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, persistence.NewRunError("GetByID", runID, err)
	}

	return &run, nil
}

func (r *RunRepository) List(ctx context.Context) ([]*models.ExecutionContext, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM runs ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.ExecutionContext

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var run models.ExecutionContext
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, err
		}

		runs = append(runs, &run)
	}

	return runs, rows.Err()
}

func (r *RunRepository) Delete(ctx context.Context, runID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return persistence.NewRunError("Delete", runID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.NewRunError("Delete", runID, persistence.ErrRunNotFound)
	}

	return nil
}

// CheckpointRepository handles checkpoint database operations.
type CheckpointRepository struct {
	db *sql.DB
}

func (r *CheckpointRepository) Append(ctx context.Context, cp *models.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return persistence.NewRunError("AppendCheckpoint", cp.RunID, err)
	}

	query := `
		INSERT INTO checkpoints (run_id, checkpoint_id, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, checkpoint_id) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, cp.RunID, cp.ID, data, cp.CreatedAt); err != nil {
		return persistence.NewRunError("AppendCheckpoint", cp.RunID, err)
	}

	return nil
}

func (r *CheckpointRepository) GetByID(ctx context.Context, runID, checkpointID string) (*models.Checkpoint, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE run_id = $1 AND checkpoint_id = $2`,
		runID, checkpointID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetCheckpoint", runID, persistence.ErrCheckpointNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("GetCheckpoint", runID, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, persistence.NewRunError("GetCheckpoint", runID, err)
	}

	return &cp, nil
}

func (r *CheckpointRepository) ListByRun(ctx context.Context, runID string) ([]*models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM checkpoints WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, persistence.NewRunError("ListCheckpoints", runID, err)
	}
	defer rows.Close()

	var cps []*models.Checkpoint

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var cp models.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, err
		}

		cps = append(cps, &cp)
	}

	return cps, rows.Err()
}

func (r *CheckpointRepository) Delete(ctx context.Context, runID, checkpointID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE run_id = $1 AND checkpoint_id = $2`,
		runID, checkpointID,
	)
	if err != nil {
		return persistence.NewRunError("DeleteCheckpoint", runID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.NewRunError("DeleteCheckpoint", runID, persistence.ErrCheckpointNotFound)
	}

	return nil
}

// DeltaLogRepository handles delta log database operations.
type DeltaLogRepository struct {
	db *sql.DB
}

func (r *DeltaLogRepository) Append(ctx context.Context, delta *models.StateDelta) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return persistence.NewRunError("AppendDelta", delta.RunID, err)
	}

	query := `
		INSERT INTO deltas (run_id, version, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, version) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query, delta.RunID, delta.Version, data); err != nil {
		return persistence.NewRunError("AppendDelta", delta.RunID, err)
	}

	return nil
}

func (r *DeltaLogRepository) Range(ctx context.Context, runID string, fromVersion int64) ([]*models.StateDelta, error) {
	var oldest sql.NullInt64

	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(version) FROM deltas WHERE run_id = $1`, runID,
	).Scan(&oldest)
	if err != nil {
		return nil, persistence.NewRunError("RangeDeltas", runID, err)
	}

	if !oldest.Valid {
		return nil, nil
	}

	if fromVersion+1 < oldest.Int64 {
		return nil, persistence.NewRunError("RangeDeltas", runID, persistence.ErrDeltaGap)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM deltas WHERE run_id = $1 AND version > $2 ORDER BY version`,
		runID, fromVersion,
	)
	if err != nil {
		return nil, persistence.NewRunError("RangeDeltas", runID, err)
	}
	defer rows.Close()

	var deltas []*models.StateDelta

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var d models.StateDelta
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}

		deltas = append(deltas, &d)
	}

	return deltas, rows.Err()
}

func (r *DeltaLogRepository) Trim(ctx context.Context, runID string, keep int) error {
	query := `
		DELETE FROM deltas
		WHERE run_id = $1 AND version <= (
			SELECT COALESCE(MAX(version), 0) - $2 FROM deltas WHERE run_id = $1
		)
	`

	if _, err := r.db.ExecContext(ctx, query, runID, keep); err != nil {
		return persistence.NewRunError("TrimDeltas", runID, err)
	}

	return nil
}
