package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
)

func sampleGraph(id string) *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:     id,
		Name:   "Sample",
		Status: models.GraphStatusDraft,
		Nodes: []*models.GraphNode{
			{ID: "a", Name: "First", Kind: models.NodeKindAction},
			{ID: "b", Name: "Second", Kind: models.NodeKindAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "a", To: "b"},
		},
		Variables: map[string]any{"tenant": "acme"},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func sampleRun(runID string) *models.ExecutionContext {
	return &models.ExecutionContext{
		RunID:      runID,
		WorkflowID: "wf-1",
		Mode:       models.ModeVisual,
		Status:     models.RunStatusRunning,
		Cursor:     []string{"a"},
		Bindings:   map[string]any{"tenant": "acme"},
		LoopCounts: map[string]int{},
		Version:    1,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
}

func delta(runID string, version int64) *models.StateDelta {
	return &models.StateDelta{
		RunID:     runID,
		Version:   version,
		Command:   models.CommandAdvanceNode,
		Issuer:    models.IssuerVisual,
		Timestamp: time.Now().UTC(),
	}
}

func TestGraphRepository_RoundTrip(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	graph := sampleGraph("wf-1")
	require.NoError(t, persist.Graphs().Save(context.Background(), graph))

	loaded, err := persist.Graphs().GetByID(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, graph.ID, loaded.ID)
	assert.Equal(t, graph.ContentHash(), loaded.ContentHash())
	assert.Equal(t, "acme", loaded.Variables["tenant"])
	require.Len(t, loaded.Nodes, 2)
	assert.Equal(t, models.NodeKindAction, loaded.Nodes[0].Kind)
}

func TestGraphRepository_NotFound(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	_, err := persist.Graphs().GetByID(context.Background(), "wf-missing")
	require.Error(t, err)
	assert.True(t, persistence.IsGraphNotFound(err))
}

func TestGraphRepository_ListAndDelete(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	require.NoError(t, persist.Graphs().Save(context.Background(), sampleGraph("wf-1")))
	require.NoError(t, persist.Graphs().Save(context.Background(), sampleGraph("wf-2")))

	graphs, err := persist.Graphs().List(context.Background())
	require.NoError(t, err)
	assert.Len(t, graphs, 2)

	require.NoError(t, persist.Graphs().Delete(context.Background(), "wf-1"))

	graphs, err = persist.Graphs().List(context.Background())
	require.NoError(t, err)
	assert.Len(t, graphs, 1)

	err = persist.Graphs().Delete(context.Background(), "wf-1")
	require.Error(t, err)
	assert.True(t, persistence.IsGraphNotFound(err))
}

func TestRunRepository_RoundTrip(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	run := sampleRun("run-1")
	require.NoError(t, persist.Runs().Save(context.Background(), run))

	loaded, err := persist.Runs().GetByID(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.RunID, loaded.RunID)
	assert.Equal(t, run.Status, loaded.Status)
	assert.Equal(t, run.Cursor, loaded.Cursor)
	assert.Equal(t, run.Version, loaded.Version)
}

func TestRunRepository_NotFound(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	_, err := persist.Runs().GetByID(context.Background(), "run-missing")
	require.Error(t, err)
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestCheckpointRepository_RoundTrip(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	cp := &models.Checkpoint{
		ID:        "cp-1",
		RunID:     "run-1",
		Reason:    "before migration",
		Graph:     sampleGraph("wf-1"),
		Context:   sampleRun("run-1"),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, persist.Checkpoints().Append(context.Background(), cp))

	loaded, err := persist.Checkpoints().GetByID(context.Background(), "run-1", "cp-1")
	require.NoError(t, err)
	assert.Equal(t, cp.Reason, loaded.Reason)
	assert.Equal(t, cp.Graph.ContentHash(), loaded.Graph.ContentHash())
	assert.Equal(t, cp.Context.Version, loaded.Context.Version)

	_, err = persist.Checkpoints().GetByID(context.Background(), "run-1", "cp-missing")
	require.Error(t, err)
	assert.True(t, persistence.IsCheckpointNotFound(err))
}

func TestCheckpointRepository_ListIsScopedToRun(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	for _, ids := range [][2]string{{"run-1", "cp-1"}, {"run-1", "cp-2"}, {"run-2", "cp-3"}} {
		cp := &models.Checkpoint{
			ID: ids[1], RunID: ids[0], Graph: sampleGraph("wf-1"), Context: sampleRun(ids[0]),
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, persist.Checkpoints().Append(context.Background(), cp))
	}

	cps, err := persist.Checkpoints().ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, cps, 2)
}

func TestDeltaLog_AppendAndRange(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	for v := int64(1); v <= 4; v++ {
		require.NoError(t, persist.Deltas().Append(context.Background(), delta("run-1", v)))
	}

	all, err := persist.Deltas().Range(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(1), all[0].Version)

	tail, err := persist.Deltas().Range(context.Background(), "run-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(3), tail[0].Version)
	assert.Equal(t, int64(4), tail[1].Version)
}

func TestDeltaLog_EmptyRun(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	deltas, err := persist.Deltas().Range(context.Background(), "run-unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestDeltaLog_TrimLeavesGap(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	for v := int64(1); v <= 5; v++ {
		require.NoError(t, persist.Deltas().Append(context.Background(), delta("run-1", v)))
	}

	require.NoError(t, persist.Deltas().Trim(context.Background(), "run-1", 2))

	// Everything before version 4 was trimmed away.
	_, err := persist.Deltas().Range(context.Background(), "run-1", 1)
	require.Error(t, err)
	assert.True(t, persistence.IsDeltaGap(err))

	// The window edge is still resumable.
	tail, err := persist.Deltas().Range(context.Background(), "run-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Version)
}

func TestDeltaLog_TrimBelowLengthIsNoop(t *testing.T) {
	persist := NewPersistence(t.TempDir())

	require.NoError(t, persist.Deltas().Append(context.Background(), delta("run-1", 1)))
	require.NoError(t, persist.Deltas().Trim(context.Background(), "run-1", 10))

	deltas, err := persist.Deltas().Range(context.Background(), "run-1", 0)
	require.NoError(t, err)
	assert.Len(t, deltas, 1)
}
