package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/persistence"
	"github.com/duetflow/duetflow/pkg/persistence/file"
	"github.com/duetflow/duetflow/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, config Config) (*Engine, persistence.Persistence) {
	t.Helper()

	persist := file.NewPersistence(t.TempDir())

	reg := registry.NewRegistry(testLogger())
	registry.RegisterBuiltinTools(reg)

	eng := NewEngine(config, persist, reg, nil, nil, testLogger())
	t.Cleanup(eng.Close)

	return eng, persist
}

func publishGraph(t *testing.T, persist persistence.Persistence, graph *models.WorkflowGraph) {
	t.Helper()

	now := time.Now().UTC()
	graph.Status = models.GraphStatusPublished
	graph.PublishedAt = &now
	graph.CreatedAt = now
	graph.UpdatedAt = now

	require.NoError(t, graph.Validate())
	require.NoError(t, persist.Graphs().Save(context.Background(), graph))
}

func manualChainGraph() *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:   "wf-chain",
		Name: "Chain",
		Nodes: []*models.GraphNode{
			{ID: "a", Name: "First", Kind: models.NodeKindAction},
			{ID: "b", Name: "Second", Kind: models.NodeKindAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "a", To: "b"},
		},
	}
}

func twoRootJoinGraph() *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:   "wf-join",
		Name: "Join",
		Nodes: []*models.GraphNode{
			{ID: "a", Name: "Left", Kind: models.NodeKindAction},
			{ID: "b", Name: "Right", Kind: models.NodeKindAction},
			{ID: "j", Name: "Join", Kind: models.NodeKindAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "a", To: "j"},
			{ID: "e2", From: "b", To: "j"},
		},
	}
}

func branchGraph() *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:   "wf-branch",
		Name: "Branch",
		Nodes: []*models.GraphNode{
			{ID: "check", Name: "Check", Kind: models.NodeKindCondition},
			{ID: "yes", Name: "Approved path", Kind: models.NodeKindAction},
			{ID: "no", Name: "Review path", Kind: models.NodeKindAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "check", To: "yes", Condition: "approved"},
			{ID: "e2", From: "check", To: "no", Default: true},
		},
		Variables: map[string]any{"approved": false},
	}
}

func submit(t *testing.T, eng *Engine, cmd *models.Command) (*models.ExecutionContext, *models.StateDelta) {
	t.Helper()

	state, delta, err := eng.Submit(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, state)

	return state, delta
}

func advance(t *testing.T, eng *Engine, runID, nodeID string, expected int64) (*models.ExecutionContext, *models.StateDelta) {
	t.Helper()

	return submit(t, eng, &models.Command{
		RunID:           runID,
		Kind:            models.CommandAdvanceNode,
		Issuer:          models.IssuerVisual,
		ExpectedVersion: expected,
		TargetNodeID:    nodeID,
	})
}

func TestCreateRun_RequiresPublishedGraph(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := manualChainGraph()
	graph.Status = models.GraphStatusDraft
	require.NoError(t, persist.Graphs().Save(context.Background(), graph))

	_, err := eng.CreateRun(context.Background(), graph.ID, models.ModeVisual)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestCreateRun_UnknownGraph(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultConfig())

	_, err := eng.CreateRun(context.Background(), "wf-missing", models.ModeVisual)
	require.Error(t, err)
	assert.True(t, persistence.IsGraphNotFound(err))
}

func TestCreateRun_UnmappableGraphRejectsConversational(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := branchGraph()
	graph.Edges[1] = &models.Edge{ID: "e2", From: "check", To: "no", Condition: "!approved"}
	publishGraph(t, persist, graph)

	_, err := eng.CreateRun(context.Background(), graph.ID, models.ModeConversational)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindUnmappableGraph))

	// The same graph still runs on the visual surface.
	run, err := eng.CreateRun(context.Background(), graph.ID, models.ModeVisual)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusIdle, run.Status)
}

func TestRun_StartToCompletion(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)
	assert.Equal(t, int64(0), run.Version)
	assert.Equal(t, map[string]int{}, run.LoopCounts)

	state, delta := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, models.RunStatusRunning, state.Status)
	assert.Equal(t, []string{"a"}, state.Cursor)
	assert.Equal(t, "Run started", delta.Summary)

	state, _ = advance(t, eng, run.RunID, "a", 1)
	assert.Equal(t, []string{"b"}, state.Cursor)
	assert.Equal(t, []string{"a"}, state.Completed)

	state, delta = advance(t, eng, run.RunID, "b", 2)
	assert.Equal(t, models.RunStatusCompleted, state.Status)
	assert.Empty(t, state.Cursor)
	require.NotNil(t, state.CompletedAt)
	assert.Contains(t, delta.Summary, "run finished")

	// Terminal runs reject further mutation.
	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandPause, Issuer: models.IssuerVisual, ExpectedVersion: 3,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestRun_VersionsAreMonotonic(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	var versions []int64

	_, delta := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	versions = append(versions, delta.Version)

	_, delta = advance(t, eng, run.RunID, "a", 1)
	versions = append(versions, delta.Version)

	_, delta = advance(t, eng, run.RunID, "b", 2)
	versions = append(versions, delta.Version)

	assert.Equal(t, []int64{1, 2, 3}, versions)
}

func TestRun_PauseResume(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	// Pausing an idle run is not a legal transition.
	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandPause, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, _ := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandPause, Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})
	assert.Equal(t, models.RunStatusPaused, state.Status)

	// No node moves while paused.
	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "a",
		Issuer: models.IssuerVisual, ExpectedVersion: 2,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))

	state, _ = submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandResume, Issuer: models.IssuerVisual, ExpectedVersion: 2,
	})
	assert.Equal(t, models.RunStatusRunning, state.Status)
	assert.Equal(t, []string{"a"}, state.Cursor, "pause keeps the cursor where it was")
}

func TestRun_StalePauseIsCoalesced(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandPause, Issuer: models.IssuerVisual, ExpectedVersion: 1,
	})

	// The other surface pauses too, still believing the run is at v1.
	state, delta, err := eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandPause, Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Nil(t, delta, "coalesced commands produce no delta")
	assert.Equal(t, int64(2), state.Version, "version does not move")
	assert.Equal(t, models.RunStatusPaused, state.Status)
}

func TestRun_ConcurrentAdvanceConflicts(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, twoRootJoinGraph())

	run, err := eng.CreateRun(context.Background(), "wf-join", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	advance(t, eng, run.RunID, "a", 1)

	// A second surface advances a different node against the version it
	// last saw. Its intent is not yet satisfied, so this is a real conflict.
	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "b",
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})

	var conflict *models.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.ExpectedVersion)
	assert.Equal(t, int64(2), conflict.CurrentVersion)
	require.NotNil(t, conflict.LastKnown)
	assert.Contains(t, conflict.LastKnown.Completed, "a")

	// The same stale submission for the node that did complete coalesces.
	state, delta, err := eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "a",
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Nil(t, delta)
	assert.Equal(t, int64(2), state.Version)
}

func TestRun_AndJoinWaitsForAllBranches(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, twoRootJoinGraph())

	run, err := eng.CreateRun(context.Background(), "wf-join", models.ModeVisual)
	require.NoError(t, err)

	state, _ := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	assert.Equal(t, []string{"a", "b"}, state.Cursor)

	state, _ = advance(t, eng, run.RunID, "a", 1)
	assert.Equal(t, []string{"b"}, state.Cursor, "join waits for the slower branch")

	state, _ = advance(t, eng, run.RunID, "b", 2)
	assert.Equal(t, []string{"j"}, state.Cursor)

	state, _ = advance(t, eng, run.RunID, "j", 3)
	assert.Equal(t, models.RunStatusCompleted, state.Status)
}

func TestRun_BranchResolvedServerSide(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, branchGraph())

	run, err := eng.CreateRun(context.Background(), "wf-branch", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, _ := advance(t, eng, run.RunID, "check", 1)
	assert.Equal(t, []string{"no"}, state.Cursor, "approved=false takes the default edge")
	assert.Equal(t, []string{"yes"}, state.Skipped)

	// The client cannot force the branch the engine did not choose.
	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "yes",
		Issuer: models.IssuerVisual, ExpectedVersion: 2,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))

	state, _ = advance(t, eng, run.RunID, "no", 2)
	assert.Equal(t, models.RunStatusCompleted, state.Status)
}

func TestRun_BranchFollowsBindings(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, branchGraph())

	run, err := eng.CreateRun(context.Background(), "wf-branch", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandSetVariable, VariableName: "approved", VariableValue: true,
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})

	state, _ := advance(t, eng, run.RunID, "check", 2)
	assert.Equal(t, []string{"yes"}, state.Cursor)
	assert.Equal(t, []string{"no"}, state.Skipped)
}

func TestRun_SetVariable(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	state, delta := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandSetVariable, VariableName: "customer", VariableValue: "acme",
		Issuer: models.IssuerConversational, ExpectedVersion: 0,
	})

	assert.Equal(t, "acme", state.Bindings["customer"])
	require.Len(t, delta.Changes, 1)
	assert.Equal(t, "bindings.customer", delta.Changes[0].Field)
}

func TestRun_ToolOutputMergedUnderOutputName(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := &models.WorkflowGraph{
		ID:   "wf-log",
		Name: "Log it",
		Nodes: []*models.GraphNode{
			{
				ID: "a", Name: "Greet", Kind: models.NodeKindAction, ToolID: "log",
				Parameters: map[string]any{
					"message": "hello {{.bindings.user}}",
					"output":  "greeting",
				},
			},
		},
		Variables: map[string]any{"user": "sam"},
	}
	publishGraph(t, persist, graph)

	run, err := eng.CreateRun(context.Background(), "wf-log", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, _ := advance(t, eng, run.RunID, "a", 1)
	require.Equal(t, models.RunStatusCompleted, state.Status)

	out, ok := state.Bindings["greeting"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello sam", out["message"])
}

func TestRun_CancelMovesToFailed(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, delta := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandCancel, Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})

	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.KindCancelledForcefully, state.FailureKind)
	require.NotNil(t, state.CompletedAt)
	assert.Contains(t, delta.Summary, "failed")
}

func TestRun_SwitchMode(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	state, _ := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandSwitchMode, TargetMode: models.ModeHybrid,
		Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	assert.Equal(t, models.ModeHybrid, state.Mode)
}

func TestRun_SwitchModeRejectedForUnmappableGraph(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := branchGraph()
	graph.Edges[1] = &models.Edge{ID: "e2", From: "check", To: "no", Condition: "!approved"}
	publishGraph(t, persist, graph)

	run, err := eng.CreateRun(context.Background(), graph.ID, models.ModeVisual)
	require.NoError(t, err)

	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandSwitchMode, TargetMode: models.ModeConversational,
		Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindUnmappableGraph))

	state, err := eng.GetState(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeVisual, state.Mode, "rejected switch changes nothing")
	assert.Equal(t, int64(0), state.Version)
}

func TestRun_JourneyStepAdvanceMatchesNodeAdvance(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := &models.WorkflowGraph{
		ID:   "wf-dual",
		Name: "Dual mode",
		Nodes: []*models.GraphNode{
			{ID: "a", Name: "First", Kind: models.NodeKindAction},
			{ID: "b", Name: "Second", Kind: models.NodeKindAction},
			{ID: "c", Name: "Third", Kind: models.NodeKindAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "a", To: "b"},
			{ID: "e2", From: "b", To: "c"},
		},
	}
	publishGraph(t, persist, graph)

	// Drive one run node by node from the visual surface.
	visual, err := eng.CreateRun(context.Background(), "wf-dual", models.ModeVisual)
	require.NoError(t, err)
	submit(t, eng, &models.Command{
		RunID: visual.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	advance(t, eng, visual.RunID, "a", 1)
	advance(t, eng, visual.RunID, "b", 2)
	visualFinal, _ := advance(t, eng, visual.RunID, "c", 3)

	// Drive a second run through its single collapsed journey step.
	conv, err := eng.CreateRun(context.Background(), "wf-dual", models.ModeConversational)
	require.NoError(t, err)
	submit(t, eng, &models.Command{
		RunID: conv.RunID, Kind: models.CommandStart, Issuer: models.IssuerConversational, ExpectedVersion: 0,
	})

	jny, err := eng.Journey(context.Background(), conv.RunID)
	require.NoError(t, err)
	require.Len(t, jny.Steps, 1)

	convFinal, _ := submit(t, eng, &models.Command{
		RunID: conv.RunID, Kind: models.CommandAdvanceNode, TargetStepID: jny.Steps[0].ID,
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})

	// Same observable graph state, whichever surface drove the run.
	assert.Equal(t, models.RunStatusCompleted, visualFinal.Status)
	assert.Equal(t, visualFinal.Status, convFinal.Status)
	assert.Equal(t, visualFinal.Completed, convFinal.Completed)
	assert.Equal(t, visualFinal.Cursor, convFinal.Cursor)
}

func TestRun_ConversationalRejectsNodeAdvance(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeConversational)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerConversational, ExpectedVersion: 0,
	})

	// The conversational surface addresses journey steps; raw node ids are
	// not part of its contract.
	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "a",
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))

	// Hybrid keeps both addressing surfaces available.
	state, _ := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandSwitchMode, TargetMode: models.ModeHybrid,
		Issuer: models.IssuerVisual, ExpectedVersion: 1,
	})

	state, _ = advance(t, eng, run.RunID, "a", state.Version)
	assert.Equal(t, []string{"b"}, state.Cursor)
}

func TestEngine_JourneyReadsSafeDuringGraphSwap(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeConversational)
	require.NoError(t, err)

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < 200; i++ {
			jny, jerr := eng.Journey(context.Background(), run.RunID)
			assert.NoError(t, jerr)
			assert.NotNil(t, jny)

			_, serr := eng.GetState(context.Background(), run.RunID)
			assert.NoError(t, serr)
		}
	}()

	// Keep swapping the graph the way a restore or migration would while the
	// reader runs.
	for i := 0; i < 200; i++ {
		err = eng.WithRunLock(context.Background(), run.RunID, func(h *StructuralHandle) error {
			graph := h.Graph()

			jny, mapErr := eng.MapJourney(graph)
			if mapErr != nil {
				return mapErr
			}

			h.SetGraph(graph, jny)

			return nil
		})
		require.NoError(t, err)
	}

	<-done
}

func TestRun_StepAdvanceUnknownStep(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeConversational)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerConversational, ExpectedVersion: 0,
	})

	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetStepID: "step-999",
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestEngine_RevivesRunAfterRestart(t *testing.T) {
	dir := t.TempDir()
	persist := file.NewPersistence(dir)

	reg := registry.NewRegistry(testLogger())
	registry.RegisterBuiltinTools(reg)

	eng1 := NewEngine(DefaultConfig(), persist, reg, nil, nil, testLogger())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng1.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)
	submit(t, eng1, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	eng1.Close()

	eng2 := NewEngine(DefaultConfig(), persist, reg, nil, nil, testLogger())
	defer eng2.Close()

	state, err := eng2.GetState(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, []string{"a"}, state.Cursor)

	state, _ = advance(t, eng2, run.RunID, "a", 1)
	assert.Equal(t, []string{"b"}, state.Cursor)
}

func TestRun_RunTimeoutFailsTheRun(t *testing.T) {
	config := DefaultConfig()
	config.RunTimeout = 10 * time.Millisecond

	eng, persist := newTestEngine(t, config)
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	state, _, err := eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTimeoutExceeded))
	require.NotNil(t, state, "the timeout is committed, not just reported")
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.KindTimeoutExceeded, state.FailureKind)
}

func TestSubmit_BackpressureWhenQueueIsFull(t *testing.T) {
	config := DefaultConfig()
	config.QueueSize = 1

	eng, persist := newTestEngine(t, config)
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	// Park the actor behind the structural lock so submissions pile up.
	release := make(chan struct{})
	locked := make(chan struct{})

	go func() {
		_ = eng.WithRunLock(context.Background(), run.RunID, func(*StructuralHandle) error {
			close(locked)
			<-release

			return nil
		})
	}()

	<-locked

	// Each submission either lands in the actor's hands (blocked on the
	// lock) or takes the single queue slot; the third at the latest must be
	// rejected outright.
	sawBackpressure := false

	for i := 0; i < 5 && !sawBackpressure; i++ {
		sctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _, submitErr := eng.Submit(sctx, &models.Command{
			RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
		})
		cancel()

		sawBackpressure = models.IsKind(submitErr, models.KindBackpressure)
	}

	assert.True(t, sawBackpressure)
	close(release)
}
