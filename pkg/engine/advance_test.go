package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetflow/duetflow/pkg/models"
)

func loopGraph(continueExpr string, maxIterations int) *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:   "wf-loop",
		Name: "Loop",
		Nodes: []*models.GraphNode{
			{ID: "loop1", Name: "Retry block", Kind: models.NodeKindLoop,
				ContinueExpr: continueExpr, MaxIterations: maxIterations},
			{ID: "body1", Name: "Attempt", Kind: models.NodeKindAction, ParentID: "loop1"},
			{ID: "body2", Name: "Verify", Kind: models.NodeKindAction, ParentID: "loop1"},
			{ID: "after", Name: "Wrap up", Kind: models.NodeKindAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "body1", To: "body2"},
			{ID: "e2", From: "body2", To: "body1", LoopBack: true},
			{ID: "e3", From: "loop1", To: "after"},
		},
	}
}

func TestLoop_SingleIterationThenExit(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, loopGraph("", 0))

	run, err := eng.CreateRun(context.Background(), "wf-loop", models.ModeVisual)
	require.NoError(t, err)

	state, _ := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	assert.Equal(t, []string{"loop1"}, state.Cursor)

	state, _ = advance(t, eng, run.RunID, "loop1", 1)
	assert.Equal(t, []string{"body1", "loop1"}, state.Cursor, "container stays active while its body runs")
	assert.Equal(t, 1, state.LoopCounts["loop1"])

	state, _ = advance(t, eng, run.RunID, "body1", 2)
	assert.Equal(t, []string{"body2", "loop1"}, state.Cursor)

	// Empty continue condition means a single pass: finishing the body
	// completes the container and releases its successor.
	state, _ = advance(t, eng, run.RunID, "body2", 3)
	assert.Equal(t, []string{"after"}, state.Cursor)
	assert.NotContains(t, state.LoopCounts, "loop1", "counter resets when the invocation ends")

	state, _ = advance(t, eng, run.RunID, "after", 4)
	assert.Equal(t, models.RunStatusCompleted, state.Status)
}

func TestLoop_RepeatsWhileConditionHolds(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, loopGraph("true", 2))

	run, err := eng.CreateRun(context.Background(), "wf-loop", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	advance(t, eng, run.RunID, "loop1", 1)
	advance(t, eng, run.RunID, "body1", 2)

	// The body finished and the condition still holds: the same command
	// clears the body and re-enters it.
	state, _ := advance(t, eng, run.RunID, "body2", 3)
	assert.Equal(t, []string{"body1", "loop1"}, state.Cursor)
	assert.Equal(t, 2, state.LoopCounts["loop1"])
	assert.NotContains(t, state.Completed, "body1")

	advance(t, eng, run.RunID, "body1", 4)

	// A condition that never turns false hits the iteration bound and
	// fails the run instead of spinning.
	state, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "body2",
		Issuer: models.IssuerVisual, ExpectedVersion: 5,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindLoopBoundExceeded))
	require.NotNil(t, state)
	assert.Equal(t, models.RunStatusFailed, state.Status)
	assert.Equal(t, models.KindLoopBoundExceeded, state.FailureKind)
}

func TestLoop_StepAdvanceDrivesBody(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, loopGraph("", 0))

	run, err := eng.CreateRun(context.Background(), "wf-loop", models.ModeConversational)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerConversational, ExpectedVersion: 0,
	})

	jny, err := eng.Journey(context.Background(), run.RunID)
	require.NoError(t, err)

	loopStep, ok := jny.StepForNode("loop1")
	require.True(t, ok)

	// One turn enters the container, walks the body and exits the loop.
	state, _ := submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetStepID: loopStep,
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})
	assert.Equal(t, []string{"after"}, state.Cursor)
	assert.ElementsMatch(t, []string{"loop1", "body1", "body2"}, state.Completed)
	assert.Empty(t, state.LoopCounts)

	afterStep, ok := jny.StepForNode("after")
	require.True(t, ok)

	state, _ = submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetStepID: afterStep,
		Issuer: models.IssuerConversational, ExpectedVersion: 2,
	})
	assert.Equal(t, models.RunStatusCompleted, state.Status)
}

func TestLoop_StepAdvanceHonorsIterationBound(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, loopGraph("true", 2))

	run, err := eng.CreateRun(context.Background(), "wf-loop", models.ModeConversational)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerConversational, ExpectedVersion: 0,
	})

	jny, err := eng.Journey(context.Background(), run.RunID)
	require.NoError(t, err)

	loopStep, ok := jny.StepForNode("loop1")
	require.True(t, ok)

	// A condition that never turns false runs into the bound within the
	// single step turn and fails the run instead of spinning.
	state, _, err := eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetStepID: loopStep,
		Issuer: models.IssuerConversational, ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindLoopBoundExceeded))
	require.NotNil(t, state)
	assert.Equal(t, models.RunStatusFailed, state.Status)
}

func TestLoop_ReenterWhileBodyInProgress(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, loopGraph("", 0))

	run, err := eng.CreateRun(context.Background(), "wf-loop", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})
	advance(t, eng, run.RunID, "loop1", 1)

	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "loop1",
		Issuer: models.IssuerVisual, ExpectedVersion: 2,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestCondition_SkipsUnchosenBranchDeeply(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := &models.WorkflowGraph{
		ID:   "wf-skip",
		Name: "Skip branch",
		Nodes: []*models.GraphNode{
			{ID: "check", Name: "Check", Kind: models.NodeKindCondition},
			{ID: "fast", Name: "Fast path", Kind: models.NodeKindAction},
			{ID: "slow", Name: "Slow path", Kind: models.NodeKindLoop},
			{ID: "s1", Name: "Grind", Kind: models.NodeKindAction, ParentID: "slow"},
			{ID: "s2", Name: "Check again", Kind: models.NodeKindAction, ParentID: "slow"},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "check", To: "fast", Condition: "approved"},
			{ID: "e2", From: "check", To: "slow", Default: true},
			{ID: "e3", From: "s1", To: "s2"},
			{ID: "e4", From: "s2", To: "s1", LoopBack: true},
		},
		Variables: map[string]any{"approved": true},
	}
	publishGraph(t, persist, graph)

	run, err := eng.CreateRun(context.Background(), "wf-skip", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, _ := advance(t, eng, run.RunID, "check", 1)
	assert.Equal(t, []string{"fast"}, state.Cursor)
	assert.ElementsMatch(t, []string{"slow", "s1", "s2"}, state.Skipped,
		"skipping a container skips its whole interior")

	state, _ = advance(t, eng, run.RunID, "fast", 2)
	assert.Equal(t, models.RunStatusCompleted, state.Status, "skipped nodes never block completion")
}

func TestParallel_CompletesAllBranchesInOneCommand(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := &models.WorkflowGraph{
		ID:   "wf-par",
		Name: "Parallel",
		Nodes: []*models.GraphNode{
			{ID: "par1", Name: "Fan out", Kind: models.NodeKindParallel},
			{ID: "left", Name: "Left", Kind: models.NodeKindAction, ParentID: "par1",
				ToolID: "log", Parameters: map[string]any{"message": "left done", "output": "left_out"}},
			{ID: "right", Name: "Right", Kind: models.NodeKindAction, ParentID: "par1",
				ToolID: "log", Parameters: map[string]any{"message": "right done", "output": "right_out"}},
			{ID: "after", Name: "Join", Kind: models.NodeKindAction},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "par1", To: "after"},
		},
	}
	publishGraph(t, persist, graph)

	run, err := eng.CreateRun(context.Background(), "wf-par", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, delta := advance(t, eng, run.RunID, "par1", 1)

	assert.Equal(t, []string{"after"}, state.Cursor)
	assert.ElementsMatch(t, []string{"par1", "left", "right"}, state.Completed)
	assert.Equal(t, int64(2), delta.Version, "the whole fan-out is one accepted command")

	left, ok := state.Bindings["left_out"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "left done", left["message"])

	right, ok := state.Bindings["right_out"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "right done", right["message"])
}

func TestParallel_NestedLoopBranch(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	graph := &models.WorkflowGraph{
		ID:   "wf-parloop",
		Name: "Parallel with loop",
		Nodes: []*models.GraphNode{
			{ID: "par1", Name: "Fan out", Kind: models.NodeKindParallel},
			{ID: "solo", Name: "Solo", Kind: models.NodeKindAction, ParentID: "par1"},
			{ID: "nl", Name: "Nested loop", Kind: models.NodeKindLoop, ParentID: "par1"},
			{ID: "nb1", Name: "Work", Kind: models.NodeKindAction, ParentID: "nl"},
			{ID: "nb2", Name: "Verify", Kind: models.NodeKindAction, ParentID: "nl"},
		},
		Edges: []*models.Edge{
			{ID: "e1", From: "nb1", To: "nb2"},
			{ID: "e2", From: "nb2", To: "nb1", LoopBack: true},
		},
	}
	publishGraph(t, persist, graph)

	run, err := eng.CreateRun(context.Background(), "wf-parloop", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, _ := advance(t, eng, run.RunID, "par1", 1)

	assert.Equal(t, models.RunStatusCompleted, state.Status)
	assert.ElementsMatch(t, []string{"par1", "solo", "nl", "nb1", "nb2"}, state.Completed)
	assert.Empty(t, state.LoopCounts)
}

func TestSubgraph_RunsChildAndMergesBindings(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	child := &models.WorkflowGraph{
		ID:   "wf-child",
		Name: "Child",
		Nodes: []*models.GraphNode{
			{ID: "c1", Name: "Child step", Kind: models.NodeKindAction},
		},
		Variables: map[string]any{"child_setting": "enabled"},
	}
	publishGraph(t, persist, child)

	parent := &models.WorkflowGraph{
		ID:   "wf-parent",
		Name: "Parent",
		Nodes: []*models.GraphNode{
			{ID: "s1", Name: "Delegate", Kind: models.NodeKindSubgraph, SubgraphID: "wf-child",
				Parameters: map[string]any{"output": "child_result"}},
		},
		Variables: map[string]any{"tenant": "acme"},
	}
	publishGraph(t, persist, parent)

	run, err := eng.CreateRun(context.Background(), "wf-parent", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, _ := advance(t, eng, run.RunID, "s1", 1)

	require.Equal(t, models.RunStatusCompleted, state.Status)

	result, ok := state.Bindings["child_result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "enabled", result["child_setting"])
	assert.Equal(t, "acme", result["tenant"], "the child sees the parent's bindings")
}

func TestSubgraph_UnpublishedChildFailsTheRun(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())

	child := &models.WorkflowGraph{
		ID:     "wf-draft-child",
		Name:   "Draft child",
		Status: models.GraphStatusDraft,
		Nodes: []*models.GraphNode{
			{ID: "c1", Name: "Child step", Kind: models.NodeKindAction},
		},
	}
	require.NoError(t, persist.Graphs().Save(context.Background(), child))

	parent := &models.WorkflowGraph{
		ID:   "wf-parent2",
		Name: "Parent",
		Nodes: []*models.GraphNode{
			{ID: "s1", Name: "Delegate", Kind: models.NodeKindSubgraph, SubgraphID: "wf-draft-child"},
		},
	}
	publishGraph(t, persist, parent)

	run, err := eng.CreateRun(context.Background(), "wf-parent2", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	state, _, err := eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "s1",
		Issuer: models.IssuerVisual, ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindToolError))
	require.NotNil(t, state)
	assert.Equal(t, models.RunStatusFailed, state.Status)
}

func TestAdvance_UnknownNode(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "ghost",
		Issuer: models.IssuerVisual, ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestAdvance_InactiveNode(t *testing.T) {
	eng, persist := newTestEngine(t, DefaultConfig())
	publishGraph(t, persist, manualChainGraph())

	run, err := eng.CreateRun(context.Background(), "wf-chain", models.ModeVisual)
	require.NoError(t, err)

	submit(t, eng, &models.Command{
		RunID: run.RunID, Kind: models.CommandStart, Issuer: models.IssuerVisual, ExpectedVersion: 0,
	})

	// b is downstream of a and not yet reachable.
	_, _, err = eng.Submit(context.Background(), &models.Command{
		RunID: run.RunID, Kind: models.CommandAdvanceNode, TargetNodeID: "b",
		Issuer: models.IssuerVisual, ExpectedVersion: 1,
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}
