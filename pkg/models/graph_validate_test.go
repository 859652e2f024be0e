package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validChainGraph() *WorkflowGraph {
	return &WorkflowGraph{
		ID:     "wf-chain",
		Name:   "Chain",
		Status: GraphStatusDraft,
		Nodes: []*GraphNode{
			{ID: "a", Name: "First", Kind: NodeKindAction},
			{ID: "b", Name: "Second", Kind: NodeKindAction},
		},
		Edges: []*Edge{
			{ID: "e1", From: "a", To: "b"},
		},
	}
}

func TestValidate_ValidChain(t *testing.T) {
	require.NoError(t, validChainGraph().Validate())
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	g := validChainGraph()
	g.Nodes = append(g.Nodes, &GraphNode{ID: "a", Name: "Dup", Kind: NodeKindAction})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateNodeID)
}

func TestValidate_EdgeToUnknownNode(t *testing.T) {
	g := validChainGraph()
	g.Edges = append(g.Edges, &Edge{ID: "e2", From: "b", To: "ghost"})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestValidate_SelfEdge(t *testing.T) {
	g := validChainGraph()
	g.Edges = append(g.Edges, &Edge{ID: "e2", From: "b", To: "b"})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSelfEdge)
}

func TestValidate_CycleWithoutLoopContainer(t *testing.T) {
	g := &WorkflowGraph{
		ID:   "wf-cycle",
		Name: "Cycle",
		Nodes: []*GraphNode{
			{ID: "a", Name: "A", Kind: NodeKindAction},
			{ID: "b", Name: "B", Kind: NodeKindAction},
		},
		Edges: []*Edge{
			{ID: "e1", From: "a", To: "b"},
			{ID: "e2", From: "b", To: "a"},
		},
	}

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIllegalCycle)
	// a and b feed each other, so nothing qualifies as an entry node.
	assert.ErrorIs(t, err, ErrNoEntryNode)
}

func TestValidate_SecondRootComponent(t *testing.T) {
	g := validChainGraph()
	g.Nodes = append(g.Nodes,
		&GraphNode{ID: "x", Name: "Island X", Kind: NodeKindAction},
		&GraphNode{ID: "y", Name: "Island Y", Kind: NodeKindAction},
	)
	g.Edges = append(g.Edges, &Edge{ID: "e2", From: "x", To: "y"})

	require.NoError(t, g.Validate())
	assert.Len(t, g.Roots(), 2)
}

func TestValidate_ConditionNeedsTwoEdges(t *testing.T) {
	g := &WorkflowGraph{
		ID:   "wf-cond",
		Name: "Cond",
		Nodes: []*GraphNode{
			{ID: "c", Name: "Check", Kind: NodeKindCondition},
			{ID: "a", Name: "A", Kind: NodeKindAction},
		},
		Edges: []*Edge{
			{ID: "e1", From: "c", To: "a", Condition: "flag"},
		},
	}

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConditionEdges)
}

func TestValidate_ConditionEdgeWithoutExpression(t *testing.T) {
	g := &WorkflowGraph{
		ID:   "wf-cond",
		Name: "Cond",
		Nodes: []*GraphNode{
			{ID: "c", Name: "Check", Kind: NodeKindCondition},
			{ID: "a", Name: "A", Kind: NodeKindAction},
			{ID: "b", Name: "B", Kind: NodeKindAction},
		},
		Edges: []*Edge{
			{ID: "e1", From: "c", To: "a", Condition: "flag"},
			{ID: "e2", From: "c", To: "b"}, // neither condition nor default
		},
	}

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConditionEdges)
}

func TestValidate_ConditionWithDefault(t *testing.T) {
	g := &WorkflowGraph{
		ID:   "wf-cond",
		Name: "Cond",
		Nodes: []*GraphNode{
			{ID: "c", Name: "Check", Kind: NodeKindCondition},
			{ID: "a", Name: "A", Kind: NodeKindAction},
			{ID: "b", Name: "B", Kind: NodeKindAction},
		},
		Edges: []*Edge{
			{ID: "e1", From: "c", To: "a", Condition: "flag"},
			{ID: "e2", From: "c", To: "b", Default: true},
		},
	}

	require.NoError(t, g.Validate())
}

func validLoopGraph() *WorkflowGraph {
	return &WorkflowGraph{
		ID:   "wf-loop",
		Name: "Loop",
		Nodes: []*GraphNode{
			{ID: "loop1", Name: "Retry block", Kind: NodeKindLoop, ContinueExpr: "retry"},
			{ID: "body1", Name: "Attempt", Kind: NodeKindAction, ParentID: "loop1"},
			{ID: "body2", Name: "Verify", Kind: NodeKindAction, ParentID: "loop1"},
		},
		Edges: []*Edge{
			{ID: "e1", From: "body1", To: "body2"},
			{ID: "e2", From: "body2", To: "body1", LoopBack: true},
		},
	}
}

func TestValidate_ValidLoop(t *testing.T) {
	require.NoError(t, validLoopGraph().Validate())
}

func TestValidate_LoopWithoutBackEdge(t *testing.T) {
	g := validLoopGraph()
	g.Edges = g.Edges[:1]

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopBackEdgeCount)
}

func TestValidate_LoopBackEdgeOutsideContainer(t *testing.T) {
	g := validChainGraph()
	g.Edges = append(g.Edges, &Edge{ID: "e2", From: "b", To: "a", LoopBack: true})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopBackEdgeOutside)
}

func TestValidate_EdgeCrossesContainerBoundary(t *testing.T) {
	g := validLoopGraph()
	g.Nodes = append(g.Nodes, &GraphNode{ID: "out", Name: "Outside", Kind: NodeKindAction})
	g.Edges = append(g.Edges, &Edge{ID: "e3", From: "out", To: "body1"})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEdgeCrossesContainer)
}

func TestValidate_ParentMustBeContainer(t *testing.T) {
	g := validChainGraph()
	g.Nodes = append(g.Nodes, &GraphNode{ID: "c", Name: "Child", Kind: NodeKindAction, ParentID: "a"})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidContainer)
}

func TestRoots_IgnoreLoopBackEdges(t *testing.T) {
	g := validLoopGraph()
	roots := g.Roots()

	require.Len(t, roots, 1)
	assert.Equal(t, "loop1", roots[0].ID)
}

func TestEntryAndExitNodes(t *testing.T) {
	g := validLoopGraph()

	entries := g.EntryNodes("loop1")
	require.Len(t, entries, 1)
	assert.Equal(t, "body1", entries[0].ID)

	exits := g.ExitNodes("loop1")
	require.Len(t, exits, 1)
	assert.Equal(t, "body2", exits[0].ID)
}

func TestContentHash_IgnoresCosmeticFields(t *testing.T) {
	g1 := validChainGraph()
	g2 := validChainGraph()
	g2.Name = "Renamed"
	g2.Nodes[0].PositionX = 400
	g2.Nodes[0].Name = "Renamed node"

	assert.Equal(t, g1.ContentHash(), g2.ContentHash())
}

func TestContentHash_ChangesWithStructure(t *testing.T) {
	g1 := validChainGraph()

	g2 := validChainGraph()
	g2.Edges[0].Condition = "flag"
	assert.NotEqual(t, g1.ContentHash(), g2.ContentHash())

	g3 := validChainGraph()
	g3.Variables = map[string]any{"retries": 3}
	assert.NotEqual(t, g1.ContentHash(), g3.ContentHash())
}

func TestClone_IsDeep(t *testing.T) {
	g := validChainGraph()
	cp := g.Clone()

	cp.Nodes[0].Name = "mutated"
	cp.Edges[0].To = "elsewhere"

	assert.Equal(t, "First", g.Nodes[0].Name)
	assert.Equal(t, "b", g.Edges[0].To)
}
