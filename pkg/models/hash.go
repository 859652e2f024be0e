package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ContentHash returns a stable digest of the structural content of the
// graph: nodes, edges and initial variables. Journeys derived from a graph
// are cached and invalidated by this hash; cosmetic fields (name, positions,
// timestamps) are deliberately excluded from the node encoding used here.
func (g *WorkflowGraph) ContentHash() string {
	type hashNode struct {
		ID            string         `json:"id"`
		Kind          NodeKind       `json:"kind"`
		Parameters    map[string]any `json:"parameters,omitempty"`
		ParentID      string         `json:"parent_id,omitempty"`
		ToolID        string         `json:"tool_id,omitempty"`
		ContinueExpr  string         `json:"continue_expr,omitempty"`
		MaxIterations int            `json:"max_iterations,omitempty"`
		SubgraphID    string         `json:"subgraph_id,omitempty"`
	}

	type hashEdge struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Condition string `json:"condition,omitempty"`
		Default   bool   `json:"default,omitempty"`
		LoopBack  bool   `json:"loop_back,omitempty"`
	}

	nodes := make([]hashNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, hashNode{
			ID:            n.ID,
			Kind:          n.Kind,
			Parameters:    n.Parameters,
			ParentID:      n.ParentID,
			ToolID:        n.ToolID,
			ContinueExpr:  n.ContinueExpr,
			MaxIterations: n.MaxIterations,
			SubgraphID:    n.SubgraphID,
		})
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]hashEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, hashEdge{
			From:      e.From,
			To:        e.To,
			Condition: e.Condition,
			Default:   e.Default,
			LoopBack:  e.LoopBack,
		})
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}

		return edges[i].To < edges[j].To
	})

	payload, err := json.Marshal(struct {
		Nodes     []hashNode     `json:"nodes"`
		Edges     []hashEdge     `json:"edges"`
		Variables map[string]any `json:"variables,omitempty"`
	}{nodes, edges, g.Variables})
	if err != nil {
		// Only unmarshalable parameter values can get here; hash the error
		// text so the journey cache never aliases two distinct graphs.
		payload = []byte(err.Error())
	}

	sum := sha256.Sum256(payload)

	return hex.EncodeToString(sum[:])
}
