// Package models defines the core domain models for dual-mode workflow execution.
package models

import (
	"encoding/json"
	"time"
)

// NodeKind is the closed set of node variants the engine can execute.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindSubgraph  NodeKind = "subgraph"
)

// GraphStatus represents the lifecycle state of a workflow graph.
type GraphStatus string

const (
	GraphStatusDraft     GraphStatus = "draft"     // Editable, not executable
	GraphStatusPublished GraphStatus = "published" // Immutable, executable
)

// GraphNode is one node instance in a workflow graph.
//
// Container nodes (loop, parallel) own interior nodes through ParentID on
// the children; membership must form a tree.
type GraphNode struct {
	ID         string         `json:"id"                    validate:"required"`
	Name       string         `json:"name"                  validate:"required,min=1"`
	Kind       NodeKind       `json:"kind"                  validate:"required,oneof=action condition loop parallel subgraph"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"` // Enclosing container, empty for top level

	// Action nodes only.
	ToolID string `json:"tool_id,omitempty"`

	// Loop containers only.
	ContinueExpr  string `json:"continue_expr,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"` // 0 means engine default

	// Subgraph references only.
	SubgraphID string `json:"subgraph_id,omitempty"`

	PositionX int `json:"position_x"`
	PositionY int `json:"position_y"`
}

// Edge is a directed connection between two nodes.
//
// Multiple outgoing edges from a condition node are mutually exclusive at
// runtime and carry Condition expressions (or Default). Multiple outgoing
// edges from a parallel container fan out concurrently.
type Edge struct {
	ID        string `json:"id"`
	From      string `json:"from"      validate:"required"`
	To        string `json:"to"        validate:"required"`
	Condition string `json:"condition,omitempty"` // Branch expression on condition-node edges
	Default   bool   `json:"default,omitempty"`   // Else edge of a condition node
	LoopBack  bool   `json:"loop_back,omitempty"` // Designated back-edge of a loop container
	Label     string `json:"label,omitempty"`
}

// WorkflowGraph is the canonical directed-graph definition of a workflow.
// Published graphs are immutable; runs always execute a published copy.
type WorkflowGraph struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Status      GraphStatus    `json:"status"      validate:"required"`
	GroupID     string         `json:"group_id"` // Stable ID linking all versions
	Nodes       []*GraphNode   `json:"nodes"`
	Edges       []*Edge        `json:"edges"`
	Variables   map[string]any `json:"variables,omitempty"` // Initial variable bindings
	Schedule    string         `json:"schedule,omitempty"`  // Cron expression for autostarted runs
	Owner       string         `json:"owner,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
}

// Clone returns a deep copy, used when a structural change must be
// validated before it replaces the live graph.
func (g *WorkflowGraph) Clone() *WorkflowGraph {
	data, err := json.Marshal(g)
	if err != nil {
		return nil
	}

	var out WorkflowGraph

	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil
	}

	return &out
}

// NodeByID returns the node with the given ID, or nil.
func (g *WorkflowGraph) NodeByID(id string) *GraphNode {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// Outgoing returns all edges leaving the given node, loop back-edges included.
func (g *WorkflowGraph) Outgoing(nodeID string) []*Edge {
	var out []*Edge

	for _, e := range g.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}

	return out
}

// Incoming returns all edges entering the given node.
func (g *WorkflowGraph) Incoming(nodeID string) []*Edge {
	var in []*Edge

	for _, e := range g.Edges {
		if e.To == nodeID {
			in = append(in, e)
		}
	}

	return in
}

// Roots returns the entry nodes of the graph: top-level nodes with no
// incoming edges other than loop back-edges.
func (g *WorkflowGraph) Roots() []*GraphNode {
	var roots []*GraphNode

	for _, n := range g.Nodes {
		if n.ParentID != "" {
			continue
		}

		entry := true

		for _, e := range g.Incoming(n.ID) {
			if !e.LoopBack {
				entry = false

				break
			}
		}

		if entry {
			roots = append(roots, n)
		}
	}

	return roots
}

// Children returns the direct members of a container node.
func (g *WorkflowGraph) Children(containerID string) []*GraphNode {
	var children []*GraphNode

	for _, n := range g.Nodes {
		if n.ParentID == containerID {
			children = append(children, n)
		}
	}

	return children
}

// EntryNodes returns the container members with no incoming edges from
// sibling members (ignoring loop back-edges). These are the nodes activated
// when the container itself activates.
func (g *WorkflowGraph) EntryNodes(containerID string) []*GraphNode {
	members := make(map[string]bool)
	for _, n := range g.Children(containerID) {
		members[n.ID] = true
	}

	var entries []*GraphNode

	for _, n := range g.Children(containerID) {
		entry := true

		for _, e := range g.Incoming(n.ID) {
			if e.LoopBack {
				continue
			}

			if members[e.From] {
				entry = false

				break
			}
		}

		if entry {
			entries = append(entries, n)
		}
	}

	return entries
}

// ExitNodes returns the container members with no outgoing edges to sibling
// members (ignoring loop back-edges). Container completion is the AND-join
// of these.
func (g *WorkflowGraph) ExitNodes(containerID string) []*GraphNode {
	members := make(map[string]bool)
	for _, n := range g.Children(containerID) {
		members[n.ID] = true
	}

	var exits []*GraphNode

	for _, n := range g.Children(containerID) {
		exit := true

		for _, e := range g.Outgoing(n.ID) {
			if e.LoopBack {
				continue
			}

			if members[e.To] {
				exit = false

				break
			}
		}

		if exit {
			exits = append(exits, n)
		}
	}

	return exits
}

// ContainerOf walks the membership chain upward and returns the nearest
// enclosing container of the given kind, or nil.
func (g *WorkflowGraph) ContainerOf(nodeID string, kind NodeKind) *GraphNode {
	n := g.NodeByID(nodeID)
	for n != nil && n.ParentID != "" {
		parent := g.NodeByID(n.ParentID)
		if parent == nil {
			return nil
		}

		if parent.Kind == kind {
			return parent
		}

		n = parent
	}

	return nil
}
