package models

import (
	"errors"
	"fmt"
)

// Structural validation sentinels. Editors surface these verbatim; the
// journey mapper and engine rely on Validate having passed.
var (
	ErrDuplicateNodeID      = errors.New("duplicate node id")
	ErrUnknownNode          = errors.New("edge references unknown node")
	ErrSelfEdge             = errors.New("edge connects a node to itself")
	ErrNoEntryNode          = errors.New("graph has no entry node")
	ErrUnreachableNode      = errors.New("node is unreachable from any entry node")
	ErrIllegalCycle         = errors.New("cycle outside a loop container back-edge")
	ErrLoopBackEdgeCount    = errors.New("loop container must have exactly one back-edge")
	ErrLoopBackEdgeOutside  = errors.New("loop back-edge endpoints must be inside the container")
	ErrInvalidContainer     = errors.New("parent is not a container node")
	ErrContainerCycle       = errors.New("container membership forms a cycle")
	ErrEdgeCrossesContainer = errors.New("edge crosses a container boundary")
	ErrConditionEdges       = errors.New("condition node needs at least two exclusive outgoing edges")
)

// Validate checks the structural invariants every executable graph must
// hold. All violations are reported at once via errors.Join. Journey-driven
// edits and visual edits go through this same path.
func (g *WorkflowGraph) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(g.Nodes))

	for _, n := range g.Nodes {
		if seen[n.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID))
		}

		seen[n.ID] = true
	}

	for _, e := range g.Edges {
		if !seen[e.From] || !seen[e.To] {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrUnknownNode, e.From, e.To))

			continue
		}

		if e.From == e.To {
			errs = append(errs, fmt.Errorf("%w: %s", ErrSelfEdge, e.From))
		}
	}

	if len(errs) > 0 {
		// Later checks assume referential integrity.
		return errors.Join(errs...)
	}

	errs = append(errs, g.validateContainers()...)
	errs = append(errs, g.validateEdgeScope()...)
	errs = append(errs, g.validateLoops()...)
	errs = append(errs, g.validateConditions()...)
	errs = append(errs, g.validateReachability()...)
	errs = append(errs, g.validateAcyclic()...)

	return errors.Join(errs...)
}

func (g *WorkflowGraph) validateContainers() []error {
	var errs []error

	for _, n := range g.Nodes {
		if n.ParentID == "" {
			continue
		}

		parent := g.NodeByID(n.ParentID)
		if parent == nil || (parent.Kind != NodeKindLoop && parent.Kind != NodeKindParallel) {
			errs = append(errs, fmt.Errorf("%w: node %s parent %s", ErrInvalidContainer, n.ID, n.ParentID))

			continue
		}

		visited := map[string]bool{n.ID: true}
		for p := parent; p != nil && p.ParentID != ""; p = g.NodeByID(p.ParentID) {
			if visited[p.ID] {
				errs = append(errs, fmt.Errorf("%w: node %s", ErrContainerCycle, n.ID))

				break
			}

			visited[p.ID] = true
		}
	}

	return errs
}

// Edges connect siblings only; a container talks to the outside through its
// own node, never through a member.
func (g *WorkflowGraph) validateEdgeScope() []error {
	var errs []error

	for _, e := range g.Edges {
		from := g.NodeByID(e.From)
		to := g.NodeByID(e.To)

		if from.ParentID != to.ParentID {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrEdgeCrossesContainer, e.From, e.To))
		}
	}

	return errs
}

func (g *WorkflowGraph) validateLoops() []error {
	var errs []error

	for _, n := range g.Nodes {
		if n.Kind != NodeKindLoop {
			continue
		}

		members := make(map[string]bool)
		for _, c := range g.Children(n.ID) {
			members[c.ID] = true
		}

		backEdges := 0

		for _, e := range g.Edges {
			if !e.LoopBack {
				continue
			}

			if members[e.From] && members[e.To] {
				backEdges++
			}
		}

		if backEdges != 1 {
			errs = append(errs, fmt.Errorf("%w: container %s has %d", ErrLoopBackEdgeCount, n.ID, backEdges))
		}
	}

	// A back-edge outside any loop container is always illegal.
	for _, e := range g.Edges {
		if !e.LoopBack {
			continue
		}

		from := g.NodeByID(e.From)
		if from.ParentID == "" || g.NodeByID(from.ParentID).Kind != NodeKindLoop {
			errs = append(errs, fmt.Errorf("%w: %s -> %s", ErrLoopBackEdgeOutside, e.From, e.To))
		}
	}

	return errs
}

func (g *WorkflowGraph) validateConditions() []error {
	var errs []error

	for _, n := range g.Nodes {
		if n.Kind != NodeKindCondition {
			continue
		}

		out := g.Outgoing(n.ID)
		if len(out) < 2 {
			errs = append(errs, fmt.Errorf("%w: node %s has %d", ErrConditionEdges, n.ID, len(out)))

			continue
		}

		defaults := 0

		for _, e := range out {
			if e.Default {
				defaults++
			} else if e.Condition == "" {
				errs = append(errs, fmt.Errorf("%w: node %s edge %s has no condition", ErrConditionEdges, n.ID, e.ID))
			}
		}

		if defaults > 1 {
			errs = append(errs, fmt.Errorf("%w: node %s has %d default edges", ErrConditionEdges, n.ID, defaults))
		}
	}

	return errs
}

func (g *WorkflowGraph) validateReachability() []error {
	roots := g.Roots()
	if len(roots) == 0 {
		return []error{ErrNoEntryNode}
	}

	visited := make(map[string]bool, len(g.Nodes))

	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}

		visited[id] = true

		// Entering a container activates its entry members.
		for _, entry := range g.EntryNodes(id) {
			walk(entry.ID)
		}

		for _, e := range g.Outgoing(id) {
			if !e.LoopBack {
				walk(e.To)
			}
		}
	}

	for _, r := range roots {
		walk(r.ID)
	}

	var errs []error

	for _, n := range g.Nodes {
		if !visited[n.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnreachableNode, n.ID))
		}
	}

	return errs
}

// The graph with loop back-edges removed must be a DAG: the single cycle per
// loop container is the only legal cycle shape.
func (g *WorkflowGraph) validateAcyclic() []error {
	const (
		white = 0
		grey  = 1
		black = 2
	)

	color := make(map[string]int, len(g.Nodes))

	var cyclic bool

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey

		for _, e := range g.Outgoing(id) {
			if e.LoopBack {
				continue
			}

			switch color[e.To] {
			case white:
				visit(e.To)
			case grey:
				cyclic = true
			}
		}

		color[id] = black
	}

	for _, n := range g.Nodes {
		if color[n.ID] == white {
			visit(n.ID)
		}
	}

	if cyclic {
		return []error{ErrIllegalCycle}
	}

	return nil
}
