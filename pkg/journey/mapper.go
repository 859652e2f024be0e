package journey

import (
	"fmt"
	"sort"
	"sync"

	"github.com/duetflow/duetflow/pkg/models"
)

// Mapper converts workflow graphs into journeys, caching the result by
// graph content hash: mapping is deterministic and pure given the same
// content, so a structurally unchanged graph never remaps.
type Mapper struct {
	mu    sync.RWMutex
	cache map[string]*Journey
}

func NewMapper() *Mapper {
	return &Mapper{cache: make(map[string]*Journey)}
}

// Map returns the journey for the graph, reusing the cached projection when
// the content hash matches.
func (m *Mapper) Map(graph *models.WorkflowGraph) (*Journey, error) {
	hash := graph.ContentHash()

	m.mu.RLock()
	cached, ok := m.cache[hash]
	m.mu.RUnlock()

	if ok {
		return cached, nil
	}

	journey, err := MapGraph(graph)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[hash] = journey
	m.mu.Unlock()

	return journey, nil
}

// Invalidate drops the cached journey for a content hash after a graph edit.
func (m *Mapper) Invalidate(hash string) {
	m.mu.Lock()
	delete(m.cache, hash)
	m.mu.Unlock()
}

// MapGraph projects a graph to its journey. It fails with an
// unmappable_graph error (it never silently degrades) when the graph is
// structurally inexpressible as a conversational sequence: a condition node
// without a default edge, or a loop container shared across parallel
// branches. Such graphs remain executable in visual mode.
func MapGraph(graph *models.WorkflowGraph) (*Journey, error) {
	w := &mapWalk{graph: graph}

	steps, err := w.mapScope("", nil)
	if err != nil {
		return nil, err
	}

	j := &Journey{
		WorkflowID: graph.ID,
		GraphHash:  graph.ContentHash(),
		Steps:      steps,
	}
	j.index()

	return j, nil
}

type mapWalk struct {
	graph   *models.WorkflowGraph
	counter int
}

func (w *mapWalk) nextStepID() string {
	w.counter++

	return fmt.Sprintf("step-%03d", w.counter)
}

// mapScope maps the sibling nodes under parentID (restricted to include,
// when non-nil) into an ordered step sequence. Walk order is a topological
// sort with lexicographic tie-breaking, so mapping is deterministic.
func (w *mapWalk) mapScope(parentID string, include map[string]bool) ([]*JourneyStep, error) {
	scope := make(map[string]*models.GraphNode)

	for _, n := range w.graph.Nodes {
		if n.ParentID != parentID {
			continue
		}

		if include != nil && !include[n.ID] {
			continue
		}

		scope[n.ID] = n
	}

	order := w.topoOrder(scope)
	consumed := make(map[string]bool, len(order))

	var steps []*JourneyStep

	for _, id := range order {
		if consumed[id] {
			continue
		}

		node := scope[id]

		var (
			step *JourneyStep
			err  error
		)

		switch node.Kind {
		case models.NodeKindAction, models.NodeKindSubgraph:
			step = w.mapChain(node, scope, consumed)
		case models.NodeKindCondition:
			step, err = w.mapBranch(node)
		case models.NodeKindLoop:
			step, err = w.mapLoop(node)
		case models.NodeKindParallel:
			step, err = w.mapParallel(node)
		}

		if err != nil {
			return nil, err
		}

		consumed[node.ID] = true
		steps = append(steps, step)
	}

	return steps, nil
}

// mapChain collapses a maximal single-predecessor/single-successor run of
// action nodes into one sequential step.
func (w *mapWalk) mapChain(start *models.GraphNode, scope map[string]*models.GraphNode, consumed map[string]bool) *JourneyStep {
	chain := []string{start.ID}
	cur := start

	for {
		out := w.forwardEdges(cur.ID)
		if len(out) != 1 {
			break
		}

		next, ok := scope[out[0].To]
		if !ok || consumed[next.ID] {
			break
		}

		if next.Kind != models.NodeKindAction && next.Kind != models.NodeKindSubgraph {
			break
		}

		if len(w.forwardIncoming(next.ID)) != 1 {
			break
		}

		chain = append(chain, next.ID)
		consumed[next.ID] = true
		cur = next
	}

	return &JourneyStep{
		ID:            w.nextStepID(),
		Kind:          StepKindSequential,
		Name:          start.Name,
		SourceNodeIDs: chain,
	}
}

func (w *mapWalk) mapBranch(node *models.GraphNode) (*JourneyStep, error) {
	out := w.forwardEdges(node.ID)

	var options []BranchOption

	hasDefault := false

	for _, e := range out {
		label := e.Label
		if label == "" {
			label = e.Condition
		}

		if e.Default {
			hasDefault = true

			if label == "" {
				label = "otherwise"
			}
		}

		options = append(options, BranchOption{
			Label:     label,
			Condition: e.Condition,
			Default:   e.Default,
			NodeID:    e.To,
		})
	}

	if !hasDefault {
		return nil, models.NewEngineError(models.KindUnmappableGraph,
			"condition node %s has no default edge; a conversational branch needs an otherwise option", node.ID)
	}

	// Default last, the rest by target id, so option order is stable.
	sort.Slice(options, func(i, j int) bool {
		if options[i].Default != options[j].Default {
			return !options[i].Default
		}

		return options[i].NodeID < options[j].NodeID
	})

	return &JourneyStep{
		ID:            w.nextStepID(),
		Kind:          StepKindBranch,
		Name:          node.Name,
		SourceNodeIDs: []string{node.ID},
		Options:       options,
	}, nil
}

func (w *mapWalk) mapLoop(node *models.GraphNode) (*JourneyStep, error) {
	body, err := w.mapScope(node.ID, nil)
	if err != nil {
		return nil, err
	}

	return &JourneyStep{
		ID:            w.nextStepID(),
		Kind:          StepKindLoopPrompt,
		Name:          node.Name,
		SourceNodeIDs: []string{node.ID},
		Restartable:   true,
		Body:          body,
	}, nil
}

func (w *mapWalk) mapParallel(node *models.GraphNode) (*JourneyStep, error) {
	entries := w.graph.EntryNodes(node.ID)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	// Branch membership: everything reachable from each entry among the
	// container's members. A loop container reachable from two entries is a
	// cycle spanning parallel branches and cannot become a single-threaded
	// prompt sequence.
	members := make(map[string]*models.GraphNode)
	for _, c := range w.graph.Children(node.ID) {
		members[c.ID] = c
	}

	reach := make(map[string][]string) // member id -> entry ids that reach it

	for _, entry := range entries {
		for id := range w.reachableWithin(entry.ID, members) {
			reach[id] = append(reach[id], entry.ID)
		}
	}

	for id, froms := range reach {
		if len(froms) > 1 && members[id].Kind == models.NodeKindLoop {
			return nil, models.NewEngineError(models.KindUnmappableGraph,
				"loop container %s is shared across parallel branches of %s", id, node.ID)
		}
	}

	claimed := make(map[string]bool)

	var branches []*ParallelBranch

	for _, entry := range entries {
		include := make(map[string]bool)

		for id := range w.reachableWithin(entry.ID, members) {
			if !claimed[id] {
				include[id] = true
				claimed[id] = true
			}
		}

		steps, err := w.mapScope(node.ID, include)
		if err != nil {
			return nil, err
		}

		branches = append(branches, &ParallelBranch{EntryNodeID: entry.ID, Steps: steps})
	}

	return &JourneyStep{
		ID:            w.nextStepID(),
		Kind:          StepKindParallelGroup,
		Name:          node.Name,
		SourceNodeIDs: []string{node.ID},
		Branches:      branches,
	}, nil
}

// forwardEdges returns the non-loop-back outgoing edges of a node.
func (w *mapWalk) forwardEdges(nodeID string) []*models.Edge {
	var out []*models.Edge

	for _, e := range w.graph.Outgoing(nodeID) {
		if !e.LoopBack {
			out = append(out, e)
		}
	}

	return out
}

func (w *mapWalk) forwardIncoming(nodeID string) []*models.Edge {
	var in []*models.Edge

	for _, e := range w.graph.Incoming(nodeID) {
		if !e.LoopBack {
			in = append(in, e)
		}
	}

	return in
}

func (w *mapWalk) reachableWithin(entryID string, members map[string]*models.GraphNode) map[string]bool {
	seen := make(map[string]bool)

	var visit func(id string)
	visit = func(id string) {
		if seen[id] || members[id] == nil {
			return
		}

		seen[id] = true

		for _, e := range w.forwardEdges(id) {
			visit(e.To)
		}
	}

	visit(entryID)

	return seen
}

// topoOrder sorts a sibling scope topologically over its internal forward
// edges, breaking ties by node id.
func (w *mapWalk) topoOrder(scope map[string]*models.GraphNode) []string {
	indegree := make(map[string]int, len(scope))
	for id := range scope {
		indegree[id] = 0
	}

	for id := range scope {
		for _, e := range w.forwardEdges(id) {
			if _, ok := scope[e.To]; ok {
				indegree[e.To]++
			}
		}
	}

	var ready []string

	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	sort.Strings(ready)

	var order []string

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string

		for _, e := range w.forwardEdges(id) {
			if _, ok := scope[e.To]; !ok {
				continue
			}

			indegree[e.To]--
			if indegree[e.To] == 0 {
				unlocked = append(unlocked, e.To)
			}
		}

		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}

	return order
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}

	return append(append(out, a[i:]...), b[j:]...)
}
