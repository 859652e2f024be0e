package engine

import (
	"context"
	"sort"

	"github.com/duetflow/duetflow/pkg/journey"
	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/protocol"
)

// executor carries the graph-traversal semantics for one graph. The actor
// uses one bound to its run graph; subgraph nodes create a nested executor
// over the referenced graph.
type executor struct {
	eng   *Engine
	act   *actor
	graph *models.WorkflowGraph
}

func (a *actor) exec() *executor {
	return &executor{eng: a.engine, act: a, graph: a.graph}
}

func (a *actor) advanceNode(ctx context.Context, work *models.ExecutionContext, nodeID string) error {
	return a.exec().advanceNode(ctx, work, nodeID)
}

// advanceNode completes one active node and moves the cursor. The per-kind
// behavior is a single exhaustive switch over NodeKind.
func (x *executor) advanceNode(ctx context.Context, work *models.ExecutionContext, nodeID string) error {
	node := x.graph.NodeByID(nodeID)
	if node == nil {
		return models.NewEngineError(models.KindInvalidTransition,
			"node %s does not exist in workflow %s", nodeID, x.graph.ID)
	}

	if !work.ActiveNode(nodeID) {
		return models.NewEngineError(models.KindInvalidTransition,
			"node %s is not reachable from the current cursor", nodeID)
	}

	switch node.Kind {
	case models.NodeKindAction:
		output, err := x.executeTool(ctx, work, node)
		if err != nil {
			return err
		}

		mergeOutput(work, node, output)
		x.completeAndAdvance(work, node, nil)
	case models.NodeKindSubgraph:
		err := x.executeSubgraph(ctx, work, node)
		if err != nil {
			return err
		}

		x.completeAndAdvance(work, node, nil)
	case models.NodeKindCondition:
		chosen, err := x.resolveBranch(work, node)
		if err != nil {
			return err
		}

		x.skipUnchosen(work, node, chosen)
		x.completeAndAdvance(work, node, chosen)
	case models.NodeKindLoop:
		if work.LoopCounts[node.ID] > 0 {
			return models.NewEngineError(models.KindInvalidTransition,
				"loop %s body is already in progress", node.ID)
		}

		err := x.enterLoop(work, node)
		if err != nil {
			return err
		}
	case models.NodeKindParallel:
		err := x.runParallel(ctx, work, node)
		if err != nil {
			return err
		}
	default:
		return models.NewEngineError(models.KindInvalidTransition,
			"node %s has unknown kind %q", node.ID, node.Kind)
	}

	return x.settle(work)
}

// advanceStep drives the run through the journey surface: it completes, in
// order, every node belonging to the addressed step. A Sequential step
// executes its whole collapsed chain in one turn; a LoopPrompt step drives
// the container and its body until the loop exits.
func (a *actor) advanceStep(ctx context.Context, work *models.ExecutionContext, stepID string) error {
	if a.journey == nil {
		return models.NewEngineError(models.KindUnmappableGraph,
			"workflow %s has no conversational projection", work.WorkflowID)
	}

	step := a.journey.StepByID(stepID)
	if step == nil {
		return models.NewEngineError(models.KindInvalidTransition,
			"step %s does not exist in the journey", stepID)
	}

	nodeIDs := stepNodes(step)
	x := a.exec()
	progressed := false

	for {
		nodeID := nextActiveStepNode(work, nodeIDs)
		if nodeID == "" {
			break
		}

		err := x.advanceNode(ctx, work, nodeID)
		if err != nil {
			return err
		}

		progressed = true
	}

	if !progressed {
		return models.NewEngineError(models.KindInvalidTransition,
			"step %s is not reachable from the current position", stepID)
	}

	return nil
}

// stepNodes flattens a step's source nodes together with the interiors of
// any container steps nested under it, in projection order, so one step
// address covers everything the step puts on the cursor.
func stepNodes(step *journey.JourneyStep) []string {
	ids := append([]string(nil), step.SourceNodeIDs...)

	for _, nested := range step.Body {
		ids = append(ids, stepNodes(nested)...)
	}

	for _, branch := range step.Branches {
		for _, nested := range branch.Steps {
			ids = append(ids, stepNodes(nested)...)
		}
	}

	return ids
}

// nextActiveStepNode returns the first of the step's nodes, in projection
// order, that can be advanced now. A loop container with an open invocation
// stays on the cursor while its body runs, so it is passed over in favor of
// the body nodes; settle completes it once the body is done.
func nextActiveStepNode(work *models.ExecutionContext, nodeIDs []string) string {
	for _, id := range nodeIDs {
		if !work.ActiveNode(id) {
			continue
		}

		if work.LoopCounts[id] > 0 {
			continue
		}

		return id
	}

	return ""
}

// completeAndAdvance marks the node done and activates every successor
// whose incoming edges are now all satisfied, the AND-join rule. When
// chosen is non-nil only that condition edge is followed.
func (x *executor) completeAndAdvance(work *models.ExecutionContext, node *models.GraphNode, chosen *models.Edge) {
	work.MarkCompleted(node.ID)

	edges := x.forwardOutgoing(node.ID)
	if chosen != nil {
		edges = []*models.Edge{chosen}
	}

	for _, edge := range edges {
		if x.canActivate(work, edge.To) {
			work.AddToCursor(edge.To)
		}
	}
}

// canActivate implements the AND-join: a node activates only when every
// non-loopback incoming edge originates from a completed or skipped node.
func (x *executor) canActivate(work *models.ExecutionContext, nodeID string) bool {
	if work.CompletedNode(nodeID) || work.ActiveNode(nodeID) {
		return false
	}

	for _, edge := range x.forwardIncoming(nodeID) {
		if !work.CompletedNode(edge.From) {
			return false
		}
	}

	return true
}

// resolveBranch evaluates the condition node's outgoing edges against the
// run's bindings. Conditional edges are checked in edge-id order; the
// default edge only fires when nothing else matches. Clients never pick
// the branch themselves.
func (x *executor) resolveBranch(work *models.ExecutionContext, node *models.GraphNode) (*models.Edge, error) {
	edges := x.forwardOutgoing(node.ID)
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	var fallback *models.Edge

	for _, edge := range edges {
		if edge.Default {
			fallback = edge

			continue
		}

		cond, err := models.ParseCondition(edge.Condition)
		if err != nil {
			return nil, models.WrapEngineError(models.KindInternal, err,
				"invalid condition on edge %s", edge.ID)
		}

		match, err := cond.Evaluate(work.Bindings)
		if err != nil {
			return nil, models.WrapEngineError(models.KindInternal, err,
				"failed to evaluate condition on edge %s", edge.ID)
		}

		if match {
			return edge, nil
		}
	}

	if fallback == nil {
		return nil, models.NewEngineError(models.KindInvalidTransition,
			"condition %s matched no branch and has no default edge", node.ID)
	}

	return fallback, nil
}

// skipUnchosen marks every node reachable only through the unchosen
// branches as completed-but-skipped, so the downstream join is not blocked.
// Nodes the chosen branch also reaches (the join itself) are left alone.
func (x *executor) skipUnchosen(work *models.ExecutionContext, node *models.GraphNode, chosen *models.Edge) {
	chosenReach := x.forwardReach(chosen.To)

	for _, edge := range x.forwardOutgoing(node.ID) {
		if edge.ID == chosen.ID {
			continue
		}

		for id := range x.forwardReach(edge.To) {
			if chosenReach[id] || work.CompletedNode(id) {
				continue
			}

			x.markSkippedDeep(work, id)
		}
	}
}

// forwardReach returns every node reachable from start through forward
// (non-loopback) edges, start included. Container interiors are not
// entered; markSkippedDeep handles them.
func (x *executor) forwardReach(start string) map[string]bool {
	reach := map[string]bool{}
	stack := []string{start}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if reach[id] {
			continue
		}

		reach[id] = true

		for _, edge := range x.forwardOutgoing(id) {
			stack = append(stack, edge.To)
		}
	}

	return reach
}

// markSkippedDeep skips a node and, for containers, its whole interior.
func (x *executor) markSkippedDeep(work *models.ExecutionContext, nodeID string) {
	work.MarkSkipped(nodeID)

	for _, child := range x.graph.Children(nodeID) {
		x.markSkippedDeep(work, child.ID)
	}
}

// enterLoop starts the container's next iteration: bumps the per-invocation
// counter and activates the body's entry nodes. The container stays on the
// cursor while its body runs.
func (x *executor) enterLoop(work *models.ExecutionContext, node *models.GraphNode) error {
	bound := x.loopBound(node)

	count := work.LoopCounts[node.ID]
	if count >= bound {
		return models.NewEngineError(models.KindLoopBoundExceeded,
			"loop %s exceeded its iteration bound of %d", node.ID, bound)
	}

	if work.LoopCounts == nil {
		work.LoopCounts = map[string]int{}
	}

	work.LoopCounts[node.ID] = count + 1

	for _, entry := range x.graph.EntryNodes(node.ID) {
		work.AddToCursor(entry.ID)
	}

	return nil
}

func (x *executor) loopBound(node *models.GraphNode) int {
	if node.MaxIterations > 0 {
		return node.MaxIterations
	}

	return x.eng.config.DefaultLoopBound
}

// settle drives every entered loop whose body just finished: re-enter when
// the continue-condition holds (within the iteration bound), complete the
// container otherwise. Runs to a fixpoint so nested loops unwind inside
// out, then detects overall run completion.
func (x *executor) settle(work *models.ExecutionContext) error {
	for {
		progressed := false

		for _, id := range append([]string(nil), work.Cursor...) {
			node := x.graph.NodeByID(id)
			if node == nil || node.Kind != models.NodeKindLoop {
				continue
			}

			if work.LoopCounts[id] == 0 || !x.bodyDone(work, node) {
				continue
			}

			cont, err := x.evalContinue(work, node)
			if err != nil {
				return err
			}

			if !cont {
				x.exitLoop(work, node)

				progressed = true

				continue
			}

			err = x.restartLoop(work, node)
			if err != nil {
				return err
			}

			progressed = true
		}

		if !progressed {
			break
		}
	}

	if len(work.Cursor) == 0 && work.Status == models.RunStatusRunning {
		work.Status = models.RunStatusCompleted
	}

	return nil
}

// bodyDone reports whether every direct member of the container has
// completed or been skipped this iteration.
func (x *executor) bodyDone(work *models.ExecutionContext, container *models.GraphNode) bool {
	for _, child := range x.graph.Children(container.ID) {
		if !work.CompletedNode(child.ID) {
			return false
		}
	}

	return true
}

func (x *executor) evalContinue(work *models.ExecutionContext, node *models.GraphNode) (bool, error) {
	if node.ContinueExpr == "" {
		return false, nil
	}

	cond, err := models.ParseCondition(node.ContinueExpr)
	if err != nil {
		return false, models.WrapEngineError(models.KindInternal, err,
			"invalid continue condition on loop %s", node.ID)
	}

	cont, err := cond.Evaluate(work.Bindings)
	if err != nil {
		return false, models.WrapEngineError(models.KindInternal, err,
			"failed to evaluate continue condition on loop %s", node.ID)
	}

	return cont, nil
}

// restartLoop clears the body's completion state and re-enters it. The
// iteration bound is enforced here so a condition that never turns false
// fails the run instead of spinning.
func (x *executor) restartLoop(work *models.ExecutionContext, node *models.GraphNode) error {
	bound := x.loopBound(node)
	if work.LoopCounts[node.ID] >= bound {
		return models.NewEngineError(models.KindLoopBoundExceeded,
			"loop %s exceeded its iteration bound of %d", node.ID, bound)
	}

	x.clearBody(work, node)
	work.LoopCounts[node.ID]++

	for _, entry := range x.graph.EntryNodes(node.ID) {
		work.AddToCursor(entry.ID)
	}

	return nil
}

// exitLoop completes the container and ends its invocation, resetting the
// counter so an enclosing loop can re-enter it fresh.
func (x *executor) exitLoop(work *models.ExecutionContext, node *models.GraphNode) {
	delete(work.LoopCounts, node.ID)
	x.completeAndAdvance(work, node, nil)
}

// clearBody resets completion state and nested invocation counters for the
// container's whole interior.
func (x *executor) clearBody(work *models.ExecutionContext, container *models.GraphNode) {
	var members []string

	var collect func(id string)
	collect = func(id string) {
		for _, child := range x.graph.Children(id) {
			members = append(members, child.ID)

			if child.Kind == models.NodeKindLoop || child.Kind == models.NodeKindParallel {
				delete(work.LoopCounts, child.ID)
			}

			collect(child.ID)
		}
	}
	collect(container.ID)

	work.ClearLoopBody(members)
}

func (x *executor) forwardOutgoing(nodeID string) []*models.Edge {
	var edges []*models.Edge

	for _, e := range x.graph.Outgoing(nodeID) {
		if !e.LoopBack {
			edges = append(edges, e)
		}
	}

	return edges
}

func (x *executor) forwardIncoming(nodeID string) []*models.Edge {
	var edges []*models.Edge

	for _, e := range x.graph.Incoming(nodeID) {
		if !e.LoopBack {
			edges = append(edges, e)
		}
	}

	return edges
}

// executeSubgraph runs the referenced published graph to completion inside
// the parent command, with the parent's bindings visible, and merges the
// child's bindings back under the node's output name.
func (x *executor) executeSubgraph(ctx context.Context, work *models.ExecutionContext, node *models.GraphNode) error {
	if node.SubgraphID == "" {
		return models.NewEngineError(models.KindInvalidTransition,
			"subgraph node %s references no workflow", node.ID)
	}

	sub, err := x.eng.persistence.Graphs().GetByID(ctx, node.SubgraphID)
	if err != nil {
		return models.WrapEngineError(models.KindToolError, err,
			"failed to load subgraph %s", node.SubgraphID)
	}

	if sub.Status != models.GraphStatusPublished {
		return models.NewEngineError(models.KindToolError,
			"subgraph %s is not published", sub.ID)
	}

	child := &models.ExecutionContext{
		RunID:      work.RunID + "/" + node.ID,
		WorkflowID: sub.ID,
		GraphHash:  sub.ContentHash(),
		Mode:       work.Mode,
		Status:     models.RunStatusRunning,
		Bindings:   cloneBindings(work.Bindings),
		LoopCounts: map[string]int{},
		CreatedAt:  work.CreatedAt,
	}

	for name, value := range sub.Variables {
		if _, ok := child.Bindings[name]; !ok {
			child.Bindings[name] = value
		}
	}

	nested := &executor{eng: x.eng, act: x.act, graph: sub}

	err = nested.autoDrive(ctx, child)
	if err != nil {
		return err
	}

	work.Bindings[outputName(node)] = child.Bindings

	return nil
}

// autoDrive executes a run without external commands, always advancing the
// lexicographically smallest active node. Loop bounds keep it finite.
func (x *executor) autoDrive(ctx context.Context, work *models.ExecutionContext) error {
	for _, root := range x.graph.Roots() {
		work.AddToCursor(root.ID)
	}

	for len(work.Cursor) > 0 {
		err := x.advanceNode(ctx, work, work.Cursor[0])
		if err != nil {
			return err
		}
	}

	return nil
}

// mergeOutput folds a tool result into the bindings under the node's
// output name (the "output" parameter, or the node id).
func mergeOutput(work *models.ExecutionContext, node *models.GraphNode, output *protocol.ToolOutput) {
	if output == nil || output.Data == nil {
		return
	}

	if work.Bindings == nil {
		work.Bindings = map[string]any{}
	}

	work.Bindings[outputName(node)] = output.Data
}

func outputName(node *models.GraphNode) string {
	if name, ok := node.Parameters["output"].(string); ok && name != "" {
		return name
	}

	return node.ID
}
