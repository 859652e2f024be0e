package engine

import (
	"context"
	"sync"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/protocol"
)

// runParallel executes a parallel container to completion within the
// current command. Sibling branches advance level by level: every active
// action node's tool call is dispatched to its own goroutine, the actor
// awaits them all, and their results are merged back in node-id order so
// bindings stay deterministic. The container's successors only activate
// after the join, once every branch has finished.
func (x *executor) runParallel(ctx context.Context, work *models.ExecutionContext, container *models.GraphNode) error {
	for _, entry := range x.graph.EntryNodes(container.ID) {
		work.AddToCursor(entry.ID)
	}

	for {
		active := x.activeDescendants(work, container.ID)
		if len(active) == 0 {
			break
		}

		before := signature(work)

		var actions, structural []*models.GraphNode

		for _, id := range active {
			node := x.graph.NodeByID(id)

			switch {
			case node.Kind == models.NodeKindAction:
				actions = append(actions, node)
			case node.Kind == models.NodeKindLoop && work.LoopCounts[node.ID] > 0:
				// Body in progress; the loop advances through its members
				// and the settle pass below.
			default:
				structural = append(structural, node)
			}
		}

		type toolResult struct {
			node   *models.GraphNode
			output *protocol.ToolOutput
			err    error
		}

		results := make([]toolResult, len(actions))
		snapshot := work.Clone()

		var wg sync.WaitGroup

		for i, node := range actions {
			wg.Add(1)

			go func(i int, node *models.GraphNode) {
				defer wg.Done()

				output, err := x.executeTool(ctx, snapshot, node)
				results[i] = toolResult{node: node, output: output, err: err}
			}(i, node)
		}

		wg.Wait()

		for _, res := range results {
			if res.err != nil {
				return res.err
			}

			mergeOutput(work, res.node, res.output)
			x.completeAndAdvance(work, res.node, nil)
		}

		for _, node := range structural {
			if !work.ActiveNode(node.ID) {
				continue
			}

			err := x.advanceNode(ctx, work, node.ID)
			if err != nil {
				return err
			}
		}

		err := x.settle(work)
		if err != nil {
			return err
		}

		if signature(work) == before {
			return models.NewEngineError(models.KindInternal,
				"parallel container %s made no progress", container.ID)
		}
	}

	x.completeAndAdvance(work, container, nil)

	return nil
}

// activeDescendants returns the cursor entries living anywhere inside the
// container, sorted because the cursor is sorted.
func (x *executor) activeDescendants(work *models.ExecutionContext, containerID string) []string {
	var active []string

	for _, id := range work.Cursor {
		if x.isDescendantOf(id, containerID) {
			active = append(active, id)
		}
	}

	return active
}

func (x *executor) isDescendantOf(nodeID, containerID string) bool {
	node := x.graph.NodeByID(nodeID)
	for node != nil && node.ParentID != "" {
		if node.ParentID == containerID {
			return true
		}

		node = x.graph.NodeByID(node.ParentID)
	}

	return false
}

// signature captures the progress-relevant state of a context so a stalled
// traversal can be detected instead of spinning.
func signature(work *models.ExecutionContext) string {
	sig := ""
	for _, id := range work.Cursor {
		sig += "c" + id + ";"
	}

	for _, id := range work.Completed {
		sig += "d" + id + ";"
	}

	for _, id := range work.Skipped {
		sig += "s" + id + ";"
	}

	return sig
}
