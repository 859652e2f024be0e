package models

import "time"

// Checkpoint is an immutable snapshot of a run's graph and execution state.
// Checkpoints are taken before risky operations (mode switches, structural
// edits against an active run) and retained until pruned or superseded.
type Checkpoint struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Reason    string            `json:"reason"`
	Graph     *WorkflowGraph    `json:"graph"`
	Context   *ExecutionContext `json:"context"`
	CreatedAt time.Time         `json:"created_at"`
}
