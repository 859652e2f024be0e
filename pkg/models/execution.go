package models

import (
	"sort"
	"time"
)

// ExecutionMode selects which control surfaces may drive a run.
type ExecutionMode string

const (
	ModeVisual         ExecutionMode = "visual"
	ModeConversational ExecutionMode = "conversational"
	ModeHybrid         ExecutionMode = "hybrid"
)

// RunStatus is the lifecycle state of one workflow run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further commands can move the run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ExecutionContext is the single authoritative record of one run. It is
// owned by that run's actor; everything handed to callers is a Clone, so
// external holders only ever see an immutable snapshot plus a version.
type ExecutionContext struct {
	RunID      string        `json:"run_id"`
	WorkflowID string        `json:"workflow_id"` // Published graph the run executes
	GraphHash  string        `json:"graph_hash"`
	Mode       ExecutionMode `json:"mode"`
	Status     RunStatus     `json:"status"`

	// Cursor is the set of currently active node ids, kept sorted so that
	// snapshots and deltas serialize deterministically.
	Cursor    []string `json:"cursor,omitempty"`
	Completed []string `json:"completed,omitempty"`
	Skipped   []string `json:"skipped,omitempty"` // Completed-but-skipped condition branches

	Bindings   map[string]any `json:"bindings,omitempty"`
	LoopCounts map[string]int `json:"loop_counts,omitempty"` // Iterations per container invocation

	// Version increments on every accepted mutation and is the optimistic
	// concurrency token clients echo back on command submission.
	Version int64 `json:"version"`

	FailureKind   ErrorKind `json:"failure_kind,omitempty"`
	FailureDetail string    `json:"failure_detail,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand outside the owning actor.
func (ec *ExecutionContext) Clone() *ExecutionContext {
	cp := *ec
	cp.Cursor = append([]string(nil), ec.Cursor...)
	cp.Completed = append([]string(nil), ec.Completed...)
	cp.Skipped = append([]string(nil), ec.Skipped...)

	if ec.Bindings != nil {
		cp.Bindings = make(map[string]any, len(ec.Bindings))
		for k, v := range ec.Bindings {
			cp.Bindings[k] = v
		}
	}

	if ec.LoopCounts != nil {
		cp.LoopCounts = make(map[string]int, len(ec.LoopCounts))
		for k, v := range ec.LoopCounts {
			cp.LoopCounts[k] = v
		}
	}

	if ec.CompletedAt != nil {
		t := *ec.CompletedAt
		cp.CompletedAt = &t
	}

	return &cp
}

// ActiveNode reports whether the node is currently on the cursor.
func (ec *ExecutionContext) ActiveNode(nodeID string) bool {
	return containsID(ec.Cursor, nodeID)
}

// CompletedNode reports whether the node has completed, skipped branches
// included: a skipped node never blocks an AND-join.
func (ec *ExecutionContext) CompletedNode(nodeID string) bool {
	return containsID(ec.Completed, nodeID) || containsID(ec.Skipped, nodeID)
}

// AddToCursor inserts the node id keeping the cursor sorted and unique.
func (ec *ExecutionContext) AddToCursor(nodeID string) {
	ec.Cursor = insertID(ec.Cursor, nodeID)
}

// RemoveFromCursor drops the node id from the cursor if present.
func (ec *ExecutionContext) RemoveFromCursor(nodeID string) {
	ec.Cursor = removeID(ec.Cursor, nodeID)
}

// MarkCompleted moves the node off the cursor into the completed set.
func (ec *ExecutionContext) MarkCompleted(nodeID string) {
	ec.RemoveFromCursor(nodeID)
	ec.Completed = insertID(ec.Completed, nodeID)
}

// MarkSkipped records an unchosen branch as completed-but-skipped.
func (ec *ExecutionContext) MarkSkipped(nodeID string) {
	ec.RemoveFromCursor(nodeID)
	ec.Skipped = insertID(ec.Skipped, nodeID)
}

// ClearLoopBody resets completion state for a loop container's members so
// the next iteration re-enters them fresh.
func (ec *ExecutionContext) ClearLoopBody(memberIDs []string) {
	for _, id := range memberIDs {
		ec.Completed = removeID(ec.Completed, id)
		ec.Skipped = removeID(ec.Skipped, id)
	}
}

func containsID(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)

	return i < len(ids) && ids[i] == id
}

func insertID(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}

	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id

	return ids
}

func removeID(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i >= len(ids) || ids[i] != id {
		return ids
	}

	return append(ids[:i], ids[i+1:]...)
}
