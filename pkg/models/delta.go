package models

import (
	"reflect"
	"time"
)

// FieldChange is one field-level difference between two context snapshots.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old,omitempty"`
	New   any    `json:"new,omitempty"`
}

// StateDelta is the minimal diff produced by one accepted command. Deltas
// for a run are totally ordered by the Version they produced; the delta at
// Version v describes the transition from v-1 to v.
type StateDelta struct {
	RunID     string        `json:"run_id"`
	Version   int64         `json:"version"`
	Command   CommandKind   `json:"command"`
	Issuer    IssuerSurface `json:"issuer"`
	Changes   []FieldChange `json:"changes"`
	Summary   string        `json:"summary,omitempty"` // Human-readable, rendered once for all surfaces
	Timestamp time.Time     `json:"timestamp"`
}

// DiffContexts computes the field-level changes between two snapshots of
// the same run. Only fields a command can move are compared.
func DiffContexts(before, after *ExecutionContext) []FieldChange {
	var changes []FieldChange

	add := func(field string, oldV, newV any) {
		if !reflect.DeepEqual(oldV, newV) {
			changes = append(changes, FieldChange{Field: field, Old: oldV, New: newV})
		}
	}

	add("status", before.Status, after.Status)
	add("mode", before.Mode, after.Mode)
	add("cursor", before.Cursor, after.Cursor)
	add("completed", before.Completed, after.Completed)
	add("skipped", before.Skipped, after.Skipped)
	add("loop_counts", before.LoopCounts, after.LoopCounts)
	add("failure_kind", before.FailureKind, after.FailureKind)
	add("failure_detail", before.FailureDetail, after.FailureDetail)

	for name, newV := range after.Bindings {
		oldV, ok := before.Bindings[name]
		if !ok || !reflect.DeepEqual(oldV, newV) {
			changes = append(changes, FieldChange{Field: "bindings." + name, Old: oldV, New: newV})
		}
	}

	for name, oldV := range before.Bindings {
		if _, ok := after.Bindings[name]; !ok {
			changes = append(changes, FieldChange{Field: "bindings." + name, Old: oldV, New: nil})
		}
	}

	return changes
}
