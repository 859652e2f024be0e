// Package statesync arbitrates concurrent commands from the visual and
// conversational surfaces against a single execution context.
//
// Every command carries the context version its issuer last observed.
// Commands at the current version pass through. Stale commands are
// coalesced when their effect is already present or independent of the
// intervening changes; genuine conflicts are rejected with the latest
// known state so the issuer can refresh and retry.
package statesync

import (
	"reflect"

	"github.com/duetflow/duetflow/pkg/models"
)

// Decision is the outcome of resolving a command against the current
// execution context.
type Decision int

const (
	// Apply means the command should be executed normally.
	Apply Decision = iota
	// Coalesce means the command's effect is already reflected in the
	// current state and it should be acknowledged without re-applying.
	Coalesce
)

// Resolver checks command versions and decides between apply, coalesce
// and conflict.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve compares the command's expected version with the live context.
// It returns a *models.ConflictError carrying a snapshot of the current
// context when the command cannot be safely applied or coalesced.
func (r *Resolver) Resolve(current *models.ExecutionContext, cmd *models.Command) (Decision, error) {
	if cmd.ExpectedVersion == current.Version {
		return Apply, nil
	}

	if cmd.ExpectedVersion > current.Version {
		// The issuer claims to have seen a future version. That only
		// happens on corrupted clients; treat it as a conflict.
		return Apply, conflict(current, cmd)
	}

	if r.coalescible(current, cmd) {
		return Coalesce, nil
	}

	return Apply, conflict(current, cmd)
}

// coalescible reports whether a stale command's intent is already
// satisfied by the current context, making re-application a no-op.
func (r *Resolver) coalescible(current *models.ExecutionContext, cmd *models.Command) bool {
	switch cmd.Kind {
	case models.CommandPause:
		return current.Status == models.RunStatusPaused
	case models.CommandResume:
		return current.Status == models.RunStatusRunning
	case models.CommandCancel:
		return current.Status.Terminal()
	case models.CommandSwitchMode:
		return current.Mode == cmd.TargetMode
	case models.CommandSetVariable:
		got, ok := current.Bindings[cmd.VariableName]

		return ok && reflect.DeepEqual(got, cmd.VariableValue)
	case models.CommandAdvanceNode:
		// Advancing a node that some other surface already completed is
		// the canonical double-submit; acknowledge it instead of failing.
		return current.CompletedNode(cmd.TargetNodeID)
	default:
		return false
	}
}

func conflict(current *models.ExecutionContext, cmd *models.Command) error {
	return &models.ConflictError{
		RunID:           current.RunID,
		ExpectedVersion: cmd.ExpectedVersion,
		CurrentVersion:  current.Version,
		LastKnown:       current.Clone(),
	}
}
