package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable machine-readable code carried by every externally
// observable failure. Both a visual badge and a chat reply derive from the
// same value.
type ErrorKind string

const (
	// KindUnmappableGraph: the graph cannot be projected to a journey;
	// conversational and hybrid mode are rejected until the graph is edited.
	KindUnmappableGraph ErrorKind = "unmappable_graph"

	// KindInvalidTransition: the command is not reachable from the current
	// cursor or run status. Never retried automatically.
	KindInvalidTransition ErrorKind = "invalid_transition"

	// KindConflict: optimistic-version mismatch with a genuinely
	// conflicting command. The losing client must refetch and decide.
	KindConflict ErrorKind = "conflict"

	// KindToolError: a delegated side effect failed after the engine's
	// retry budget was spent (or the error class was not retryable).
	KindToolError ErrorKind = "tool_error"

	// Terminal run failures; a new run must be started.
	KindLoopBoundExceeded   ErrorKind = "loop_bound_exceeded"
	KindCancelledForcefully ErrorKind = "cancelled_forcefully"
	KindTimeoutExceeded     ErrorKind = "timeout_exceeded"

	// Structural-change failures, always accompanied by automatic rollback.
	KindMigrationError ErrorKind = "migration_error"
	KindRestoreError   ErrorKind = "restore_error"

	// KindBackpressure: the run's command queue is full. Transient, safe
	// to retry after a delay, never indicates data loss.
	KindBackpressure ErrorKind = "backpressure"

	KindNotFound ErrorKind = "not_found"
	KindInternal ErrorKind = "internal"
)

// EngineError is an error value tagged with a taxonomy kind and an optional
// human-readable explanation.
type EngineError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a tagged error with a formatted detail message.
func NewEngineError(kind ErrorKind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapEngineError tags an underlying error with a taxonomy kind.
func WrapEngineError(kind ErrorKind, err error, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the taxonomy kind from any error in the chain, defaulting
// to KindInternal for untagged errors.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}

	var ce *ConflictError
	if errors.As(err, &ce) {
		return KindConflict
	}

	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ConflictError rejects a genuinely conflicting command and hands the
// losing client the state it needs to re-derive a valid one.
type ConflictError struct {
	RunID           string            `json:"run_id"`
	ExpectedVersion int64             `json:"expected_version"`
	CurrentVersion  int64             `json:"current_version"`
	LastKnown       *ExecutionContext `json:"last_known"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on run %s: command expected version %d, current is %d",
		e.RunID, e.ExpectedVersion, e.CurrentVersion)
}

// Retryable reports whether the failure is transient and safe to resubmit
// unchanged after a delay.
func Retryable(kind ErrorKind) bool {
	return kind == KindBackpressure
}

// RecoveryActions lists the operations valid from a failure of the given
// kind, so the conversational surface can offer them as replies.
func RecoveryActions(kind ErrorKind) []string {
	switch kind {
	case KindUnmappableGraph:
		return []string{"edit workflow", "run in visual mode"}
	case KindInvalidTransition, KindConflict:
		return []string{"refresh state", "retry"}
	case KindToolError:
		return []string{"retry", "edit workflow", "start new run"}
	case KindLoopBoundExceeded, KindCancelledForcefully, KindTimeoutExceeded:
		return []string{"edit workflow", "start new run"}
	case KindMigrationError, KindRestoreError:
		return []string{"retry", "inspect checkpoints"}
	case KindBackpressure:
		return []string{"retry"}
	default:
		return []string{"start new run"}
	}
}
