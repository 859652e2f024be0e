// Package persistence provides standardized error types for persistence
// operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrGraphNotFound indicates a workflow graph was not found.
	ErrGraphNotFound = errors.New("workflow graph not found")

	// ErrRunNotFound indicates an execution context was not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrCheckpointNotFound indicates a checkpoint was not found.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrDeltaGap indicates the requested delta range is older than the
	// retained log; the caller needs a full snapshot instead.
	ErrDeltaGap = errors.New("delta log gap: requested range no longer retained")
)

// RunError wraps run-related errors with operation context.
type RunError struct {
	Op    string // Operation being performed (e.g., "GetByID", "Save")
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// GraphError wraps graph-related errors with operation context.
type GraphError struct {
	Op      string
	GraphID string
	Err     error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("%s operation failed for graph %s: %v", e.Op, e.GraphID, e.Err)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

func (e *GraphError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewGraphError creates a graph error with context.
func NewGraphError(op, graphID string, err error) *GraphError {
	return &GraphError{Op: op, GraphID: graphID, Err: err}
}

// IsGraphNotFound checks if an error indicates a missing graph.
func IsGraphNotFound(err error) bool {
	return errors.Is(err, ErrGraphNotFound)
}

// IsRunNotFound checks if an error indicates a missing run.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsCheckpointNotFound checks if an error indicates a missing checkpoint.
func IsCheckpointNotFound(err error) bool {
	return errors.Is(err, ErrCheckpointNotFound)
}

// IsDeltaGap checks if an error indicates the delta log no longer covers
// the requested range.
func IsDeltaGap(err error) bool {
	return errors.Is(err, ErrDeltaGap)
}
