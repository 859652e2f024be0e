// Package protocol defines the interfaces and contracts for external
// collaborators: tool adapters that perform node side effects and the NLU
// engine that turns utterances into structured intents.
package protocol

import (
	"context"
	"log/slog"
)

// ToolOutput is the result of one delegated side effect, merged into the
// run's variable bindings under the node's output name.
type ToolOutput struct {
	Data map[string]any `json:"data,omitempty"`
}

// ToolErrorClass tells the engine whether a failed call may be retried.
// Adapters must be idempotent-safe for anything they mark retryable.
type ToolErrorClass string

const (
	ToolErrorRetryable ToolErrorClass = "retryable"
	ToolErrorPermanent ToolErrorClass = "permanent"
)

// ToolError is a classified failure from a tool adapter.
type ToolError struct {
	Class   ToolErrorClass
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	return e.Message
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the engine's retry policy applies.
func (e *ToolError) Retryable() bool {
	return e.Class == ToolErrorRetryable
}

// Tool executes the side effect of one action node. The engine only tracks
// start, completion and failure of the call; everything else is the
// adapter's business. Implementations must observe ctx cancellation within
// the engine's grace period.
type Tool interface {
	Execute(ctx context.Context, params map[string]any, logger *slog.Logger) (*ToolOutput, error)
}

// ToolFactory creates tool instances and describes the tool type.
type ToolFactory interface {
	// Create builds a tool instance from node parameters.
	Create(config map[string]any) (Tool, error)

	// ID returns the unique identifier for this tool type.
	ID() string

	// Schema returns the JSON schema the node parameters must satisfy.
	Schema() map[string]any
}
