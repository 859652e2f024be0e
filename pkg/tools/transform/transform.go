// Package transform provides a tool that reshapes run data with templates.
package transform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/duetflow/duetflow/pkg/protocol"
	"github.com/duetflow/duetflow/pkg/template"
)

// ToolFactory is the factory for creating TransformTool instances.
type ToolFactory struct{}

func NewToolFactory() *ToolFactory {
	return &ToolFactory{}
}

// ID returns the unique identifier for the tool factory.
func (*ToolFactory) ID() string {
	return "transform"
}

// Create creates a new TransformTool instance.
func (f *ToolFactory) Create(config map[string]any) (protocol.Tool, error) {
	return NewTransformTool(), nil
}

// Schema returns the JSON schema for the tool parameters.
func (f *ToolFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Template expression producing the result. JSON-shaped output is parsed into structured data.",
				"examples": []string{
					`{"total": {{.bindings.price}}, "currency": "USD"}`,
					"{{.bindings.first_name}} {{.bindings.last_name}}",
				},
			},
			"mapping": map[string]any{
				"type":        "object",
				"description": "Named template expressions, each rendered into one result field.",
			},
		},
	}
}

type TransformTool struct{}

func NewTransformTool() *TransformTool {
	return &TransformTool{}
}

// Execute evaluates the expression or mapping. Top-level string parameters
// arrive already rendered against the run's bindings; mapping values are
// rendered here because they sit below the top level.
func (t *TransformTool) Execute(ctx context.Context, params map[string]any, logger *slog.Logger) (*protocol.ToolOutput, error) {
	logger = logger.With("tool", "transform")

	if mapping, ok := params["mapping"].(map[string]any); ok {
		result := make(map[string]any, len(mapping))

		for key, raw := range mapping {
			expr, ok := raw.(string)
			if !ok {
				result[key] = raw

				continue
			}

			value, err := template.Render(expr, params)
			if err != nil {
				return nil, &protocol.ToolError{
					Class:   protocol.ToolErrorPermanent,
					Message: fmt.Sprintf("failed to render mapping field %q: %v", key, err),
					Err:     err,
				}
			}

			result[key] = value
		}

		logger.DebugContext(ctx, "Transform produced mapping", "fields", len(result))

		return &protocol.ToolOutput{Data: result}, nil
	}

	expression, ok := params["expression"]
	if !ok {
		return nil, &protocol.ToolError{
			Class:   protocol.ToolErrorPermanent,
			Message: "transform requires an expression or a mapping",
		}
	}

	return &protocol.ToolOutput{Data: map[string]any{"result": expression}}, nil
}
