// Package log provides a tool that writes a message to the structured log.
package log

import (
	"context"
	"log/slog"

	"github.com/duetflow/duetflow/pkg/protocol"
)

// ToolFactory is the factory for creating LogTool instances.
type ToolFactory struct{}

// NewToolFactory creates a new instance of ToolFactory.
func NewToolFactory() *ToolFactory {
	return &ToolFactory{}
}

// ID returns the unique identifier for the tool factory.
func (*ToolFactory) ID() string {
	return "log"
}

// Create creates a new LogTool instance with the provided configuration.
func (f *ToolFactory) Create(config map[string]any) (protocol.Tool, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewLogTool(config), nil
}

// Schema returns the JSON schema for the tool parameters.
func (f *ToolFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message to log. Supports templating for dynamic content.",
				"examples": []string{
					"Order step completed",
					"Processing customer {{.bindings.customer_name}}",
					"Run {{.run.id}} reached version {{.run.version}} at {{now}}",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level for the message",
				"default":     "info",
				"enum":        []string{"debug", "info", "warn", "warning", "error"},
			},
		},
		"required": []string{"message"},
	}
}

type LogTool struct{}

func NewLogTool(config map[string]any) *LogTool {
	return &LogTool{}
}

// Execute logs the already-rendered message at the requested level.
func (t *LogTool) Execute(ctx context.Context, params map[string]any, logger *slog.Logger) (*protocol.ToolOutput, error) {
	message, _ := params["message"].(string)
	level, _ := params["level"].(string)

	logger = logger.With("tool", "log")

	switch level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "warn", "warning":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		logger.InfoContext(ctx, message)
	}

	return &protocol.ToolOutput{Data: map[string]any{"message": message}}, nil
}
