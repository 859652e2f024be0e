// Package registry tracks available tool adapters and validates node
// parameters against each tool's declared schema before instantiation.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/duetflow/duetflow/pkg/protocol"
)

type Registry struct {
	logger        *slog.Logger
	toolFactories map[string]protocol.ToolFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:        logger,
		toolFactories: make(map[string]protocol.ToolFactory),
	}
}

func (r *Registry) RegisterTool(factory protocol.ToolFactory) {
	r.toolFactories[factory.ID()] = factory
}

// CreateTool validates the node parameters against the factory's schema
// and builds a ready adapter.
func (r *Registry) CreateTool(toolID string, config map[string]any) (protocol.Tool, error) {
	factory, ok := r.toolFactories[toolID]
	if !ok {
		return nil, fmt.Errorf("tool type '%s' not registered", toolID)
	}

	if config == nil {
		config = map[string]any{}
	}

	err := validateSchema(config, factory.Schema())
	if err != nil {
		return nil, fmt.Errorf("invalid parameters for tool '%s': %w", toolID, err)
	}

	return factory.Create(config)
}

// AvailableTools returns the registered tool ids, sorted.
func (r *Registry) AvailableTools() []string {
	ids := make([]string, 0, len(r.toolFactories))
	for id := range r.toolFactories {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Schema returns the parameter schema for a registered tool.
func (r *Registry) Schema(toolID string) (map[string]any, error) {
	factory, ok := r.toolFactories[toolID]
	if !ok {
		return nil, fmt.Errorf("tool type '%s' not registered", toolID)
	}

	return factory.Schema(), nil
}

func validateSchema(config, schema map[string]any) error {
	if schema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
