package registry

import (
	httprequesttool "github.com/duetflow/duetflow/pkg/tools/httprequest"
	logtool "github.com/duetflow/duetflow/pkg/tools/log"
	transformtool "github.com/duetflow/duetflow/pkg/tools/transform"
)

// RegisterBuiltinTools wires the tools every deployment ships with.
func RegisterBuiltinTools(registry *Registry) {
	registry.RegisterTool(logtool.NewToolFactory())
	registry.RegisterTool(httprequesttool.NewToolFactory())
	registry.RegisterTool(transformtool.NewToolFactory())
}
