// Package template renders node parameters and human-readable delta
// summaries against a run's execution context.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/duetflow/duetflow/pkg/models"
)

// RenderWithContext renders a template string against the run's bindings
// and identity fields.
func RenderWithContext(input string, executionCtx *models.ExecutionContext) (any, error) {
	data := map[string]any{
		"bindings":  executionCtx.Bindings,
		"vars":      executionCtx.Bindings,
		"cursor":    executionCtx.Cursor,
		"completed": executionCtx.Completed,
		"status":    string(executionCtx.Status),
		"mode":      string(executionCtx.Mode),
		"run": map[string]any{
			"id":          executionCtx.RunID,
			"workflow_id": executionCtx.WorkflowID,
			"version":     executionCtx.Version,
		},
	}

	return Render(input, data)
}

// RenderParameters renders every string-valued parameter of a node before
// the tool adapter sees it. Non-string values pass through untouched.
func RenderParameters(params map[string]any, executionCtx *models.ExecutionContext) (map[string]any, error) {
	rendered := make(map[string]any, len(params))

	for key, value := range params {
		str, ok := value.(string)
		if !ok || !strings.Contains(str, "{{") {
			rendered[key] = value

			continue
		}

		out, err := RenderWithContext(str, executionCtx)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}

		rendered[key] = out
	}

	return rendered, nil
}

// Render executes a template and coerces the output: JSON-looking results
// are parsed, then numbers, then booleans, otherwise the raw string.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("render").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"join": strings.Join,
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
