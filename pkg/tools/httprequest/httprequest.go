// Package httprequest provides a tool that performs an HTTP call and hands
// the parsed response back to the run.
package httprequest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/duetflow/duetflow/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

// ToolFactory is the factory for creating HTTPRequestTool instances.
type ToolFactory struct{}

func NewToolFactory() *ToolFactory {
	return &ToolFactory{}
}

// ID returns the unique identifier for the tool factory.
func (*ToolFactory) ID() string {
	return "http_request"
}

// Create creates a new HTTPRequestTool instance.
func (f *ToolFactory) Create(config map[string]any) (protocol.Tool, error) {
	return NewHTTPRequestTool(), nil
}

// Schema returns the JSON schema for the tool parameters.
func (f *ToolFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to request. Supports templating.",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method",
				"default":     "GET",
				"enum":        []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body. Supports templating.",
			},
		},
		"required": []string{"url"},
	}
}

type HTTPRequestTool struct {
	client *http.Client
}

func NewHTTPRequestTool() *HTTPRequestTool {
	return &HTTPRequestTool{client: &http.Client{}}
}

// Execute performs the request. Network failures and 5xx responses are
// classified retryable; 4xx responses are permanent.
func (t *HTTPRequestTool) Execute(ctx context.Context, params map[string]any, logger *slog.Logger) (*protocol.ToolOutput, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, &protocol.ToolError{Class: protocol.ToolErrorPermanent, Message: "http_request requires a url"}
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	var bodyReader io.Reader

	if body, ok := params["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, &protocol.ToolError{
			Class:   protocol.ToolErrorPermanent,
			Message: fmt.Sprintf("failed to create http request: %v", err),
			Err:     err,
		}
	}

	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			if str, ok := value.(string); ok {
				req.Header.Set(key, str)
			}
		}
	}

	logger = logger.With("tool", "http_request", "method", method, "url", url)
	logger.InfoContext(ctx, "Executing HTTP request")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &protocol.ToolError{
			Class:   protocol.ToolErrorRetryable,
			Message: fmt.Sprintf("http request failed: %v", err),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.ToolError{
			Class:   protocol.ToolErrorRetryable,
			Message: fmt.Sprintf("failed to read response body: %v", err),
			Err:     err,
		}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &protocol.ToolError{
			Class:   protocol.ToolErrorRetryable,
			Message: fmt.Sprintf("http request returned status %d", resp.StatusCode),
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &protocol.ToolError{
			Class:   protocol.ToolErrorPermanent,
			Message: fmt.Sprintf("http request returned status %d", resp.StatusCode),
		}
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		parsed = string(raw)
	}

	return &protocol.ToolOutput{Data: map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsed,
	}}, nil
}
