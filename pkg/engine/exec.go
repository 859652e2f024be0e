package engine

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/duetflow/duetflow/pkg/models"
	"github.com/duetflow/duetflow/pkg/otelhelper"
	"github.com/duetflow/duetflow/pkg/protocol"
	"github.com/duetflow/duetflow/pkg/template"
)

var tracer = otel.Tracer("github.com/duetflow/duetflow/pkg/engine")

// executeTool runs an action node's tool adapter with the engine's retry
// policy: exponential backoff for errors the adapter marks retryable,
// immediate propagation for everything else. Node timeout and cooperative
// cancellation both apply through the call context.
func (x *executor) executeTool(ctx context.Context, work *models.ExecutionContext, node *models.GraphNode) (*protocol.ToolOutput, error) {
	if node.ToolID == "" {
		// Manual step; completion itself is the side effect.
		return nil, nil
	}

	ctx, span := otelhelper.StartSpan(ctx, tracer, "engine.execute_tool",
		attribute.String(otelhelper.RunIDKey, work.RunID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.ToolIDKey, node.ToolID),
	)
	defer span.End()

	tool, err := x.eng.tools.CreateTool(node.ToolID, node.Parameters)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, models.WrapEngineError(models.KindToolError, err,
			"failed to create tool %s for node %s", node.ToolID, node.ID)
	}

	params, err := template.RenderParameters(node.Parameters, work)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, models.WrapEngineError(models.KindToolError, err,
			"failed to render parameters for node %s", node.ID)
	}

	logger := x.act.logger.With("node_id", node.ID, "tool_id", node.ToolID)

	operation := func() (*protocol.ToolOutput, error) {
		callCtx, cancel := context.WithTimeout(ctx, x.eng.config.NodeTimeout)
		unregister := x.act.registerInflight(cancel)

		output, execErr := tool.Execute(callCtx, params, logger)

		unregister()
		cancel()

		if execErr == nil {
			return output, nil
		}

		if x.act.isCancelled() {
			return nil, backoff.Permanent(models.NewEngineError(models.KindCancelledForcefully,
				"node %s did not stop within the cancel grace period", node.ID))
		}

		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, backoff.Permanent(models.NewEngineError(models.KindTimeoutExceeded,
				"node %s exceeded the %s node timeout", node.ID, x.eng.config.NodeTimeout))
		}

		var toolErr *protocol.ToolError
		if errors.As(execErr, &toolErr) && toolErr.Retryable() {
			logger.WarnContext(callCtx, "Tool call failed, will retry", "error", execErr)

			return nil, execErr
		}

		return nil, backoff.Permanent(execErr)
	}

	output, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(x.eng.config.MaxToolRetries)),
	)
	if err != nil {
		otelhelper.SetError(span, err)

		kind := models.KindOf(err)
		if kind == models.KindTimeoutExceeded || kind == models.KindCancelledForcefully {
			return nil, err
		}

		return nil, models.WrapEngineError(models.KindToolError, err,
			"tool %s failed on node %s", node.ToolID, node.ID)
	}

	return output, nil
}
