package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/browseros-ai/agent-server/internal/mcp"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/pkg/models"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 60 * time.Second

// Dispatcher routes tool calls to the conversation's MCP pool and normalizes
// every outcome into a tool result. Failures never surface as errors to the
// loop; the model sees them as error results and can recover.
type Dispatcher struct {
	pool    *mcp.Pool
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDispatcher creates a dispatcher over a pool. A zero timeout selects the
// default.
func NewDispatcher(pool *mcp.Pool, timeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Dispatcher{pool: pool, timeout: timeout, logger: logger, metrics: metrics}
}

// Dispatch executes one tool call and returns its normalized result. The
// caller's context cancels the call; a per-call timeout applies on top.
func (d *Dispatcher) Dispatch(ctx context.Context, call models.ToolCallPart) models.ToolResultPart {
	result := models.ToolResultPart{CallID: call.CallID, ToolName: call.ToolName}

	ctx, span := observability.StartSpan(ctx, "tool.dispatch",
		attribute.String("tool.name", call.ToolName))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	raw, err := d.pool.Call(callCtx, call.ToolName, call.Input)
	elapsed := time.Since(start)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		result.Output = models.ErrorOutput(fmt.Sprintf("Tool %s timed out after %ds", call.ToolName, int(d.timeout.Seconds())))
		d.record(ctx, call.ToolName, "timeout", elapsed, err)
	case err != nil:
		result.Output = models.ErrorOutput(fmt.Sprintf("Tool %s failed: %v", call.ToolName, err))
		d.record(ctx, call.ToolName, "error", elapsed, err)
	default:
		result.Output = normalizeResult(raw)
		status := "success"
		if raw.IsError {
			status = "tool_error"
		}
		d.record(ctx, call.ToolName, status, elapsed, nil)
	}
	return result
}

func (d *Dispatcher) record(ctx context.Context, tool, status string, elapsed time.Duration, err error) {
	if d.metrics != nil {
		d.metrics.RecordToolExecution(tool, status, elapsed.Seconds())
	}
	if err != nil && d.logger != nil {
		d.logger.Warn(ctx, "tool call failed",
			"tool", tool,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
	}
}

// normalizeResult maps an MCP tool result onto the output taxonomy: server
// errors become error-text, structured content becomes json, anything else
// becomes text.
func normalizeResult(raw *mcp.ToolCallResult) models.ToolOutput {
	if raw.IsError {
		text := raw.Text()
		if text == "" {
			text = "tool reported an error"
		}
		return models.ErrorOutput(text)
	}
	if len(raw.StructuredContent) > 0 {
		return models.JSONOutput(raw.StructuredContent)
	}
	// Multi-part or non-text content keeps its structure so the model sees
	// image and resource parts.
	if hasNonText(raw.Content) {
		data, err := json.Marshal(raw.Content)
		if err == nil {
			return models.JSONOutput(data)
		}
	}
	return models.TextOutput(raw.Text())
}

func hasNonText(content []mcp.ToolResultContent) bool {
	for _, c := range content {
		if c.Type != "text" {
			return true
		}
	}
	return false
}
