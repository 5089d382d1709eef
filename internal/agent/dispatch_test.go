package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/browseros-ai/agent-server/internal/mcp"
	"github.com/browseros-ai/agent-server/pkg/models"
)

func TestDispatchUnknownToolBecomesErrorResult(t *testing.T) {
	pool := newTestPool(t, echoServer(t))
	d := NewDispatcher(pool, 0, quietLogger(), nil)

	result := d.Dispatch(context.Background(), models.ToolCallPart{
		CallID: "c1", ToolName: "missing", Input: json.RawMessage(`{}`),
	})
	if result.CallID != "c1" {
		t.Errorf("CallID = %q", result.CallID)
	}
	if !result.Output.Type.IsError() {
		t.Fatalf("output type = %s, want error", result.Output.Type)
	}
	if !strings.Contains(result.Output.Text(), "missing") {
		t.Errorf("error text = %q", result.Output.Text())
	}
}

func TestDispatchTimeoutProducesSyntheticResult(t *testing.T) {
	slow := newToolServer(t, map[string]toolFunc{
		"slow": func(args json.RawMessage) *mcp.ToolCallResult {
			time.Sleep(2 * time.Second)
			return textToolResult("late")
		},
	})
	pool := newTestPool(t, slow)
	d := NewDispatcher(pool, time.Second, quietLogger(), nil)

	start := time.Now()
	result := d.Dispatch(context.Background(), models.ToolCallPart{
		CallID: "c1", ToolName: "slow", Input: json.RawMessage(`{}`),
	})
	if elapsed := time.Since(start); elapsed > 1800*time.Millisecond {
		t.Errorf("dispatch waited %v past its timeout", elapsed)
	}
	if !result.Output.Type.IsError() {
		t.Fatalf("output type = %s, want error", result.Output.Type)
	}
	if got := result.Output.Text(); got != "Tool slow timed out after 1s" {
		t.Errorf("error text = %q", got)
	}
}

func TestDispatchServerErrorBecomesErrorText(t *testing.T) {
	srv := newToolServer(t, map[string]toolFunc{
		"boom": func(args json.RawMessage) *mcp.ToolCallResult {
			return &mcp.ToolCallResult{
				IsError: true,
				Content: []mcp.ToolResultContent{{Type: "text", Text: "backend exploded"}},
			}
		},
	})
	pool := newTestPool(t, srv)
	d := NewDispatcher(pool, 0, quietLogger(), nil)

	result := d.Dispatch(context.Background(), models.ToolCallPart{
		CallID: "c1", ToolName: "boom", Input: json.RawMessage(`{}`),
	})
	if result.Output.Type != models.OutputErrorText {
		t.Fatalf("output type = %s", result.Output.Type)
	}
	if result.Output.Text() != "backend exploded" {
		t.Errorf("error text = %q", result.Output.Text())
	}
}

func TestDispatchStructuredContentBecomesJSON(t *testing.T) {
	srv := newToolServer(t, map[string]toolFunc{
		"structured": func(args json.RawMessage) *mcp.ToolCallResult {
			return &mcp.ToolCallResult{
				Content:           []mcp.ToolResultContent{{Type: "text", Text: "ignored"}},
				StructuredContent: json.RawMessage(`{"count":3}`),
			}
		},
	})
	pool := newTestPool(t, srv)
	d := NewDispatcher(pool, 0, quietLogger(), nil)

	result := d.Dispatch(context.Background(), models.ToolCallPart{
		CallID: "c1", ToolName: "structured", Input: json.RawMessage(`{}`),
	})
	if result.Output.Type != models.OutputJSON {
		t.Fatalf("output type = %s, want json", result.Output.Type)
	}
	var decoded struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(result.Output.Value, &decoded); err != nil || decoded.Count != 3 {
		t.Errorf("structured payload = %s", result.Output.Value)
	}
}

func TestDispatchTextResult(t *testing.T) {
	pool := newTestPool(t, echoServer(t))
	d := NewDispatcher(pool, 0, quietLogger(), nil)

	result := d.Dispatch(context.Background(), models.ToolCallPart{
		CallID: "c1", ToolName: "echo", Input: json.RawMessage(`{"msg":"hi"}`),
	})
	if result.Output.Type != models.OutputText {
		t.Fatalf("output type = %s, want text", result.Output.Type)
	}
	if !strings.Contains(result.Output.Text(), `"msg":"hi"`) {
		t.Errorf("text = %q", result.Output.Text())
	}
}
