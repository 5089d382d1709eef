package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/browseros-ai/agent-server/internal/mcp"
	"github.com/browseros-ai/agent-server/internal/model"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/internal/ui"
	"github.com/browseros-ai/agent-server/pkg/models"
)

// scriptedProvider replays one event slice per stream call and records every
// request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    [][]model.StreamEvent
	requests []*model.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *model.Request) (<-chan model.StreamEvent, error) {
	p.mu.Lock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	var step []model.StreamEvent
	if idx < len(p.steps) {
		step = p.steps[idx]
	} else if len(p.steps) > 0 {
		step = p.steps[len(p.steps)-1]
	}
	p.mu.Unlock()

	ch := make(chan model.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range step {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *model.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// recordingSink collects UI events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []ui.Event
}

func (s *recordingSink) Send(ev ui.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) types() []ui.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ui.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) last(t *testing.T) ui.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		t.Fatal("no events recorded")
	}
	return s.events[len(s.events)-1]
}

func (s *recordingSink) has(typ ui.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

// toolFunc handles one tool on the fake MCP server.
type toolFunc func(args json.RawMessage) *mcp.ToolCallResult

// newToolServer serves a minimal streamable-HTTP MCP endpoint exposing the
// given tools.
func newToolServer(t *testing.T, tools map[string]toolFunc) *httptest.Server {
	t.Helper()

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		respond := func(result any) {
			data, _ := json.Marshal(result)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: data})
		}

		switch req.Method {
		case "initialize":
			respond(mcp.InitializeResult{
				ProtocolVersion: mcp.ProtocolVersion,
				Capabilities:    mcp.Capabilities{Tools: &mcp.ToolsCapability{}},
				ServerInfo:      mcp.ServerInfo{Name: "fake", Version: "0"},
			})
		case "tools/list":
			list := mcp.ListToolsResult{}
			for _, name := range names {
				list.Tools = append(list.Tools, &mcp.Tool{
					Name:        name,
					Description: name,
					InputSchema: json.RawMessage(`{"type":"object"}`),
				})
			}
			respond(list)
		case "tools/call":
			var params mcp.CallToolParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				http.Error(w, "bad params", http.StatusBadRequest)
				return
			}
			fn, ok := tools[params.Name]
			if !ok {
				http.Error(w, "unknown tool", http.StatusBadRequest)
				return
			}
			respond(fn(params.Arguments))
		case "ping":
			respond(struct{}{})
		default:
			http.Error(w, "method not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func textToolResult(text string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{Content: []mcp.ToolResultContent{{Type: "text", Text: text}}}
}

func newTestPool(t *testing.T, srv *httptest.Server) *mcp.Pool {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := mcp.NewPool([]*mcp.ServerSpec{{Name: "fake", URL: srv.URL}}, nil, logger, nil)
	if err := pool.Connect(context.Background()); err != nil {
		t.Fatalf("pool connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

func newTestLoop(t *testing.T, provider model.Provider, pool *mcp.Pool) *Loop {
	t.Helper()
	cfg := models.Config{Provider: "anthropic", Model: "test", Mode: models.ModeAgent}
	dispatcher := NewDispatcher(pool, 0, quietLogger(), nil)
	return NewLoop(cfg, provider, dispatcher, NewCompactor(0, 0), quietLogger(), nil)
}

func echoServer(t *testing.T) *httptest.Server {
	return newToolServer(t, map[string]toolFunc{
		"echo": func(args json.RawMessage) *mcp.ToolCallResult {
			return textToolResult("echo: " + string(args))
		},
	})
}

func userTurn(text string) []models.Message {
	return []models.Message{models.UserText("u1", text)}
}

func TestTurnWithoutToolCallsFinishes(t *testing.T) {
	provider := &scriptedProvider{steps: [][]model.StreamEvent{
		{model.TextDelta{Delta: "hello "}, model.TextDelta{Delta: "world"}, model.Finish{}},
	}}
	loop := newTestLoop(t, provider, newTestPool(t, echoServer(t)))
	sink := &recordingSink{}

	history, status, err := loop.Run(context.Background(), userTurn("hi"), nil, sink)
	if err != nil || status != TurnDone {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if got := history[1].Text(); got != "hello world" {
		t.Errorf("assistant text = %q", got)
	}

	want := []ui.EventType{ui.EventStart, ui.EventStartStep, ui.EventTextDelta, ui.EventTextDelta, ui.EventFinishStep, ui.EventFinish}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	provider := &scriptedProvider{steps: [][]model.StreamEvent{
		{
			model.ToolInputAvailable{CallID: "call_1", ToolName: "echo", Input: json.RawMessage(`{"msg":"hi"}`)},
			model.Finish{},
		},
		{model.TextDelta{Delta: "done"}, model.Finish{}},
	}}
	loop := newTestLoop(t, provider, newTestPool(t, echoServer(t)))
	sink := &recordingSink{}

	history, status, err := loop.Run(context.Background(), userTurn("use echo"), toolSpecsForTest(), sink)
	if err != nil || status != TurnDone {
		t.Fatalf("status=%s err=%v", status, err)
	}

	// user, assistant(call), tool(result), assistant(text)
	if len(history) != 4 {
		t.Fatalf("history len = %d, want 4", len(history))
	}
	calls := history[1].ToolCalls()
	if len(calls) != 1 || calls[0].CallID != "call_1" {
		t.Fatalf("assistant calls = %+v", calls)
	}
	if history[2].Role != models.RoleTool {
		t.Fatalf("message 2 role = %s", history[2].Role)
	}
	results := history[2].ToolResults()
	if len(results) != 1 || results[0].CallID != "call_1" {
		t.Fatalf("tool results = %+v", results)
	}
	if !strings.Contains(results[0].Output.Text(), "echo:") {
		t.Errorf("result text = %q", results[0].Output.Text())
	}

	// The second model request must include the tool message.
	second := provider.request(1)
	if got := len(second.Messages); got != 3 {
		t.Errorf("second request carries %d messages, want 3", got)
	}

	for _, typ := range []ui.EventType{ui.EventToolInputStart, ui.EventToolInputAvailable, ui.EventToolOutputAvailable, ui.EventFinish} {
		if !sink.has(typ) {
			t.Errorf("event %s missing", typ)
		}
	}
}

func TestTurnBoundStopsLoop(t *testing.T) {
	provider := &scriptedProvider{steps: [][]model.StreamEvent{
		{
			model.ToolInputAvailable{CallID: "call_x", ToolName: "echo", Input: json.RawMessage(`{}`)},
			model.Finish{},
		},
	}}
	loop := newTestLoop(t, provider, newTestPool(t, echoServer(t)))
	loop.maxTurns = 3
	sink := &recordingSink{}

	_, status, err := loop.Run(context.Background(), userTurn("loop forever"), nil, sink)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if status != TurnMaxTurns {
		t.Errorf("status = %s, want %s", status, TurnMaxTurns)
	}
	if got := provider.requestCount(); got != 3 {
		t.Errorf("model called %d times, want 3", got)
	}
	if !sink.has(ui.EventError) {
		t.Error("error event missing")
	}
}

func TestStreamErrorEndsTurn(t *testing.T) {
	provider := &scriptedProvider{steps: [][]model.StreamEvent{
		{
			model.TextDelta{Delta: "partial"},
			model.ErrorEvent{Err: model.NewProviderError("test", "m", errors.New("boom"))},
		},
	}}
	loop := newTestLoop(t, provider, newTestPool(t, echoServer(t)))
	sink := &recordingSink{}

	history, status, err := loop.Run(context.Background(), userTurn("hi"), nil, sink)
	if status != TurnError || err == nil {
		t.Fatalf("status=%s err=%v", status, err)
	}
	// Partial assistant text is committed.
	if len(history) != 2 || history[1].Text() != "partial" {
		t.Errorf("partial text not committed: %+v", history)
	}
	if sink.last(t).Type != ui.EventError {
		t.Errorf("last event = %s, want error", sink.last(t).Type)
	}
}

func TestToolInputErrorFedBackToModel(t *testing.T) {
	provider := &scriptedProvider{steps: [][]model.StreamEvent{
		{
			model.ToolInputError{CallID: "call_bad", ToolName: "navigate", Input: `{"url":`, ErrorText: "malformed tool input"},
			model.Finish{},
		},
		{model.TextDelta{Delta: "recovered"}, model.Finish{}},
	}}
	loop := newTestLoop(t, provider, newTestPool(t, echoServer(t)))
	sink := &recordingSink{}

	history, status, err := loop.Run(context.Background(), userTurn("hi"), nil, sink)
	if err != nil || status != TurnDone {
		t.Fatalf("status=%s err=%v", status, err)
	}

	second := provider.request(1)
	var fed *models.ToolResultPart
	for _, msg := range second.Messages {
		for _, r := range msg.ToolResults() {
			if r.CallID == "call_bad" {
				found := r
				fed = &found
			}
		}
	}
	if fed == nil {
		t.Fatal("input error not fed back as a tool result")
	}
	if !fed.Output.Type.IsError() {
		t.Errorf("fed-back result type = %s", fed.Output.Type)
	}
	if !sink.has(ui.EventToolInputError) {
		t.Error("tool-input-error event missing")
	}
	if history[len(history)-1].Text() != "recovered" {
		t.Errorf("final assistant text = %q", history[len(history)-1].Text())
	}

	// The error result must survive sanitization: the errored call is
	// committed alongside it, so the pair is not stripped as an orphan.
	clean := model.Sanitize(second.Messages)
	var call *models.ToolCallPart
	var result *models.ToolResultPart
	for _, msg := range clean {
		for _, c := range msg.ToolCalls() {
			if c.CallID == "call_bad" {
				found := c
				call = &found
			}
		}
		for _, r := range msg.ToolResults() {
			if r.CallID == "call_bad" {
				found := r
				result = &found
			}
		}
	}
	if call == nil {
		t.Fatal("errored call stripped by sanitization")
	}
	if result == nil {
		t.Fatal("error result stripped by sanitization")
	}
	if result.Output.Text() != "malformed tool input" {
		t.Errorf("sanitized result text = %q", result.Output.Text())
	}
}

func TestCancellationDuringToolExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newToolServer(t, map[string]toolFunc{
		"trigger": func(args json.RawMessage) *mcp.ToolCallResult {
			cancel()
			return textToolResult("ok")
		},
	})
	provider := &scriptedProvider{steps: [][]model.StreamEvent{
		{
			model.ToolInputAvailable{CallID: "call_1", ToolName: "trigger", Input: json.RawMessage(`{}`)},
			model.ToolInputAvailable{CallID: "call_2", ToolName: "trigger", Input: json.RawMessage(`{}`)},
			model.Finish{},
		},
	}}
	loop := newTestLoop(t, provider, newTestPool(t, srv))
	sink := &recordingSink{}

	_, status, _ := loop.Run(ctx, userTurn("go"), nil, sink)
	if status != TurnAborted {
		t.Fatalf("status = %s, want %s", status, TurnAborted)
	}
	// The second stream call never happens.
	if got := provider.requestCount(); got != 1 {
		t.Errorf("model called %d times, want 1", got)
	}
	if sink.last(t).Type != ui.EventAbort {
		t.Errorf("last event = %s, want abort", sink.last(t).Type)
	}
}

func TestCancellationBeforeRunAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{steps: [][]model.StreamEvent{
		{model.TextDelta{Delta: "never"}, model.Finish{}},
	}}
	loop := newTestLoop(t, provider, newTestPool(t, echoServer(t)))
	sink := &recordingSink{}

	history, status, err := loop.Run(ctx, userTurn("hi"), nil, sink)
	if status != TurnAborted || err == nil {
		t.Fatalf("status=%s err=%v", status, err)
	}
	if len(history) != 1 {
		t.Errorf("history grew on pre-cancelled turn: %d", len(history))
	}
	if got := provider.requestCount(); got != 0 {
		t.Errorf("model called %d times, want 0", got)
	}
	if sink.last(t).Type != ui.EventAbort {
		t.Errorf("last event = %s, want abort", sink.last(t).Type)
	}
}

// toolSpecsForTest mirrors what the pool catalog would produce for the echo
// server.
func toolSpecsForTest() []model.ToolSpec {
	return []model.ToolSpec{{Name: "echo", Description: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)}}
}
