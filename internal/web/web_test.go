package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/browseros-ai/agent-server/internal/agent"
	"github.com/browseros-ai/agent-server/internal/model"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/internal/ratelimit"
	"github.com/browseros-ai/agent-server/internal/session"
	"github.com/browseros-ai/agent-server/pkg/models"
)

// fakeProvider streams a fixed reply.
type fakeProvider struct{ reply string }

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(ctx context.Context, req *model.Request) (<-chan model.StreamEvent, error) {
	ch := make(chan model.StreamEvent, 2)
	ch <- model.TextDelta{Delta: p.reply}
	ch <- model.Finish{}
	close(ch)
	return ch, nil
}

type fixedSource struct{ limit int }

func (s fixedSource) DailyLimit(ctx context.Context, tenantID string) (int, error) {
	return s.limit, nil
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) (*Server, http.Handler) {
	t.Helper()
	factory := func(ctx context.Context, id string, cfg models.Config) (*agent.Agent, error) {
		return agent.New(id, cfg, &fakeProvider{reply: "hello from the agent"}, nil, quietLogger(), nil), nil
	}
	registry := session.NewRegistry(factory, quietLogger(), nil)
	srv := New(Options{
		Registry: registry,
		Limiter:  limiter,
		Logger:   quietLogger(),
	})
	return srv, srv.Handler()
}

func ollamaConfig() models.Config {
	return models.Config{Provider: models.ProviderOllama, Model: "llama3", Mode: models.ModeChat}
}

func managedConfig() models.Config {
	return models.Config{
		Provider: models.ProviderManaged,
		Model:    "claude-sonnet-4",
		Mode:     models.ModeChat,
		Credentials: models.Credentials{
			BaseURL: "https://gateway.browseros.test",
			APIKey:  "k-test",
		},
	}
}

func postChat(t *testing.T, h http.Handler, req ChatRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(body)))
	return rec
}

func TestChatStreamsEvents(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postChat(t, h, ChatRequest{
		ConversationID: "conv-1",
		Message:        "hi",
		Config:         ollamaConfig(),
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("HTTP %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`data: {"type":"start"}`,
		`"type":"text-delta"`,
		"hello from the agent",
		`"type":"finish"`,
		"data: [DONE]",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestChatValidatesRequest(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postChat(t, h, ChatRequest{Message: "no id", Config: ollamaConfig()})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("HTTP %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Name != "ValidationError" || body.Error.StatusCode != 400 {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestChatRejectsUnknownProvider(t *testing.T) {
	_, h := newTestServer(t, nil)

	rec := postChat(t, h, ChatRequest{
		ConversationID: "conv-1",
		Message:        "hi",
		Config:         models.Config{Provider: "frobnicate", Model: "m"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("HTTP %d", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Name != "ProviderConfigError" {
		t.Errorf("error name = %q", body.Error.Name)
	}
}

func TestRateLimitGate(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Config{Source: fixedSource{limit: 3}}, quietLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer limiter.Close()
	_, h := newTestServer(t, limiter)

	// Three distinct conversations pass and record.
	for i := 1; i <= 3; i++ {
		rec := postChat(t, h, ChatRequest{
			ConversationID: fmt.Sprintf("conv-%d", i),
			Message:        "hi",
			TenantID:       "tenant-1",
			Config:         managedConfig(),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("chat %d: HTTP %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	// The fourth is over the cap.
	rec := postChat(t, h, ChatRequest{
		ConversationID: "conv-4",
		Message:        "hi",
		TenantID:       "tenant-1",
		Config:         managedConfig(),
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("HTTP %d, want 429", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count == nil || *body.Count != 3 || body.Limit == nil || *body.Limit != 3 {
		t.Errorf("429 body = %s", rec.Body.String())
	}

	// Reusing an existing conversation id does not slip past the gate.
	rec = postChat(t, h, ChatRequest{
		ConversationID: "conv-1",
		Message:        "again",
		TenantID:       "tenant-1",
		Config:         managedConfig(),
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("HTTP %d on reused id, want 429", rec.Code)
	}

	// Other tenants are unaffected.
	rec = postChat(t, h, ChatRequest{
		ConversationID: "conv-b1",
		Message:        "hi",
		TenantID:       "tenant-2",
		Config:         managedConfig(),
	})
	if rec.Code != http.StatusOK {
		t.Errorf("HTTP %d for fresh tenant, want 200", rec.Code)
	}
}

func TestDeleteChat(t *testing.T) {
	_, h := newTestServer(t, nil)

	postChat(t, h, ChatRequest{ConversationID: "conv-1", Message: "hi", Config: ollamaConfig()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chat/conv-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("HTTP %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["deleted"] != true {
		t.Errorf("first delete = %v", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/chat/conv-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete HTTP %d, want 404", rec.Code)
	}
	var errBody struct {
		Error struct {
			Name string `json:"name"`
		} `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &errBody)
	if errBody.Error.Name != "NotFoundError" {
		t.Errorf("second delete error = %+v", errBody)
	}
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(t, nil)
	postChat(t, h, ChatRequest{ConversationID: "conv-1", Message: "hi", Config: ollamaConfig()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("HTTP %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["sessions"] != float64(1) {
		t.Errorf("sessions = %v", body["sessions"])
	}
}

func TestStatusWithoutBridge(t *testing.T) {
	_, h := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["bridgeConnected"] != false {
		t.Errorf("bridgeConnected = %v", body["bridgeConnected"])
	}
}

func TestTestProviderReportsBadConfig(t *testing.T) {
	_, h := newTestServer(t, nil)

	body, _ := json.Marshal(models.Config{Provider: "nope", Model: "m"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test-provider", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("HTTP %d", rec.Code)
	}
	var out map[string]any
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["ok"] != false {
		t.Errorf("ok = %v", out["ok"])
	}
	if out["error"] == "" {
		t.Error("error text missing")
	}
}
