package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/browseros-ai/agent-server/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

func TestNegotiate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/mcp/sessions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["conversationId"] != "conv-1" || body["tenantId"] != "tenant-1" {
			t.Errorf("negotiate body = %v", body)
		}
		json.NewEncoder(w).Encode(Grant{
			URL:          "https://mcp.aggregator.test/conv-1",
			Headers:      map[string]string{"Authorization": "Bearer tok"},
			Integrations: []string{"gmail", "github"},
		})
	}))
	defer srv.Close()

	grant, err := NewClient(srv.URL, testLogger()).Negotiate(context.Background(), "conv-1", "tenant-1")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if grant.URL != "https://mcp.aggregator.test/conv-1" {
		t.Errorf("URL = %q", grant.URL)
	}

	spec := grant.ServerSpec()
	if spec.Name != "integrations" || !spec.Relistable {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Headers["Authorization"] != "Bearer tok" {
		t.Errorf("headers not carried: %v", spec.Headers)
	}
}

func TestNegotiateNoIntegrations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	grant, err := NewClient(srv.URL, testLogger()).Negotiate(context.Background(), "conv-1", "tenant-1")
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if grant != nil {
		t.Errorf("grant = %+v, want nil", grant)
	}
}

func TestNegotiateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broke", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, testLogger()).Negotiate(context.Background(), "c", "t"); err == nil {
		t.Error("expected error on 500")
	}
}

func TestNewClientDisabledWithoutURL(t *testing.T) {
	if c := NewClient("", testLogger()); c != nil {
		t.Error("empty URL should return nil client")
	}
}
