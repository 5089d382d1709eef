package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/browseros-ai/agent-server/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

func TestNewClientDisabledWithoutURL(t *testing.T) {
	if c := NewClient("", testLogger()); c != nil {
		t.Error("empty URL should return nil client")
	}
}

func TestCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tenants/tenant-1/credentials" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"baseUrl":  "https://gateway.example.com",
			"apiKey":   "k-123",
			"upstream": "anthropic",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testLogger())
	creds, err := c.Credentials(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.BaseURL != "https://gateway.example.com" || creds.APIKey != "k-123" || creds.Upstream != "anthropic" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestCredentialsMissingBaseURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"apiKey": "k"})
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, testLogger()).Credentials(context.Background(), "t"); err == nil {
		t.Error("expected error for missing base URL")
	}
}

func TestDailyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/limits") {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]int{"dailyLimit": 150})
	}))
	defer srv.Close()

	limit, err := NewClient(srv.URL, testLogger()).DailyLimit(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("DailyLimit: %v", err)
	}
	if limit != 150 {
		t.Errorf("limit = %d", limit)
	}
}

func TestServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, testLogger()).DailyLimit(context.Background(), "t"); err == nil {
		t.Error("expected error on 502")
	}
}
