// Package integrations negotiates a conversation's access to the external
// integrations aggregator: one brokerage call per conversation yields the
// MCP endpoint and auth headers the pool connects with.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/browseros-ai/agent-server/internal/mcp"
	"github.com/browseros-ai/agent-server/internal/observability"
)

const requestTimeout = 15 * time.Second

// Client talks to the aggregator's brokerage endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *observability.Logger
}

// NewClient creates a brokerage client. An empty URL returns nil; callers
// treat nil as aggregator-disabled.
func NewClient(baseURL string, logger *observability.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// Grant is the negotiated aggregator session: where to connect and with what
// headers, plus the integrations authenticated at negotiation time.
type Grant struct {
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	Integrations []string          `json:"integrations"`
}

// ServerSpec projects the grant into a pool server spec. The aggregator's
// tool set changes as the user links integrations, so it is relistable.
func (g *Grant) ServerSpec() *mcp.ServerSpec {
	return &mcp.ServerSpec{
		Name:       "integrations",
		URL:        g.URL,
		Headers:    g.Headers,
		Relistable: true,
	}
}

// Negotiate opens an aggregator session for one conversation. A 404 means
// the tenant has no integrations; callers get (nil, nil) and skip the spec.
func (c *Client) Negotiate(ctx context.Context, conversationID, tenantID string) (*Grant, error) {
	payload, err := json.Marshal(map[string]string{
		"conversationId": conversationID,
		"tenantId":       tenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("integrations: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/mcp/sessions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("integrations: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("integrations: negotiate failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("integrations: negotiate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("integrations: decode grant: %w", err)
	}
	if grant.URL == "" {
		return nil, fmt.Errorf("integrations: grant carries no MCP URL")
	}
	return &grant, nil
}
