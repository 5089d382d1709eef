// Package catalog is the client for the upstream catalog service, which
// issues managed-provider gateway credentials and per-tenant daily limits.
// A nil client (no URL configured) disables the capability.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/browseros-ai/agent-server/internal/observability"
)

const requestTimeout = 10 * time.Second

// Client talks to the catalog service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *observability.Logger
}

// NewClient creates a catalog client. An empty URL returns nil, which every
// caller treats as capability-disabled.
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

// ManagedCredentials are what the gateway needs to serve a tenant.
type ManagedCredentials struct {
	BaseURL  string `json:"baseUrl"`
	APIKey   string `json:"apiKey"`
	Upstream string `json:"upstream"`
}

// Credentials fetches the managed-gateway credentials for a tenant.
func (c *Client) Credentials(ctx context.Context, tenantID string) (*ManagedCredentials, error) {
	var creds ManagedCredentials
	if err := c.get(ctx, "/v1/tenants/"+tenantID+"/credentials", &creds); err != nil {
		return nil, err
	}
	if creds.BaseURL == "" {
		return nil, fmt.Errorf("catalog: no gateway base URL for tenant %s", tenantID)
	}
	return &creds, nil
}

// DailyLimit returns the tenant's daily conversation quota. Implements
// ratelimit.LimitSource.
func (c *Client) DailyLimit(ctx context.Context, tenantID string) (int, error) {
	var out struct {
		DailyLimit int `json:"dailyLimit"`
	}
	if err := c.get(ctx, "/v1/tenants/"+tenantID+"/limits", &out); err != nil {
		return 0, err
	}
	return out.DailyLimit, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("catalog: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("catalog: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("catalog: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("catalog: decode response: %w", err)
	}
	return nil
}
