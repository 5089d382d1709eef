package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client is an MCP client connected to a single endpoint.
type Client struct {
	spec      *ServerSpec
	transport Transport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for a spec over an already-chosen transport.
func NewClient(spec *ServerSpec, kind TransportKind, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		spec:      spec,
		transport: NewTransport(kind, spec),
		logger:    logger.With("mcp_server", spec.Name),
	}
}

// Connect opens the transport, runs the initialize handshake, and lists the
// server's tools.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{},
		ClientInfo:      ClientInfo{Name: "agent-server", Version: "1.0.0"},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.transport.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	c.logger.Info("connected to MCP server",
		"name", initResult.ServerInfo.Name,
		"protocol", initResult.ProtocolVersion,
		"tools", len(c.Tools()))
	return nil
}

// Close releases the transport. Best-effort.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Spec returns the server spec this client was built from.
func (c *Client) Spec() *ServerSpec {
	return c.spec
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Connected reports whether the transport is usable.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// RefreshTools re-lists the server's tools and replaces the cached catalog.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	result, err := c.transport.Call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}
	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}
