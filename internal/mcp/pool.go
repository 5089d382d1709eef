package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/browseros-ai/agent-server/internal/observability"
)

// ToolDefinition is one entry of the merged catalog: the tool plus the client
// that owns it.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Client      *Client
}

// Pool owns the MCP clients of one conversation and publishes their merged
// tool catalog. Duplicate tool names resolve first-registered-wins, in spec
// order.
type Pool struct {
	specs   []*ServerSpec
	prober  *Prober
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	clients []*Client
	catalog map[string]*ToolDefinition
	order   []string
}

// NewPool creates a pool over the given specs. The prober is shared across
// pools so its transport cache spans conversations.
func NewPool(specs []*ServerSpec, prober *Prober, logger *slog.Logger, metrics *observability.Metrics) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if prober == nil {
		prober = NewProber()
	}
	return &Pool{
		specs:   specs,
		prober:  prober,
		logger:  logger.With("component", "mcp_pool"),
		metrics: metrics,
		catalog: make(map[string]*ToolDefinition),
	}
}

// Connect opens every endpoint and builds the merged catalog. Individual
// server failures are logged and skipped; the pool is usable as long as at
// least one server connected.
func (p *Pool) Connect(ctx context.Context) error {
	var clients []*Client

	for _, spec := range p.specs {
		client, err := p.connectOne(ctx, spec)
		if err != nil {
			p.logger.Error("failed to connect MCP server", "server", spec.Name, "error", err)
			continue
		}
		clients = append(clients, client)
	}

	if len(clients) == 0 {
		return fmt.Errorf("no MCP servers reachable")
	}

	p.mu.Lock()
	p.clients = clients
	p.rebuildCatalogLocked()
	p.mu.Unlock()
	return nil
}

func (p *Pool) connectOne(ctx context.Context, spec *ServerSpec) (*Client, error) {
	kind, err := p.prober.Detect(ctx, spec.URL, spec.Headers)
	if err != nil {
		p.recordConnection(spec.Name, "", "probe_failed")
		return nil, err
	}

	client := NewClient(spec, kind, p.logger)
	if err := client.Connect(ctx); err != nil {
		p.recordConnection(spec.Name, string(kind), "error")
		return nil, err
	}
	p.recordConnection(spec.Name, string(kind), "connected")
	return client, nil
}

func (p *Pool) recordConnection(server, transport, status string) {
	if p.metrics != nil {
		p.metrics.RecordMCPConnection(server, transport, status)
	}
}

// rebuildCatalogLocked merges every client's tools, first-registered-wins.
// Callers hold p.mu.
func (p *Pool) rebuildCatalogLocked() {
	catalog := make(map[string]*ToolDefinition)
	var order []string

	for _, client := range p.clients {
		for _, tool := range client.Tools() {
			if existing, ok := catalog[tool.Name]; ok {
				p.logger.Warn("duplicate tool name, keeping first registration",
					"tool", tool.Name,
					"kept", existing.Client.Spec().Name,
					"dropped", client.Spec().Name)
				continue
			}
			catalog[tool.Name] = &ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				Client:      client,
			}
			order = append(order, tool.Name)
		}
	}

	p.catalog = catalog
	p.order = order
}

// Catalog returns the merged tool definitions in registration order.
func (p *Pool) Catalog() []*ToolDefinition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.catalog[name])
	}
	return out
}

// Lookup finds a tool by name.
func (p *Pool) Lookup(name string) (*ToolDefinition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	def, ok := p.catalog[name]
	return def, ok
}

// Call routes a tool call to the owning client.
func (p *Pool) Call(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	def, ok := p.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return def.Client.CallTool(ctx, name, arguments)
}

// Relist refreshes the tool lists of relistable servers (the integrations
// aggregator). When a server's tool set changed, its client is reconnected so
// the transport picks up the new integration set, and the merged catalog is
// rebuilt.
func (p *Pool) Relist(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := false
	for i, client := range p.clients {
		if !client.Spec().Relistable {
			continue
		}

		before := toolNames(client.Tools())
		if err := client.RefreshTools(ctx); err != nil {
			p.logger.Warn("re-list failed", "server", client.Spec().Name, "error", err)
			continue
		}
		after := toolNames(client.Tools())
		if sliceEqual(before, after) {
			continue
		}

		p.logger.Info("integration set changed, reconnecting",
			"server", client.Spec().Name,
			"tools_before", len(before),
			"tools_after", len(after))
		client.Close()
		fresh, err := p.connectOne(ctx, client.Spec())
		if err != nil {
			p.logger.Error("reconnect failed", "server", client.Spec().Name, "error", err)
			continue
		}
		p.clients[i] = fresh
		changed = true
	}

	if changed {
		p.rebuildCatalogLocked()
	}
}

// Close releases every client. Errors are swallowed; disposal is best-effort.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, client := range p.clients {
		if err := client.Close(); err != nil {
			p.logger.Debug("error closing MCP client", "server", client.Spec().Name, "error", err)
		}
	}
	p.clients = nil
	p.catalog = make(map[string]*ToolDefinition)
	p.order = nil
}

func toolNames(tools []*Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
