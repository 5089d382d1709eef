package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central collection of Prometheus instruments.
//
// The metrics system tracks:
//   - Agent turns and their outcomes per conversation mode
//   - Model request latency and token consumption per provider
//   - Tool execution counts and latencies
//   - MCP server connection health
//   - Active conversation count for capacity planning
//   - Rate limiter decisions
type Metrics struct {
	// TurnCounter counts agent turns. Labels: mode (chat|agent),
	// outcome (completed|tool-calls|error|canceled).
	TurnCounter *prometheus.CounterVec

	// ModelRequestDuration measures model stream latency in seconds,
	// first token to stream end. Labels: provider, model.
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts model requests. Labels: provider, model,
	// status (success|error).
	ModelRequestCounter *prometheus.CounterVec

	// ModelTokensUsed tracks token consumption. Labels: provider, model,
	// type (prompt|completion).
	ModelTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations. Labels: tool_name,
	// status (success|error|timeout).
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name.
	ToolExecutionDuration *prometheus.HistogramVec

	// MCPConnectionCounter counts MCP server connection attempts.
	// Labels: server, transport (streamable-http|sse), status.
	MCPConnectionCounter *prometheus.CounterVec

	// ActiveConversations is a gauge of live conversation sessions.
	ActiveConversations prometheus.Gauge

	// CompactionCounter counts history compactions. Labels: reason
	// (threshold|explicit).
	CompactionCounter *prometheus.CounterVec

	// RateLimitCounter counts rate limiter decisions. Labels: provider,
	// decision (allowed|denied|bypassed).
	RateLimitCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency in seconds.
	// Labels: method, path, status_code.
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests. Labels: method, path,
	// status_code.
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus instruments with the
// default registry. Call once at startup; the promhttp handler exposes them
// at /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_turns_total",
				Help: "Total number of agent turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentserver_model_request_duration_seconds",
				Help:    "Duration of model streaming requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		ModelRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_model_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_model_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentserver_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		MCPConnectionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_mcp_connections_total",
				Help: "Total number of MCP server connection attempts",
			},
			[]string{"server", "transport", "status"},
		),

		ActiveConversations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentserver_active_conversations",
				Help: "Current number of live conversation sessions",
			},
		),

		CompactionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_compactions_total",
				Help: "Total number of history compactions by reason",
			},
			[]string{"reason"},
		),

		RateLimitCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_rate_limit_decisions_total",
				Help: "Total number of rate limiter decisions by provider",
			},
			[]string{"provider", "decision"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentserver_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentserver_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordTurn increments the turn counter.
func (m *Metrics) RecordTurn(mode, outcome string) {
	m.TurnCounter.WithLabelValues(mode, outcome).Inc()
}

// RecordModelRequest records a completed model streaming request.
func (m *Metrics) RecordModelRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordMCPConnection records one MCP connection attempt.
func (m *Metrics) RecordMCPConnection(server, transport, status string) {
	m.MCPConnectionCounter.WithLabelValues(server, transport, status).Inc()
}

// ConversationStarted increments the active conversation gauge.
func (m *Metrics) ConversationStarted() {
	m.ActiveConversations.Inc()
}

// ConversationEnded decrements the active conversation gauge.
func (m *Metrics) ConversationEnded() {
	m.ActiveConversations.Dec()
}

// RecordCompaction records one history compaction.
func (m *Metrics) RecordCompaction(reason string) {
	m.CompactionCounter.WithLabelValues(reason).Inc()
}

// RecordRateLimit records one rate limiter decision.
func (m *Metrics) RecordRateLimit(provider, decision string) {
	m.RateLimitCounter.WithLabelValues(provider, decision).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
