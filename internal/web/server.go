// Package web is the HTTP surface of the agent server: the chat stream, the
// session lifecycle routes, the local MCP endpoint, the extension bridge,
// and the operational endpoints.
package web

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/browseros-ai/agent-server/internal/bridge"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/internal/ratelimit"
	"github.com/browseros-ai/agent-server/internal/session"
)

// Options carries the server's collaborators.
type Options struct {
	Registry *session.Registry
	Limiter  *ratelimit.Limiter
	Hub      *bridge.Hub
	MCP      http.Handler
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// Shutdown triggers a graceful server stop; wired by cmd.
	Shutdown func()
}

// Server holds the route handlers.
type Server struct {
	registry *session.Registry
	limiter  *ratelimit.Limiter
	hub      *bridge.Hub
	mcp      http.Handler
	logger   *observability.Logger
	metrics  *observability.Metrics
	shutdown func()
	started  time.Time
}

// New assembles the HTTP surface.
func New(opts Options) *Server {
	return &Server{
		registry: opts.Registry,
		limiter:  opts.Limiter,
		hub:      opts.Hub,
		mcp:      opts.MCP,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		shutdown: opts.Shutdown,
		started:  time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("DELETE /chat/{id}", s.handleDeleteChat)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	mux.HandleFunc("POST /test-provider", s.handleTestProvider)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp)
	}
	if s.hub != nil {
		mux.Handle("GET /bridge", s.hub)
	}

	return s.instrument(mux)
}

// instrument records request metrics and logs completions.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(sw.status), time.Since(start).Seconds())
		}
		if s.logger != nil {
			s.logger.Debug(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds())
		}
	})
}

// statusWriter captures the response code for instrumentation. It forwards
// Flush so SSE streaming keeps working through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the bridge websocket upgrade through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
