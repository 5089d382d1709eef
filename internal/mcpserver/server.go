// Package mcpserver hosts the server's own browser tools behind the MCP
// contract so the agent consumes them through the same client pool as any
// remote integration.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/browseros-ai/agent-server/internal/bridge"
	"github.com/browseros-ai/agent-server/internal/mcp"
	"github.com/browseros-ai/agent-server/internal/observability"
)

// ScopeHeader names the browser state an MCP request targets.
const ScopeHeader = "X-BrowserOS-Scope"

// Server is the local MCP endpoint. It speaks JSON-RPC 2.0 over HTTP and
// refuses non-loopback callers unless AllowRemote is set.
type Server struct {
	logger      *observability.Logger
	bridge      bridge.Bridge
	states      *StateStore
	tools       []*browserTool
	byName      map[string]*browserTool
	allowRemote bool
}

// New creates the local MCP server over an extension bridge.
func New(b bridge.Bridge, logger *observability.Logger, allowRemote bool) (*Server, error) {
	tools, err := buildTools()
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*browserTool, len(tools))
	for _, t := range tools {
		byName[t.name] = t
	}
	return &Server{
		logger:      logger,
		bridge:      b,
		states:      NewStateStore(),
		tools:       tools,
		byName:      byName,
		allowRemote: allowRemote,
	}, nil
}

// States exposes the scope store for the periodic sweep.
func (s *Server) States() *StateStore {
	return s.states
}

// Sweep drops expired browser states.
func (s *Server) Sweep() {
	if dropped := s.states.Sweep(); dropped > 0 {
		s.logger.Debug(context.Background(), "swept expired browser states", "dropped", dropped)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.allowRemote && !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden: loopback only", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req mcp.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, mcp.ErrCodeParseError, "parse error")
		return
	}

	// Notifications get an ack and no body.
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	scope := r.Header.Get(ScopeHeader)
	if scope == "" {
		scope = "default"
	}

	switch req.Method {
	case "initialize":
		s.writeResult(w, req.ID, mcp.InitializeResult{
			ProtocolVersion: mcp.ProtocolVersion,
			Capabilities:    mcp.Capabilities{Tools: &mcp.ToolsCapability{ListChanged: false}},
			ServerInfo:      mcp.ServerInfo{Name: "browseros-local", Version: "1.0.0"},
		})
	case "ping":
		s.writeResult(w, req.ID, struct{}{})
	case "tools/list":
		s.writeResult(w, req.ID, s.listTools())
	case "tools/call":
		s.handleCallTool(w, r, scope, &req)
	default:
		s.writeError(w, req.ID, mcp.ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) listTools() mcp.ListToolsResult {
	tools := make([]*mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, &mcp.Tool{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.schema,
		})
	}
	return mcp.ListToolsResult{Tools: tools}
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request, scope string, req *mcp.JSONRPCRequest) {
	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(w, req.ID, mcp.ErrCodeInvalidParams, "invalid tools/call params")
		return
	}

	tool, ok := s.byName[params.Name]
	if !ok {
		s.writeError(w, req.ID, mcp.ErrCodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}

	if err := tool.validateArgs(params.Arguments); err != nil {
		// Schema violations flow back as tool errors so the model can correct
		// its arguments.
		s.writeResult(w, req.ID, errorResult(fmt.Sprintf("invalid arguments for %s: %v", params.Name, err)))
		return
	}

	result, err := tool.handler(r.Context(), &toolRequest{
		scope:  scope,
		state:  s.states,
		bridge: s.bridge,
		args:   params.Arguments,
	})
	if err != nil {
		s.logger.Warn(r.Context(), "browser tool failed",
			"tool", params.Name,
			"scope", scope,
			"error", err)
		s.writeResult(w, req.ID, errorResult(err.Error()))
		return
	}
	s.writeResult(w, req.ID, result)
}

func errorResult(text string) *mcp.ToolCallResult {
	return &mcp.ToolCallResult{
		IsError: true,
		Content: []mcp.ToolResultContent{{Type: "text", Text: text}},
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id any, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.writeError(w, id, mcp.ErrCodeInternalError, "marshal result")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: data})
}

func (s *Server) writeError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mcp.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &mcp.JSONRPCError{Code: code, Message: message},
	})
}

// isLoopback reports whether the remote address is a loopback interface.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
