// Package bridge carries browser-tool invocations between the server and the
// extension over a WebSocket connection. The local MCP server is the only
// caller; the extension is the only connector.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// ErrNotConnected is returned when no extension is attached.
var ErrNotConnected = errors.New("bridge: extension not connected")

// Bridge is the call surface the browser tools execute through.
type Bridge interface {
	// Call sends one command to the extension and waits for its response.
	// Scope namespaces the browser state the command targets.
	Call(ctx context.Context, scope, method string, params any) (json.RawMessage, error)

	// Connected reports whether an extension is currently attached.
	Connected() bool
}

// frame is the wire envelope in both directions.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"` // request | response | event
	Scope  string          `json:"scope,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Hub accepts the extension's WebSocket connection and multiplexes command
// round-trips over it. At most one extension connection is active; a new
// connection displaces the previous one.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *conn
	pending map[string]chan *frame

	connectedAt atomic.Int64
}

type conn struct {
	ws      *websocket.Conn
	send    chan []byte
	closed  chan struct{}
	closeMu sync.Once
}

// NewHub creates an extension bridge hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger.With("component", "bridge"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pending: make(map[string]chan *frame),
	}
}

// ServeHTTP upgrades the extension's connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		ws:     ws,
		send:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	old := h.conn
	h.conn = c
	h.mu.Unlock()
	if old != nil {
		old.close()
		h.logger.Info("replacing existing extension connection")
	}
	h.connectedAt.Store(time.Now().UnixMilli())
	h.logger.Info("extension connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	if h.conn == c {
		h.conn = nil
		h.connectedAt.Store(0)
	}
	// Fail anything still waiting on this connection.
	for id, ch := range h.pending {
		select {
		case ch <- &frame{ID: id, Type: "response", Error: &frameError{Message: "extension disconnected"}}:
		default:
		}
		delete(h.pending, id)
	}
	h.mu.Unlock()
	h.logger.Info("extension disconnected")
}

// Connected reports whether an extension is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil
}

// ConnectedSince returns when the current extension attached, or zero time.
func (h *Hub) ConnectedSince() time.Time {
	ms := h.connectedAt.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Call sends one command and waits for the matching response.
func (h *Hub) Call(ctx context.Context, scope, method string, params any) (json.RawMessage, error) {
	h.mu.Lock()
	c := h.conn
	h.mu.Unlock()
	if c == nil {
		return nil, ErrNotConnected
	}

	req := frame{
		ID:     uuid.New().String(),
		Type:   "request",
		Scope:  scope,
		Method: method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("bridge: marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	payload, _ := json.Marshal(req)

	respCh := make(chan *frame, 1)
	h.mu.Lock()
	h.pending[req.ID] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, req.ID)
		h.mu.Unlock()
	}()

	select {
	case c.send <- payload:
	case <-c.closed:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("bridge: %s", resp.Error.Message)
		}
		return resp.Result, nil
	case <-c.closed:
		return nil, ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) readLoop(c *conn) {
	defer c.close()

	c.ws.SetReadLimit(wsMaxPayloadBytes)
	c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Warn("malformed bridge frame", "error", err)
			continue
		}

		switch f.Type {
		case "response":
			h.mu.Lock()
			ch, ok := h.pending[f.ID]
			h.mu.Unlock()
			if ok {
				select {
				case ch <- &f:
				default:
				}
			}
		case "event":
			// Extension-initiated events (tab changes etc.) are informational.
			h.logger.Debug("bridge event", "method", f.Method)
		}
	}
}

func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *conn) close() {
	c.closeMu.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}
