package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultTransportTimeout = 30 * time.Second

// StreamableTransport implements the streamable-HTTP MCP transport: every
// request is an independent POST, and the server answers with either a plain
// JSON body or a short event-stream carrying the response.
type StreamableTransport struct {
	spec   *ServerSpec
	logger *slog.Logger
	client *http.Client

	connected atomic.Bool

	// Mcp-Session-Id assigned by the server on initialize, echoed afterwards.
	mu        sync.Mutex
	sessionID string
}

// NewStreamableTransport creates a streamable-HTTP transport.
func NewStreamableTransport(spec *ServerSpec) *StreamableTransport {
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = defaultTransportTimeout
	}
	return &StreamableTransport{
		spec:   spec,
		logger: slog.Default().With("mcp_server", spec.Name, "transport", string(TransportStreamableHTTP)),
		client: &http.Client{Timeout: timeout},
	}
}

func (t *StreamableTransport) Connect(ctx context.Context) error {
	if err := t.spec.Validate(); err != nil {
		return err
	}
	t.connected.Store(true)
	return nil
}

func (t *StreamableTransport) Close() error {
	t.connected.Store(false)
	return nil
}

func (t *StreamableTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StreamableTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	body, _ := json.Marshal(req)

	resp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(payload))
	}

	if id := resp.Header.Get("Mcp-Session-Id"); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}

	rpcResp, err := decodeResponse(resp, req.ID)
	if err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (t *StreamableTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	body, _ := json.Marshal(notif)

	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *StreamableTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.spec.Headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

// decodeResponse reads the response body in either of the two shapes the
// streamable transport allows: a JSON object, or an event-stream whose data
// lines carry JSON-RPC messages (the response is the one matching the
// request id).
func decodeResponse(resp *http.Response, wantID any) (*JSONRPCResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		var rpcResp JSONRPCResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &rpcResp, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var rpcResp JSONRPCResponse
		if err := json.Unmarshal([]byte(data), &rpcResp); err != nil {
			continue
		}
		if sameID(rpcResp.ID, wantID) {
			return &rpcResp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}

// sameID compares JSON-RPC ids across the numeric/string representations
// json.Unmarshal may produce.
func sameID(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
