package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SSETransport implements the legacy HTTP+SSE MCP transport: one long-lived
// GET stream carries all server-to-client messages, and the first "endpoint"
// event names the URL that client requests are POSTed to. Responses are
// correlated to requests by id over the stream.
type SSETransport struct {
	spec   *ServerSpec
	logger *slog.Logger
	client *http.Client

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	endpoint string
	ready    chan struct{} // closed once the endpoint event arrives
	pending  map[string]chan *JSONRPCResponse
}

// NewSSETransport creates an SSE transport.
func NewSSETransport(spec *ServerSpec) *SSETransport {
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = defaultTransportTimeout
	}
	return &SSETransport{
		spec:   spec,
		logger: slog.Default().With("mcp_server", spec.Name, "transport", string(TransportSSE)),
		// No client timeout: the GET stream lives for the whole connection.
		client:   &http.Client{},
		stopChan: make(chan struct{}),
		ready:    make(chan struct{}),
		pending:  make(map[string]chan *JSONRPCResponse),
	}
}

func (t *SSETransport) Connect(ctx context.Context) error {
	if err := t.spec.Validate(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.spec.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("sse connect: HTTP %d", resp.StatusCode)
	}

	t.connected.Store(true)
	t.wg.Add(1)
	go t.readLoop(resp.Body)

	// The endpoint event must arrive before any request can be sent.
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-time.After(defaultTransportTimeout):
		t.Close()
		return fmt.Errorf("sse connect: no endpoint event")
	}
}

func (t *SSETransport) Close() error {
	if !t.connected.Swap(false) {
		return nil
	}
	close(t.stopChan)
	t.wg.Wait()

	t.mu.Lock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	return nil
}

func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.New().String()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respCh := make(chan *JSONRPCResponse, 1)
	t.mu.Lock()
	t.pending[id] = respCh
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	body, _ := json.Marshal(req)
	if err := t.postMessage(ctx, body); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	case rpcResp, ok := <-respCh:
		if !ok || rpcResp == nil {
			return nil, fmt.Errorf("transport closed")
		}
		if rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return rpcResp.Result, nil
	}
}

func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
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
	return t.postMessage(ctx, body)
}

func (t *SSETransport) postMessage(ctx context.Context, body []byte) error {
	t.mu.Lock()
	endpoint := t.endpoint
	t.mu.Unlock()
	if endpoint == "" {
		return fmt.Errorf("no message endpoint")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.spec.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(payload))
	}
	return nil
}

func (t *SSETransport) readLoop(body io.ReadCloser) {
	defer t.wg.Done()
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var eventName string
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			t.handleEvent(eventName, strings.TrimPrefix(line, "data: "))
		case line == "":
			eventName = ""
		}
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("sse stream ended", "error", err)
	}
	t.connected.Store(false)
}

func (t *SSETransport) handleEvent(eventName, data string) {
	if eventName == "endpoint" {
		endpoint := t.resolveEndpoint(data)
		t.mu.Lock()
		first := t.endpoint == ""
		t.endpoint = endpoint
		t.mu.Unlock()
		if first {
			close(t.ready)
		}
		return
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal([]byte(data), &rpcResp); err != nil || rpcResp.ID == nil {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[fmt.Sprint(rpcResp.ID)]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- &rpcResp:
	default:
	}
}

// resolveEndpoint interprets the endpoint event data relative to the stream
// URL; servers send either an absolute URL or a path.
func (t *SSETransport) resolveEndpoint(data string) string {
	base, err := url.Parse(t.spec.URL)
	if err != nil {
		return data
	}
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		return data
	}
	return base.ResolveReference(ref).String()
}
