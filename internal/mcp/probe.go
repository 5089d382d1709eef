package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"sync"
	"time"
)

// probeCacheTTL is how long a transport-detection result stays valid.
const probeCacheTTL = time.Hour

type probeEntry struct {
	kind    TransportKind
	expires time.Time
}

// Prober detects which transport an MCP endpoint speaks and caches the answer
// per URL. Transient failures (5xx) are never cached so a recovering server
// gets re-probed.
type Prober struct {
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]probeEntry
}

// NewProber creates a prober with the default cache TTL.
func NewProber() *Prober {
	return &Prober{
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    probeCacheTTL,
		now:    time.Now,
		cache:  make(map[string]probeEntry),
	}
}

// Detect returns the transport kind for a URL, probing at most once per TTL.
func (p *Prober) Detect(ctx context.Context, rawURL string, headers map[string]string) (TransportKind, error) {
	p.mu.Lock()
	if entry, ok := p.cache[rawURL]; ok && p.now().Before(entry.expires) {
		p.mu.Unlock()
		return entry.kind, nil
	}
	p.mu.Unlock()

	kind, cacheable, err := p.probe(ctx, rawURL, headers)
	if err != nil {
		return "", err
	}
	if cacheable {
		p.mu.Lock()
		p.cache[rawURL] = probeEntry{kind: kind, expires: p.now().Add(p.ttl)}
		p.mu.Unlock()
	}
	return kind, nil
}

// Prune drops expired cache entries.
func (p *Prober) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for url, entry := range p.cache {
		if !now.Before(entry.expires) {
			delete(p.cache, url)
		}
	}
}

// probe tries streamable-HTTP first (POST initialize), then SSE (GET with an
// event-stream accept). The second return value reports whether the result
// may be cached.
func (p *Prober) probe(ctx context.Context, rawURL string, headers map[string]string) (TransportKind, bool, error) {
	kind, cacheable, err := p.probeStreamable(ctx, rawURL, headers)
	if err == nil {
		return kind, cacheable, nil
	}

	sseKind, sseCacheable, sseErr := p.probeSSE(ctx, rawURL, headers)
	if sseErr == nil {
		return sseKind, sseCacheable, nil
	}

	return "", false, fmt.Errorf("no MCP transport detected at %s: %w", rawURL, err)
}

func (p *Prober) probeStreamable(ctx context.Context, rawURL string, headers map[string]string) (TransportKind, bool, error) {
	init := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      "probe",
		Method:  "initialize",
	}
	params, _ := json.Marshal(InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "agent-server", Version: "1.0.0"},
	})
	init.Params = params
	body, _ := json.Marshal(init)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", false, fmt.Errorf("probe: HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false, fmt.Errorf("probe: HTTP %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json", "text/event-stream":
		return TransportStreamableHTTP, true, nil
	default:
		return "", false, fmt.Errorf("probe: unexpected content type %q", mediaType)
	}
}

func (p *Prober) probeSSE(ctx context.Context, rawURL string, headers map[string]string) (TransportKind, bool, error) {
	// Bound the GET: an SSE endpoint would otherwise stream forever.
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", false, fmt.Errorf("probe: HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("probe: HTTP %d", resp.StatusCode)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		return "", false, fmt.Errorf("probe: unexpected content type %q", mediaType)
	}
	return TransportSSE, true, nil
}
