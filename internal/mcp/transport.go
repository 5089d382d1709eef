package mcp

import (
	"context"
	"encoding/json"
)

// Transport is one bidirectional channel to an MCP endpoint.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close releases the connection. Best-effort; errors are advisory.
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport builds a transport of the given kind for a server spec.
func NewTransport(kind TransportKind, spec *ServerSpec) Transport {
	switch kind {
	case TransportSSE:
		return NewSSETransport(spec)
	default:
		return NewStreamableTransport(spec)
	}
}
