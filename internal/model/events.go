// Package model provides a uniform streaming façade over the supported LLM
// provider families. Every adapter translates the shared message form into
// provider-native requests and the native stream back into the event sequence
// consumed by the reasoning loop.
package model

import (
	"encoding/json"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// StreamEvent is one element of a model stream. The sequence is finite and is
// terminated by either Finish or ErrorEvent.
type StreamEvent interface {
	streamEvent()
}

// TextDelta is a partial assistant text chunk.
type TextDelta struct {
	Delta string
}

// ReasoningDelta is an opaque chain-of-thought excerpt, emitted only by
// providers that expose one.
type ReasoningDelta struct {
	Delta string
}

// ToolInputDelta is partial JSON for an emerging tool call. ToolName is set
// on every delta; the first delta for a call id doubles as its start marker.
type ToolInputDelta struct {
	CallID   string
	ToolName string
	Delta    string
}

// ToolInputAvailable is a fully formed tool call ready to execute.
type ToolInputAvailable struct {
	CallID   string
	ToolName string
	Input    json.RawMessage
}

// ToolInputError reports malformed tool arguments. The loop records the call
// with its raw input and feeds the error back as a tool result, so the pairing
// survives sanitization and the model sees its own mistake.
type ToolInputError struct {
	CallID    string
	ToolName  string
	Input     string
	ErrorText string
}

// Usage carries the token counts reported by the provider, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Finish is the normal end-of-turn marker.
type Finish struct {
	Usage Usage
}

// ErrorEvent is terminal; the turn must end.
type ErrorEvent struct {
	Err error
}

func (TextDelta) streamEvent()          {}
func (ReasoningDelta) streamEvent()     {}
func (ToolInputDelta) streamEvent()     {}
func (ToolInputAvailable) streamEvent() {}
func (ToolInputError) streamEvent()     {}
func (Finish) streamEvent()             {}
func (ErrorEvent) streamEvent()         {}

// ToolSpec is the provider-facing view of one tool: its name, description,
// and JSON-schema input definition.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one model streaming request: the pruned message list, the merged
// tool catalog, and generation limits.
type Request struct {
	System    string
	Messages  []models.Message
	Tools     []ToolSpec
	MaxTokens int
}
