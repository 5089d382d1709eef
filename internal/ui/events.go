// Package ui implements the UI message stream: the typed event vocabulary the
// client renders and the SSE writer that carries it.
package ui

// EventType is the wire tag of one UI stream event.
type EventType string

const (
	EventStart               EventType = "start"
	EventStartStep           EventType = "start-step"
	EventFinishStep          EventType = "finish-step"
	EventFinish              EventType = "finish"
	EventAbort               EventType = "abort"
	EventTextDelta           EventType = "text-delta"
	EventReasoningDelta      EventType = "reasoning-delta"
	EventToolInputStart      EventType = "tool-input-start"
	EventToolInputDelta      EventType = "tool-input-delta"
	EventToolInputAvailable  EventType = "tool-input-available"
	EventToolOutputAvailable EventType = "tool-output-available"
	EventToolInputError      EventType = "tool-input-error"
	EventToolOutputError     EventType = "tool-output-error"
	EventError               EventType = "error"
)

// Event is one frame of the UI message stream. Only the fields relevant to
// the event's type are populated.
type Event struct {
	Type EventType `json:"type"`

	Delta          string `json:"delta,omitempty"`
	CallID         string `json:"callId,omitempty"`
	ToolName       string `json:"toolName,omitempty"`
	InputTextDelta string `json:"inputTextDelta,omitempty"`
	Input          any    `json:"input,omitempty"`
	Output         any    `json:"output,omitempty"`
	ErrorText      string `json:"errorText,omitempty"`
}

// Sink consumes UI events. Implementations must tolerate events after the
// client is gone; delivery is best-effort.
type Sink interface {
	Send(Event)
}

func Start() Event      { return Event{Type: EventStart} }
func StartStep() Event  { return Event{Type: EventStartStep} }
func FinishStep() Event { return Event{Type: EventFinishStep} }
func Finish() Event     { return Event{Type: EventFinish} }
func Abort() Event      { return Event{Type: EventAbort} }

func TextDelta(delta string) Event {
	return Event{Type: EventTextDelta, Delta: delta}
}

func ReasoningDelta(delta string) Event {
	return Event{Type: EventReasoningDelta, Delta: delta}
}

func ToolInputStart(callID, toolName string) Event {
	return Event{Type: EventToolInputStart, CallID: callID, ToolName: toolName}
}

func ToolInputDelta(callID, delta string) Event {
	return Event{Type: EventToolInputDelta, CallID: callID, InputTextDelta: delta}
}

func ToolInputAvailable(callID, toolName string, input any) Event {
	return Event{Type: EventToolInputAvailable, CallID: callID, ToolName: toolName, Input: input}
}

func ToolOutputAvailable(callID string, output any) Event {
	return Event{Type: EventToolOutputAvailable, CallID: callID, Output: output}
}

func ToolInputError(callID, errorText string) Event {
	return Event{Type: EventToolInputError, CallID: callID, ErrorText: errorText}
}

func ToolOutputError(callID, errorText string) Event {
	return Event{Type: EventToolOutputError, CallID: callID, ErrorText: errorText}
}

func Error(errorText string) Event {
	return Event{Type: EventError, ErrorText: errorText}
}
