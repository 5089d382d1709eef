// Package models provides domain types for the agent orchestration server.
package models

import (
	"encoding/json"
	"fmt"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a conversation transcript. A message carries an
// identifier, a role, and an ordered list of parts.
//
// Structural rules enforced by the translation layer:
//   - ToolCallPart appears only in assistant messages.
//   - A tool message contains only ToolResultPart entries and immediately
//     follows the assistant message carrying the matching calls.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is one unit of message content. Exactly one of the concrete types
// below implements it; the wire form carries an explicit "type" tag.
type Part interface {
	partType() string
}

// TextPart is plain text content.
type TextPart struct {
	Text string `json:"text"`
}

// ImagePart is inline image content.
type ImagePart struct {
	Data      []byte `json:"data"`
	MediaType string `json:"mediaType"`
}

// ToolCallPart is a model-initiated tool invocation. Assistant messages only.
type ToolCallPart struct {
	CallID   string          `json:"callId"`
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input"`
}

// ToolResultPart is the outcome of one tool invocation. Tool messages only.
type ToolResultPart struct {
	CallID   string     `json:"callId"`
	ToolName string     `json:"toolName"`
	Output   ToolOutput `json:"output"`
}

func (TextPart) partType() string       { return "text" }
func (ImagePart) partType() string      { return "image" }
func (ToolCallPart) partType() string   { return "tool-call" }
func (ToolResultPart) partType() string { return "tool-result" }

// OutputType discriminates the payload of a ToolOutput.
type OutputType string

const (
	OutputText      OutputType = "text"
	OutputJSON      OutputType = "json"
	OutputErrorText OutputType = "error-text"
	OutputErrorJSON OutputType = "error-json"
)

// IsError reports whether the output represents a tool-reported failure.
func (t OutputType) IsError() bool {
	return t == OutputErrorText || t == OutputErrorJSON
}

// ToolOutput is the normalized result of a tool call. For text variants
// Value holds a JSON string; for json variants it holds arbitrary JSON.
type ToolOutput struct {
	Type  OutputType      `json:"type"`
	Value json.RawMessage `json:"value"`
}

// TextOutput builds a plain-text tool output.
func TextOutput(s string) ToolOutput {
	v, _ := json.Marshal(s)
	return ToolOutput{Type: OutputText, Value: v}
}

// JSONOutput builds a structured tool output.
func JSONOutput(raw json.RawMessage) ToolOutput {
	return ToolOutput{Type: OutputJSON, Value: raw}
}

// ErrorOutput builds an error-text tool output. Tool failures are delivered
// to the model as results, never as exceptions.
func ErrorOutput(s string) ToolOutput {
	v, _ := json.Marshal(s)
	return ToolOutput{Type: OutputErrorText, Value: v}
}

// Text extracts the string payload of a text or error-text output. For json
// variants it returns the raw JSON as a string.
func (o ToolOutput) Text() string {
	if o.Type == OutputText || o.Type == OutputErrorText {
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			return s
		}
	}
	return string(o.Value)
}

type partEnvelope struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Data      []byte `json:"data,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// tool-call / tool-result
	CallID   string          `json:"callId,omitempty"`
	ToolName string          `json:"toolName,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   *ToolOutput     `json:"output,omitempty"`
}

// MarshalJSON encodes the message with explicit part type tags.
func (m Message) MarshalJSON() ([]byte, error) {
	envelopes := make([]partEnvelope, 0, len(m.Parts))
	for _, p := range m.Parts {
		env := partEnvelope{Type: p.partType()}
		switch v := p.(type) {
		case TextPart:
			env.Text = v.Text
		case ImagePart:
			env.Data = v.Data
			env.MediaType = v.MediaType
		case ToolCallPart:
			env.CallID = v.CallID
			env.ToolName = v.ToolName
			env.Input = v.Input
		case ToolResultPart:
			env.CallID = v.CallID
			env.ToolName = v.ToolName
			out := v.Output
			env.Output = &out
		default:
			return nil, fmt.Errorf("unknown part type %T", p)
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(struct {
		ID    string         `json:"id"`
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
	}{ID: m.ID, Role: m.Role, Parts: envelopes})
}

// UnmarshalJSON decodes a message produced by MarshalJSON (or by the client,
// which uses the same tagged form).
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string         `json:"id"`
		Role  Role           `json:"role"`
		Parts []partEnvelope `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.Role = raw.Role
	m.Parts = make([]Part, 0, len(raw.Parts))
	for _, env := range raw.Parts {
		switch env.Type {
		case "text":
			m.Parts = append(m.Parts, TextPart{Text: env.Text})
		case "image":
			m.Parts = append(m.Parts, ImagePart{Data: env.Data, MediaType: env.MediaType})
		case "tool-call":
			m.Parts = append(m.Parts, ToolCallPart{CallID: env.CallID, ToolName: env.ToolName, Input: env.Input})
		case "tool-result":
			var out ToolOutput
			if env.Output != nil {
				out = *env.Output
			}
			m.Parts = append(m.Parts, ToolResultPart{CallID: env.CallID, ToolName: env.ToolName, Output: out})
		default:
			return fmt.Errorf("unknown part type %q", env.Type)
		}
	}
	return nil
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns the tool-call parts of the message in order.
func (m *Message) ToolCalls() []ToolCallPart {
	var calls []ToolCallPart
	for _, p := range m.Parts {
		if c, ok := p.(ToolCallPart); ok {
			calls = append(calls, c)
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of the message in order.
func (m *Message) ToolResults() []ToolResultPart {
	var results []ToolResultPart
	for _, p := range m.Parts {
		if r, ok := p.(ToolResultPart); ok {
			results = append(results, r)
		}
	}
	return results
}

// UserText builds a single-part user message.
func UserText(id, text string) Message {
	return Message{ID: id, Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantText builds a single-part assistant message.
func AssistantText(id, text string) Message {
	return Message{ID: id, Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}
