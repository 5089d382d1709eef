package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	transcript := []Message{
		{ID: "m1", Role: RoleUser, Parts: []Part{
			TextPart{Text: "open the dashboard"},
			ImagePart{Data: []byte{0x89, 0x50, 0x4e, 0x47}, MediaType: "image/png"},
		}},
		{ID: "m2", Role: RoleAssistant, Parts: []Part{
			TextPart{Text: "navigating"},
			ToolCallPart{CallID: "call_1", ToolName: "browser_navigate", Input: json.RawMessage(`{"url":"https://example.com"}`)},
			ToolCallPart{CallID: "call_2", ToolName: "browser_screenshot", Input: json.RawMessage(`{}`)},
		}},
		{ID: "m3", Role: RoleTool, Parts: []Part{
			ToolResultPart{CallID: "call_1", ToolName: "browser_navigate", Output: TextOutput("done")},
			ToolResultPart{CallID: "call_2", ToolName: "browser_screenshot", Output: JSONOutput(json.RawMessage(`{"pageId":"tab-1"}`))},
			ToolResultPart{CallID: "call_3", ToolName: "browser_click", Output: ErrorOutput("element not found")},
			ToolResultPart{CallID: "call_4", ToolName: "browser_extract_content", Output: ToolOutput{Type: OutputErrorJSON, Value: json.RawMessage(`{"reason":"timeout"}`)}},
		}},
	}

	data, err := json.Marshal(transcript)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(transcript, decoded) {
		t.Errorf("round trip changed the transcript:\n got %#v\nwant %#v", decoded, transcript)
	}

	// Pairing information must survive so the sanitizer can match the sides.
	calls := decoded[1].ToolCalls()
	results := decoded[2].ToolResults()
	if len(calls) != 2 || len(results) != 4 {
		t.Fatalf("calls = %d, results = %d", len(calls), len(results))
	}
	if calls[0].CallID != results[0].CallID {
		t.Errorf("pairing lost: call %q vs result %q", calls[0].CallID, results[0].CallID)
	}
	for i, want := range []OutputType{OutputText, OutputJSON, OutputErrorText, OutputErrorJSON} {
		if results[i].Output.Type != want {
			t.Errorf("result %d output type = %s, want %s", i, results[i].Output.Type, want)
		}
	}
	if !results[2].Output.Type.IsError() || results[2].Output.Text() != "element not found" {
		t.Errorf("error-text output = %+v", results[2].Output)
	}
}

func TestMessageWireCarriesTypeTags(t *testing.T) {
	msg := Message{ID: "m1", Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "hi"},
		ToolCallPart{CallID: "c1", ToolName: "browser_click", Input: json.RawMessage(`{"index":3}`)},
	}}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw struct {
		Parts []map[string]any `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if len(raw.Parts) != 2 {
		t.Fatalf("parts = %d", len(raw.Parts))
	}
	if raw.Parts[0]["type"] != "text" || raw.Parts[1]["type"] != "tool-call" {
		t.Errorf("type tags = %v, %v", raw.Parts[0]["type"], raw.Parts[1]["type"])
	}
}

func TestUnmarshalRejectsUnknownPartType(t *testing.T) {
	var msg Message
	err := json.Unmarshal([]byte(`{"id":"m1","role":"user","parts":[{"type":"video"}]}`), &msg)
	if err == nil {
		t.Error("unknown part type accepted")
	}
}
