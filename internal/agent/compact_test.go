package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/browseros-ai/agent-server/pkg/models"
)

func toolResult(callID, text string) models.Message {
	return models.Message{
		ID:   "t-" + callID,
		Role: models.RoleTool,
		Parts: []models.Part{
			models.ToolResultPart{CallID: callID, ToolName: "tool", Output: models.TextOutput(text)},
		},
	}
}

func assistantCall(id, callID string) models.Message {
	return models.Message{
		ID:   id,
		Role: models.RoleAssistant,
		Parts: []models.Part{
			models.ToolCallPart{CallID: callID, ToolName: "tool", Input: json.RawMessage(`{}`)},
		},
	}
}

func TestTruncateOversizedToolOutput(t *testing.T) {
	c := NewCompactor(100, 0.6)
	big := strings.Repeat("x", 250)
	history := []models.Message{
		models.UserText("u1", "hi"),
		assistantCall("a1", "c1"),
		toolResult("c1", big),
	}

	out := c.Compact(history, 1<<20)

	got := out[2].ToolResults()[0].Output
	if got.Type != models.OutputText {
		t.Fatalf("output type = %s", got.Type)
	}
	text := got.Text()
	if !strings.HasPrefix(text, strings.Repeat("x", 100)) {
		t.Errorf("truncated output does not keep the prefix")
	}
	if !strings.Contains(text, "[... truncated 150 characters]") {
		t.Errorf("marker missing: %q", text[len(text)-60:])
	}
}

func TestTruncateDowngradesJSONToText(t *testing.T) {
	c := NewCompactor(50, 0.6)
	raw, _ := json.Marshal(map[string]string{"blob": strings.Repeat("y", 200)})
	history := []models.Message{
		models.UserText("u1", "hi"),
		assistantCall("a1", "c1"),
		{ID: "t1", Role: models.RoleTool, Parts: []models.Part{
			models.ToolResultPart{CallID: "c1", Output: models.JSONOutput(raw)},
		}},
	}

	out := c.Compact(history, 1<<20)
	got := out[2].ToolResults()[0].Output
	if got.Type != models.OutputText {
		t.Errorf("json output not downgraded, type = %s", got.Type)
	}
	if !strings.Contains(got.Text(), "truncated") {
		t.Errorf("marker missing")
	}
}

func TestTruncateKeepsErrorVariant(t *testing.T) {
	c := NewCompactor(10, 0.6)
	history := []models.Message{
		models.UserText("u1", "hi"),
		assistantCall("a1", "c1"),
		{ID: "t1", Role: models.RoleTool, Parts: []models.Part{
			models.ToolResultPart{CallID: "c1", Output: models.ErrorOutput(strings.Repeat("e", 40))},
		}},
	}
	out := c.Compact(history, 1<<20)
	if got := out[2].ToolResults()[0].Output.Type; got != models.OutputErrorText {
		t.Errorf("error output lost its error type: %s", got)
	}
}

func TestCompactDropsFromFrontUntilFit(t *testing.T) {
	c := NewCompactor(0, 0.6)
	var history []models.Message
	for i := 0; i < 10; i++ {
		history = append(history, models.UserText(fmt.Sprintf("u%d", i), strings.Repeat("w", 400)))
	}

	// 10 messages * 100 tokens each; budget 0.6*500 = 300 tokens keeps 3.
	out := c.Compact(history, 500)
	if len(out) != 3 {
		t.Fatalf("kept %d messages, want 3", len(out))
	}
	if out[len(out)-1].ID != "u9" {
		t.Errorf("most recent message dropped")
	}
}

func TestCompactDropsToolWithFollowingAssistant(t *testing.T) {
	c := NewCompactor(0, 0.6)
	history := []models.Message{
		toolResult("c0", strings.Repeat("r", 400)),
		models.AssistantText("a0", strings.Repeat("a", 400)),
		models.UserText("u1", strings.Repeat("u", 400)),
		models.AssistantText("a1", "done"),
	}

	// Budget forces one drop; the leading tool message must take the
	// assistant after it along.
	out := c.Compact(history, 340)
	if len(out) != 2 {
		t.Fatalf("kept %d messages, want 2", len(out))
	}
	if out[0].ID != "u1" {
		t.Errorf("front of window = %s, want u1", out[0].ID)
	}
}

func TestCompactDropsAssistantWithItsToolMessage(t *testing.T) {
	c := NewCompactor(0, 0.6)
	history := []models.Message{
		assistantCall("a0", "c0"),
		toolResult("c0", strings.Repeat("r", 800)),
		models.UserText("u1", strings.Repeat("u", 100)),
		models.AssistantText("a1", "done"),
	}

	out := c.Compact(history, 200)
	if len(out) != 2 {
		t.Fatalf("kept %d messages, want 2", len(out))
	}
	if out[0].ID != "u1" {
		t.Errorf("front of window = %s, want u1", out[0].ID)
	}
	// No orphaned tool message survives.
	for _, m := range out {
		if m.Role == models.RoleTool {
			t.Errorf("orphaned tool message kept: %s", m.ID)
		}
	}
}

func TestCompactNeverDropsBelowTwoMessages(t *testing.T) {
	c := NewCompactor(0, 0.6)
	history := []models.Message{
		models.UserText("u1", strings.Repeat("u", 4000)),
		models.AssistantText("a1", strings.Repeat("a", 4000)),
	}
	out := c.Compact(history, 10)
	if len(out) != 2 {
		t.Errorf("kept %d messages, want 2", len(out))
	}
}

func TestCompactDoesNotModifyInput(t *testing.T) {
	c := NewCompactor(10, 0.6)
	big := strings.Repeat("z", 100)
	history := []models.Message{
		models.UserText("u1", "hi"),
		assistantCall("a1", "c1"),
		toolResult("c1", big),
	}

	c.Compact(history, 1)

	if got := history[2].ToolResults()[0].Output.Text(); got != big {
		t.Errorf("input history mutated")
	}
	if len(history) != 3 {
		t.Errorf("input history resized to %d", len(history))
	}
}

func TestCompactNoopWhenHistoryFits(t *testing.T) {
	c := NewCompactor(0, 0.6)
	history := []models.Message{
		models.UserText("u1", "short"),
		models.AssistantText("a1", "reply"),
		models.UserText("u2", "again"),
	}
	out := c.Compact(history, 128000)
	if len(out) != 3 {
		t.Fatalf("kept %d messages, want 3", len(out))
	}
	for i := range out {
		if out[i].ID != history[i].ID {
			t.Errorf("message %d reordered", i)
		}
	}
}
