package agent

import (
	"fmt"

	"github.com/browseros-ai/agent-server/pkg/models"
)

const (
	// DefaultTruncateChars bounds a single serialized tool output.
	DefaultTruncateChars = 15000

	// DefaultCompactionThreshold is the fraction of the context window the
	// compacted view must fit in.
	DefaultCompactionThreshold = 0.6

	// charsPerToken is the estimation heuristic.
	charsPerToken = 4

	// minMessages is the floor the sliding window never drops below.
	minMessages = 2
)

// Compactor prunes a conversation view before provider submission. It is a
// pure function of its inputs: the caller's history is never modified.
type Compactor struct {
	TruncateChars int
	Threshold     float64
}

// NewCompactor creates a compactor with defaulted settings.
func NewCompactor(truncateChars int, threshold float64) *Compactor {
	if truncateChars <= 0 {
		truncateChars = DefaultTruncateChars
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCompactionThreshold
	}
	return &Compactor{TruncateChars: truncateChars, Threshold: threshold}
}

// Compact truncates oversized tool outputs, then slides a window from the
// front until the estimated token count fits threshold*contextWindow or only
// the two most recent messages remain.
func (c *Compactor) Compact(history []models.Message, contextWindow int) []models.Message {
	out := make([]models.Message, len(history))
	for i, msg := range history {
		out[i] = c.truncateOutputs(msg)
	}

	budget := int(c.Threshold * float64(contextWindow))
	for len(out) > minMessages && estimateTokens(out) > budget {
		out = dropFront(out)
	}
	return out
}

// truncateOutputs rewrites oversized tool results to their first
// TruncateChars characters plus a marker. JSON outputs are serialized first,
// then downgraded to text.
func (c *Compactor) truncateOutputs(msg models.Message) models.Message {
	needsWork := false
	for _, p := range msg.Parts {
		if r, ok := p.(models.ToolResultPart); ok && len(serializedOutput(r.Output)) > c.TruncateChars {
			needsWork = true
			break
		}
	}
	if !needsWork {
		return msg
	}

	parts := make([]models.Part, len(msg.Parts))
	for i, p := range msg.Parts {
		r, ok := p.(models.ToolResultPart)
		if !ok {
			parts[i] = p
			continue
		}
		serialized := serializedOutput(r.Output)
		if len(serialized) <= c.TruncateChars {
			parts[i] = p
			continue
		}
		cut := len(serialized) - c.TruncateChars
		truncated := fmt.Sprintf("%s [... truncated %d characters]", serialized[:c.TruncateChars], cut)
		if r.Output.Type.IsError() {
			r.Output = models.ErrorOutput(truncated)
		} else {
			r.Output = models.TextOutput(truncated)
		}
		parts[i] = r
	}
	msg.Parts = parts
	return msg
}

// serializedOutput is the character count basis for truncation: the string
// payload for text variants, the raw JSON for structured ones.
func serializedOutput(o models.ToolOutput) string {
	return o.Text()
}

// estimateTokens applies the four-chars-per-token heuristic over all parts.
func estimateTokens(history []models.Message) int {
	chars := 0
	for _, msg := range history {
		for _, p := range msg.Parts {
			switch v := p.(type) {
			case models.TextPart:
				chars += len(v.Text)
			case models.ImagePart:
				chars += len(v.Data)
			case models.ToolCallPart:
				chars += len(v.ToolName) + len(v.Input)
			case models.ToolResultPart:
				chars += len(serializedOutput(v.Output))
			}
		}
	}
	return chars / charsPerToken
}

// dropFront removes the leading message together with its tool-adjacency
// partner: a leading tool message goes with the following assistant, a
// leading assistant that carries tool calls goes with the following tool
// message, anything else goes alone.
func dropFront(history []models.Message) []models.Message {
	if len(history) == 0 {
		return history
	}
	drop := 1
	first := history[0]
	switch {
	case first.Role == models.RoleTool:
		if len(history) > 1 && history[1].Role == models.RoleAssistant {
			drop = 2
		}
	case first.Role == models.RoleAssistant && len(first.ToolCalls()) > 0:
		if len(history) > 1 && history[1].Role == models.RoleTool {
			drop = 2
		}
	}
	if len(history)-drop < minMessages {
		drop = len(history) - minMessages
		if drop < 1 {
			return history
		}
	}
	return history[drop:]
}
