package model

import (
	"fmt"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// Sanitize enforces the transcript invariants before provider submission:
// consecutive tool messages are merged, orphaned tool calls are stripped,
// results with no matching call are dropped, and call ids are synchronized so
// the provider sees identical ids on both sides of every pair.
//
// The input is never modified; a new message list is returned.
func Sanitize(history []models.Message) []models.Message {
	merged := mergeToolMessages(history)
	out := make([]models.Message, 0, len(merged))

	for i := 0; i < len(merged); i++ {
		msg := merged[i]
		switch msg.Role {
		case models.RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				out = append(out, dropToolParts(msg))
				continue
			}
			var results []models.ToolResultPart
			hasToolMsg := i+1 < len(merged) && merged[i+1].Role == models.RoleTool
			if hasToolMsg {
				results = merged[i+1].ToolResults()
			}
			assistant, tool := pairMessages(msg, results)
			out = append(out, assistant)
			if hasToolMsg {
				i++
				if len(tool.Parts) > 0 {
					tool.ID = merged[i].ID
					out = append(out, tool)
				}
			}
		case models.RoleTool:
			// Tool message with no preceding assistant calls is orphaned.
			continue
		default:
			out = append(out, msg)
		}
	}
	return out
}

// mergeToolMessages collapses runs of consecutive tool messages into one so
// that every tool message directly follows its assistant message.
func mergeToolMessages(history []models.Message) []models.Message {
	out := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleTool && len(out) > 0 && out[len(out)-1].Role == models.RoleTool {
			prev := &out[len(out)-1]
			merged := make([]models.Part, 0, len(prev.Parts)+len(msg.Parts))
			merged = append(merged, prev.Parts...)
			merged = append(merged, msg.Parts...)
			prev.Parts = merged
			continue
		}
		out = append(out, msg)
	}
	return out
}

// dropToolParts strips stray tool-result parts from a non-tool message.
func dropToolParts(msg models.Message) models.Message {
	kept := make([]models.Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if _, ok := p.(models.ToolResultPart); ok {
			continue
		}
		kept = append(kept, p)
	}
	msg.Parts = kept
	return msg
}

// pairMessages runs the two-pass pairing between an assistant message's tool
// calls and the following tool message's results.
//
// Pass one matches on exact call id. Pass two matches leftover results to
// leftover calls by tool name in emission order; this covers transcripts where
// one side carries server-assigned ids and the other client-assigned ones.
// Calls with empty ids get "__empty_<n>" placeholder keys so both sides still
// agree on an id. Unmatched calls and unmatched results are dropped.
func pairMessages(assistant models.Message, results []models.ToolResultPart) (models.Message, models.Message) {
	calls := assistant.ToolCalls()

	// Assign placeholder keys to id-less calls.
	keys := make([]string, len(calls))
	for i, c := range calls {
		if c.CallID == "" {
			keys[i] = fmt.Sprintf("__empty_%d", i)
		} else {
			keys[i] = c.CallID
		}
	}

	matchedCall := make([]bool, len(calls))
	matchedResult := make([]int, len(calls)) // call index -> result index
	for i := range matchedResult {
		matchedResult[i] = -1
	}
	usedResult := make([]bool, len(results))

	// Pass one: exact id.
	for ri, r := range results {
		if r.CallID == "" {
			continue
		}
		for ci := range calls {
			if !matchedCall[ci] && keys[ci] == r.CallID {
				matchedCall[ci] = true
				matchedResult[ci] = ri
				usedResult[ri] = true
				break
			}
		}
	}

	// Pass two: by tool name, in order.
	for ri, r := range results {
		if usedResult[ri] {
			continue
		}
		for ci, c := range calls {
			if !matchedCall[ci] && c.ToolName == r.ToolName {
				matchedCall[ci] = true
				matchedResult[ci] = ri
				usedResult[ri] = true
				break
			}
		}
	}

	// Rebuild the assistant message, keeping only matched calls and rewriting
	// placeholder ids.
	kept := make([]models.Part, 0, len(assistant.Parts))
	callIdx := 0
	for _, p := range assistant.Parts {
		call, ok := p.(models.ToolCallPart)
		if !ok {
			if _, isResult := p.(models.ToolResultPart); isResult {
				continue
			}
			kept = append(kept, p)
			continue
		}
		ci := callIdx
		callIdx++
		if !matchedCall[ci] {
			continue
		}
		call.CallID = keys[ci]
		kept = append(kept, call)
	}
	assistant.Parts = kept

	// Rebuild the tool message with results in call order, ids synchronized.
	toolParts := make([]models.Part, 0, len(results))
	for ci := range calls {
		ri := matchedResult[ci]
		if ri < 0 {
			continue
		}
		r := results[ri]
		r.CallID = keys[ci]
		if r.ToolName == "" {
			r.ToolName = calls[ci].ToolName
		}
		toolParts = append(toolParts, r)
	}

	return assistant, models.Message{Role: models.RoleTool, Parts: toolParts}
}
