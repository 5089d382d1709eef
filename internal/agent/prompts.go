package agent

import (
	"fmt"
	"strings"

	"github.com/browseros-ai/agent-server/pkg/models"
)

const chatPrompt = `You are a helpful assistant running inside the user's browser.
Answer directly and concisely. Use the available browser tools only when the
user's request requires looking at or acting on a page.`

const agentPrompt = `You are an autonomous browser agent. Break the user's goal
into steps and carry them out with the available browser tools. Observe the
page state after each action before deciding the next one. Report what you did
and what you found when the goal is reached or cannot be.`

func systemPrompt(mode models.Mode) string {
	if mode == models.ModeAgent {
		return agentPrompt
	}
	return chatPrompt
}

// firstTurnText augments the opening user message of a new conversation with
// the browser context prelude and, when the client carried one over, the
// previous conversation transcript.
func firstTurnText(userText string, browser *models.BrowserContext, previous string) string {
	var sb strings.Builder
	if p := browser.Prelude(); p != "" {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	if previous != "" {
		fmt.Fprintf(&sb, "<previous_conversation>\n%s\n</previous_conversation>\n\n", previous)
	}
	sb.WriteString(userText)
	return sb.String()
}
