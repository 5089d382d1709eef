package models

import (
	"fmt"
	"strings"
)

// Tab describes one browser tab as reported by the client.
type Tab struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// BrowserContext is the browser-side context the client attaches to a chat
// request: the active tab, its window, and any tabs the user selected.
type BrowserContext struct {
	ActiveTab    *Tab  `json:"activeTab,omitempty"`
	WindowID     int   `json:"windowId,omitempty"`
	SelectedTabs []Tab `json:"selectedTabs,omitempty"`
}

// Prelude renders the context as a human-readable block prepended to the
// first user message of a conversation.
func (b *BrowserContext) Prelude() string {
	if b == nil {
		return ""
	}
	var sb strings.Builder
	if b.ActiveTab != nil {
		fmt.Fprintf(&sb, "Active tab: %s (%s)\n", b.ActiveTab.Title, b.ActiveTab.URL)
	}
	if len(b.SelectedTabs) > 0 {
		sb.WriteString("Selected tabs:\n")
		for _, t := range b.SelectedTabs {
			fmt.Fprintf(&sb, "- %s (%s)\n", t.Title, t.URL)
		}
	}
	return sb.String()
}
