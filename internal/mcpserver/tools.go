package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	invopop "github.com/invopop/jsonschema"
	schemaval "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/browseros-ai/agent-server/internal/bridge"
	"github.com/browseros-ai/agent-server/internal/mcp"
)

// toolRequest is the execution context handed to a tool handler.
type toolRequest struct {
	scope  string
	state  *StateStore
	bridge bridge.Bridge
	args   json.RawMessage
}

type toolHandler func(ctx context.Context, req *toolRequest) (*mcp.ToolCallResult, error)

// browserTool is one entry of the local tool surface.
type browserTool struct {
	name        string
	description string
	schema      json.RawMessage
	validator   *schemaval.Schema
	handler     toolHandler
}

// Tool parameter shapes. The JSON schema served to clients is derived from
// these structs; fields without omitempty are required.

type navigateParams struct {
	URL    string `json:"url" jsonschema:"description=Absolute URL to open"`
	NewTab bool   `json:"newTab,omitempty" jsonschema:"description=Open in a new tab instead of the active one"`
}

type clickParams struct {
	Selector string `json:"selector" jsonschema:"description=CSS selector or element reference from the page snapshot"`
}

type typeParams struct {
	Selector string `json:"selector" jsonschema:"description=CSS selector or element reference of the input"`
	Text     string `json:"text" jsonschema:"description=Text to type"`
	Submit   bool   `json:"submit,omitempty" jsonschema:"description=Press Enter after typing"`
}

type scrollParams struct {
	Direction string `json:"direction" jsonschema:"enum=up,enum=down,description=Scroll direction"`
	Amount    int    `json:"amount,omitempty" jsonschema:"description=Scroll distance in pixels; a viewport height when omitted"`
}

type extractParams struct {
	Format string `json:"format,omitempty" jsonschema:"enum=text,enum=markdown,description=Output format; defaults to markdown"`
}

type selectTabParams struct {
	TabID string `json:"tabId" jsonschema:"description=Tab identifier from browser_list_tabs"`
}

type bookmarksParams struct {
	Query string `json:"query,omitempty" jsonschema:"description=Substring to match against bookmark titles and URLs; empty lists all"`
}

type historyParams struct {
	Query      string `json:"query" jsonschema:"description=Substring to match against visited titles and URLs"`
	MaxResults int    `json:"maxResults,omitempty" jsonschema:"description=Maximum entries to return; defaults to 50"`
}

type scriptParams struct {
	Script string `json:"script" jsonschema:"description=JavaScript to evaluate in the active page"`
}

type emptyParams struct{}

// buildTools constructs the browser tool surface executed through the bridge.
func buildTools() ([]*browserTool, error) {
	specs := []struct {
		name        string
		description string
		params      any
		handler     toolHandler
	}{
		{
			name:        "browser_navigate",
			description: "Navigate the active tab (or a new tab) to a URL.",
			params:      &navigateParams{},
			handler:     handleNavigate,
		},
		{
			name:        "browser_get_state",
			description: "Return a snapshot of the active page: URL, title, and interactive elements.",
			params:      &emptyParams{},
			handler:     bridgeCall("getState", nil),
		},
		{
			name:        "browser_click",
			description: "Click an element on the active page.",
			params:      &clickParams{},
			handler:     bridgeCall("click", nil),
		},
		{
			name:        "browser_type",
			description: "Type text into an input on the active page.",
			params:      &typeParams{},
			handler:     bridgeCall("type", nil),
		},
		{
			name:        "browser_scroll",
			description: "Scroll the active page.",
			params:      &scrollParams{},
			handler:     bridgeCall("scroll", nil),
		},
		{
			name:        "browser_extract_content",
			description: "Extract the readable content of the active page.",
			params:      &extractParams{},
			handler:     bridgeCall("extractContent", nil),
		},
		{
			name:        "browser_screenshot",
			description: "Capture a screenshot of the active page.",
			params:      &emptyParams{},
			handler:     handleScreenshot,
		},
		{
			name:        "browser_list_tabs",
			description: "List open tabs in the scope's window.",
			params:      &emptyParams{},
			handler:     bridgeCall("listTabs", nil),
		},
		{
			name:        "browser_select_tab",
			description: "Make a tab the active target for subsequent tool calls.",
			params:      &selectTabParams{},
			handler:     handleSelectTab,
		},
		{
			name:        "browser_bookmarks_search",
			description: "Search the user's bookmarks.",
			params:      &bookmarksParams{},
			handler:     bridgeCall("searchBookmarks", nil),
		},
		{
			name:        "browser_history_search",
			description: "Search the user's browsing history.",
			params:      &historyParams{},
			handler:     bridgeCall("searchHistory", nil),
		},
		{
			name:        "browser_execute_script",
			description: "Evaluate JavaScript in the active page and return the result.",
			params:      &scriptParams{},
			handler:     bridgeCall("executeScript", nil),
		},
	}

	tools := make([]*browserTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := reflectSchema(spec.params)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", spec.name, err)
		}
		validator, err := compileSchema(spec.name, schema)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", spec.name, err)
		}
		tools = append(tools, &browserTool{
			name:        spec.name,
			description: spec.description,
			schema:      schema,
			validator:   validator,
			handler:     spec.handler,
		})
	}
	return tools, nil
}

// reflectSchema derives a JSON schema from a params struct.
func reflectSchema(params any) (json.RawMessage, error) {
	r := &invopop.Reflector{
		DoNotReference:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(params)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// compileSchema prepares a validator for incoming arguments.
func compileSchema(name string, schema json.RawMessage) (*schemaval.Schema, error) {
	compiler := schemaval.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schema))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// validateArgs checks raw arguments against the tool's schema.
func (t *browserTool) validateArgs(args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := t.validator.Validate(decoded); err != nil {
		return err
	}
	return nil
}

// bridgeCall builds a handler that forwards validated arguments to one bridge
// method, merging in the scope's window target. transform, when non-nil, can
// rewrite the bridge payload before it is returned.
func bridgeCall(method string, transform func(req *toolRequest, result json.RawMessage) (*mcp.ToolCallResult, error)) toolHandler {
	return func(ctx context.Context, req *toolRequest) (*mcp.ToolCallResult, error) {
		payload, err := withTarget(req, req.args)
		if err != nil {
			return nil, err
		}
		result, err := req.bridge.Call(ctx, req.scope, method, payload)
		if err != nil {
			return nil, err
		}
		if transform != nil {
			return transform(req, result)
		}
		return textResult(result), nil
	}
}

// withTarget merges the scope's active page and window into the arguments.
func withTarget(req *toolRequest, args json.RawMessage) (map[string]any, error) {
	payload := make(map[string]any)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}
	state := req.state.Get(req.scope)
	if state.ActivePageID != "" {
		payload["pageId"] = state.ActivePageID
	}
	if state.WindowID != "" {
		payload["windowId"] = state.WindowID
	}
	return payload, nil
}

// textResult wraps a raw bridge payload as text content.
func textResult(raw json.RawMessage) *mcp.ToolCallResult {
	text := string(raw)
	// Unwrap plain JSON strings so the model is not shown quote noise.
	var s string
	if json.Unmarshal(raw, &s) == nil {
		text = s
	}
	return &mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{Type: "text", Text: text}},
	}
}

func handleNavigate(ctx context.Context, req *toolRequest) (*mcp.ToolCallResult, error) {
	payload, err := withTarget(req, req.args)
	if err != nil {
		return nil, err
	}
	result, err := req.bridge.Call(ctx, req.scope, "navigate", payload)
	if err != nil {
		return nil, err
	}

	// Navigation may land on a different page (new tab); retarget the scope.
	var nav struct {
		PageID   string `json:"pageId"`
		WindowID string `json:"windowId"`
	}
	if json.Unmarshal(result, &nav) == nil && nav.PageID != "" {
		req.state.Update(req.scope, func(s *BrowserState) {
			s.ActivePageID = nav.PageID
			if nav.WindowID != "" {
				s.WindowID = nav.WindowID
			}
		})
	}
	return textResult(result), nil
}

func handleSelectTab(ctx context.Context, req *toolRequest) (*mcp.ToolCallResult, error) {
	var params selectTabParams
	if err := json.Unmarshal(req.args, &params); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	payload, err := withTarget(req, req.args)
	if err != nil {
		return nil, err
	}
	result, err := req.bridge.Call(ctx, req.scope, "selectTab", payload)
	if err != nil {
		return nil, err
	}
	req.state.Update(req.scope, func(s *BrowserState) {
		s.ActivePageID = params.TabID
	})
	return textResult(result), nil
}

func handleScreenshot(ctx context.Context, req *toolRequest) (*mcp.ToolCallResult, error) {
	payload, err := withTarget(req, req.args)
	if err != nil {
		return nil, err
	}
	result, err := req.bridge.Call(ctx, req.scope, "screenshot", payload)
	if err != nil {
		return nil, err
	}

	var shot struct {
		Data     string `json:"data"`
		MimeType string `json:"mimeType"`
	}
	if json.Unmarshal(result, &shot) == nil && shot.Data != "" {
		if shot.MimeType == "" {
			shot.MimeType = "image/png"
		}
		return &mcp.ToolCallResult{
			Content: []mcp.ToolResultContent{{Type: "image", Data: shot.Data, MimeType: shot.MimeType}},
		}, nil
	}
	return textResult(result), nil
}
