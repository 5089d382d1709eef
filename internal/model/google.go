package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// googleProvider adapts the Gemini API to the Provider contract. The SDK
// streams via Go iterators; each Stream call drives one iterator inside its
// own goroutine.
type googleProvider struct {
	client     *genai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

func newGoogle(cfg models.Config) (Provider, error) {
	if cfg.Credentials.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.Credentials.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}
	return &googleProvider{
		client:     client,
		model:      cfg.Model,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	events := make(chan StreamEvent)

	go func() {
		defer close(events)

		sanitized := Sanitize(req.Messages)
		contents := convertGoogleMessages(sanitized)
		config := p.buildConfig(req)

		var usage Usage
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			emitted, err := p.consumeStream(ctx, contents, config, events, &usage)
			if err == nil {
				events <- Finish{Usage: usage}
				return
			}
			wrapped := p.wrapError(err)
			// Retrying after partial output would duplicate deltas.
			if emitted || !IsRetryable(wrapped) || attempt == p.maxRetries {
				if IsRetryable(wrapped) && attempt == p.maxRetries {
					wrapped = fmt.Errorf("google: max retries exceeded: %w", wrapped)
				}
				events <- ErrorEvent{Err: wrapped}
				return
			}
			select {
			case <-ctx.Done():
				events <- ErrorEvent{Err: ctx.Err()}
				return
			case <-time.After(backoffDelay(p.retryDelay, attempt)):
			}
		}
	}()

	return events, nil
}

// consumeStream drives one Gemini stream, reporting whether any event was
// forwarded before the error.
func (p *googleProvider) consumeStream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, events chan<- StreamEvent, usage *Usage) (bool, error) {
	emitted := false
	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, config) {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		default:
		}
		if err != nil {
			return emitted, err
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if part.Thought {
						events <- ReasoningDelta{Delta: part.Text}
					} else {
						events <- TextDelta{Delta: part.Text}
					}
					emitted = true
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					// Gemini carries no call ids; mint one.
					events <- ToolInputAvailable{
						CallID:   "call_" + uuid.NewString(),
						ToolName: part.FunctionCall.Name,
						Input:    argsJSON,
					}
					emitted = true
				}
			}
		}
	}
	return emitted, nil
}

func convertGoogleMessages(messages []models.Message) []*genai.Content {
	var result []*genai.Content

	// Gemini function responses carry names, not ids.
	callNames := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls() {
			callNames[tc.CallID] = tc.ToolName
		}
	}

	for _, msg := range messages {
		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			// Tool results come from the user side.
			content.Role = genai.RoleUser
		}

		for _, part := range msg.Parts {
			switch v := part.(type) {
			case models.TextPart:
				if v.Text != "" {
					content.Parts = append(content.Parts, &genai.Part{Text: v.Text})
				}
			case models.ImagePart:
				content.Parts = append(content.Parts, &genai.Part{
					InlineData: &genai.Blob{Data: v.Data, MIMEType: v.MediaType},
				})
			case models.ToolCallPart:
				var args map[string]any
				if err := json.Unmarshal(v.Input, &args); err != nil {
					args = make(map[string]any)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: v.ToolName, Args: args},
				})
			case models.ToolResultPart:
				var response map[string]any
				if err := json.Unmarshal(v.Output.Value, &response); err != nil {
					response = map[string]any{
						"result": v.Output.Text(),
						"error":  v.Output.Type.IsError(),
					}
				}
				name := v.ToolName
				if name == "" {
					name = callNames[v.CallID]
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{Name: name, Response: response},
				})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func (p *googleProvider) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}
	return config
}

func convertGoogleTools(tools []ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  toGoogleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGoogleSchema converts a JSON Schema map into Gemini's schema type.
func toGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}
	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGoogleSchema(items)
	}
	return schema
}

func (p *googleProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("google", p.model, err)

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401") || strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403") || strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404") || strings.Contains(errMsg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}

	return providerErr
}
