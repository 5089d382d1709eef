package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// Default base URLs for the OpenAI-compatible families that ship with one.
const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"
	lmStudioBaseURL   = "http://localhost:1234/v1"
)

// openAIProvider serves every family that speaks the OpenAI chat-completions
// wire protocol: OpenAI itself, Azure OpenAI, OpenRouter, Ollama, LM Studio,
// and arbitrary OpenAI-compatible endpoints.
type openAIProvider struct {
	client     *openai.Client
	family     models.ProviderKind
	model      string
	maxRetries int
	retryDelay time.Duration
}

func newOpenAICompatible(cfg models.Config) (Provider, error) {
	creds := cfg.Credentials

	var clientCfg openai.ClientConfig
	switch cfg.Provider {
	case models.ProviderAzure:
		if creds.APIKey == "" {
			return nil, errors.New("azure: API key is required")
		}
		if creds.BaseURL == "" {
			return nil, errors.New("azure: resource endpoint is required")
		}
		clientCfg = openai.DefaultAzureConfig(creds.APIKey, creds.BaseURL)
		if creds.AzureAPIVersion != "" {
			clientCfg.APIVersion = creds.AzureAPIVersion
		}
		if creds.AzureDeployment != "" {
			deployment := creds.AzureDeployment
			clientCfg.AzureModelMapperFunc = func(string) string { return deployment }
		}

	case models.ProviderOpenRouter:
		if creds.APIKey == "" {
			return nil, errors.New("openrouter: API key is required")
		}
		clientCfg = openai.DefaultConfig(creds.APIKey)
		clientCfg.BaseURL = openRouterBaseURL
		if creds.BaseURL != "" {
			clientCfg.BaseURL = creds.BaseURL
		}

	case models.ProviderOllama:
		// Local runtimes take any non-empty key.
		clientCfg = openai.DefaultConfig("ollama")
		clientCfg.BaseURL = ollamaBaseURL
		if creds.BaseURL != "" {
			clientCfg.BaseURL = creds.BaseURL
		}

	case models.ProviderLMStudio:
		clientCfg = openai.DefaultConfig("lm-studio")
		clientCfg.BaseURL = lmStudioBaseURL
		if creds.BaseURL != "" {
			clientCfg.BaseURL = creds.BaseURL
		}

	case models.ProviderOpenAICompatible:
		if creds.BaseURL == "" {
			return nil, errors.New("openai-compatible: base URL is required")
		}
		clientCfg = openai.DefaultConfig(creds.APIKey)
		clientCfg.BaseURL = creds.BaseURL

	default: // models.ProviderOpenAI
		if creds.APIKey == "" {
			return nil, errors.New("openai: API key is required")
		}
		clientCfg = openai.DefaultConfig(creds.APIKey)
		if creds.BaseURL != "" {
			clientCfg.BaseURL = creds.BaseURL
		}
	}

	return &openAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		family:     cfg.Provider,
		model:      cfg.Model,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *openAIProvider) Name() string { return string(p.family) }

func (p *openAIProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: convertOpenAIMessages(Sanitize(req.Messages), req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		var stream *openai.ChatCompletionStream
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
			if err == nil {
				break
			}
			wrapped := p.wrapError(err)
			if !IsRetryable(wrapped) {
				events <- ErrorEvent{Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				select {
				case <-ctx.Done():
					events <- ErrorEvent{Err: ctx.Err()}
					return
				case <-time.After(backoffDelay(p.retryDelay, attempt)):
				}
			}
		}
		if err != nil {
			events <- ErrorEvent{Err: fmt.Errorf("%s: max retries exceeded: %w", p.family, p.wrapError(err))}
			return
		}

		p.processStream(ctx, stream, events)
	}()

	return events, nil
}

// pendingToolCall accumulates one tool call streamed across multiple chunks.
type pendingToolCall struct {
	id      string
	name    string
	input   string
	emitted bool
}

func (p *openAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent) {
	defer stream.Close()

	// The wire protocol keys parallel tool calls by index.
	toolCalls := make(map[int]*pendingToolCall)
	order := make([]int, 0, 4)
	var usage Usage

	flush := func() {
		for _, idx := range order {
			tc := toolCalls[idx]
			if tc.emitted || tc.id == "" || tc.name == "" {
				continue
			}
			tc.emitted = true
			events <- finalizeToolInput(tc.id, tc.name, tc.input)
		}
	}

	for {
		select {
		case <-ctx.Done():
			events <- ErrorEvent{Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				events <- Finish{Usage: usage}
				return
			}
			events <- ErrorEvent{Err: p.wrapError(err)}
			return
		}

		if response.Usage != nil {
			usage.PromptTokens = response.Usage.PromptTokens
			usage.CompletionTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- TextDelta{Delta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pending := toolCalls[index]
			if pending == nil {
				pending = &pendingToolCall{}
				toolCalls[index] = pending
				order = append(order, index)
			}
			if tc.ID != "" {
				pending.id = tc.ID
			}
			if tc.Function.Name != "" {
				pending.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending.input += tc.Function.Arguments
				events <- ToolInputDelta{CallID: pending.id, ToolName: pending.name, Delta: tc.Function.Arguments}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleTool:
			// The wire protocol wants one message per tool result.
			for _, tr := range msg.ToolResults() {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Output.Text(),
					ToolCallID: tr.CallID,
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			calls := msg.ToolCalls()
			if len(calls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(calls))
				for i, tc := range calls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.CallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.ToolName,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			images := imageParts(msg)
			if len(images) == 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Text(),
				})
				continue
			}
			contentParts := make([]openai.ChatMessagePart, 0, len(images)+1)
			if text := msg.Text(); text != "" {
				contentParts = append(contentParts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: text,
				})
			}
			for _, img := range images {
				contentParts = append(contentParts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    fmt.Sprintf("data:%s;base64,%s", img.MediaType, base64.StdEncoding.EncodeToString(img.Data)),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: contentParts,
			})
		}
	}

	return result
}

func imageParts(msg models.Message) []models.ImagePart {
	var images []models.ImagePart
	for _, p := range msg.Parts {
		if img, ok := p.(models.ImagePart); ok {
			images = append(images, img)
		}
	}
	return images
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			// One bad schema must not break the rest of the catalog.
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *openAIProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: string(p.family),
			Model:    p.model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}).WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	return NewProviderError(string(p.family), p.model, err)
}
