package model

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// anthropicProvider adapts the Anthropic Messages API to the Provider
// contract. Each Stream call creates an independent SSE stream and goroutine;
// the provider itself is safe for concurrent use.
type anthropicProvider struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

func newAnthropic(cfg models.Config) (Provider, error) {
	if cfg.Credentials.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.Credentials.APIKey)}
	if strings.TrimSpace(cfg.Credentials.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.Credentials.BaseURL))
	}
	return &anthropicProvider{
		client:     anthropic.NewClient(options...),
		model:      cfg.Model,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	events := make(chan StreamEvent)

	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
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
			events <- ErrorEvent{Err: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err))}
			return
		}

		p.processStream(stream, events)
	}()

	return events, nil
}

func (p *anthropicProvider) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertAnthropicMessages(Sanitize(req.Messages))
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive no-op events before the stream is
// treated as malformed.
const maxEmptyStreamEvents = 300

func (p *anthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	var currentCallID, currentToolName string
	var currentToolInput strings.Builder
	emptyEventCount := 0

	var usage Usage

	for stream.Next() {
		event := stream.Current()
		eventProcessed := false

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(messageStart.Message.Usage.InputTokens)
			}
			eventProcessed = true

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCallID = toolUse.ID
				currentToolName = toolUse.Name
				currentToolInput.Reset()
				eventProcessed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- TextDelta{Delta: delta.Text}
					eventProcessed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- ReasoningDelta{Delta: delta.Thinking}
					eventProcessed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					events <- ToolInputDelta{CallID: currentCallID, ToolName: currentToolName, Delta: delta.PartialJSON}
					eventProcessed = true
				}
			}

		case "content_block_stop":
			if currentCallID != "" {
				events <- finalizeToolInput(currentCallID, currentToolName, currentToolInput.String())
				currentCallID = ""
				currentToolName = ""
				eventProcessed = true
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			}
			eventProcessed = true

		case "message_stop":
			events <- Finish{Usage: usage}
			return

		case "error":
			events <- ErrorEvent{Err: p.wrapError(errors.New("anthropic stream error"))}
			return
		}

		if eventProcessed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				events <- ErrorEvent{Err: p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- ErrorEvent{Err: p.wrapError(err)}
		return
	}
	events <- Finish{Usage: usage}
}

// finalizeToolInput validates accumulated tool-call JSON. Malformed arguments
// become a ToolInputError so the model sees its own mistake as a result.
func finalizeToolInput(callID, toolName, input string) StreamEvent {
	if input == "" {
		input = "{}"
	}
	if !json.Valid([]byte(input)) {
		return ToolInputError{
			CallID:    callID,
			ToolName:  toolName,
			Input:     input,
			ErrorText: fmt.Sprintf("invalid arguments for tool %s: malformed JSON", toolName),
		}
	}
	return ToolInputAvailable{CallID: callID, ToolName: toolName, Input: json.RawMessage(input)}
}

func convertAnthropicMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		for _, part := range msg.Parts {
			switch v := part.(type) {
			case models.TextPart:
				if v.Text != "" {
					content = append(content, anthropic.NewTextBlock(v.Text))
				}
			case models.ImagePart:
				content = append(content, anthropic.NewImageBlockBase64(v.MediaType, base64.StdEncoding.EncodeToString(v.Data)))
			case models.ToolCallPart:
				var input map[string]interface{}
				if err := json.Unmarshal(v.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
				content = append(content, anthropic.NewToolUseBlock(v.CallID, input, v.ToolName))
			case models.ToolResultPart:
				content = append(content, anthropic.NewToolResultBlock(v.CallID, v.Output.Text(), v.Output.Type.IsError()))
			}
		}
		if len(content) == 0 {
			continue
		}

		// Tool messages map to user messages in the Anthropic API.
		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *anthropicProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: "anthropic",
			Model:    p.model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}).WithStatus(apiErr.StatusCode)

		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					providerErr = providerErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					providerErr = providerErr.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", p.model, err)
}
