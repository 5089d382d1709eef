package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// bedrockProvider adapts the Bedrock Converse streaming API to the Provider
// contract.
type bedrockProvider struct {
	client     *bedrockruntime.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

func newBedrock(cfg models.Config) (Provider, error) {
	creds := cfg.Credentials
	if creds.AWSRegion == "" {
		return nil, errors.New("bedrock: AWS region is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(creds.AWSRegion),
	}
	if creds.AWSAccessKeyID != "" && creds.AWSSecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				creds.AWSAccessKeyID, creds.AWSSecretAccessKey, creds.AWSSessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &bedrockProvider{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		model:      cfg.Model,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *bedrockProvider) Name() string { return "bedrock" }

func (p *bedrockProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	input, err := p.buildInput(req)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		var stream *bedrockruntime.ConverseStreamOutput
		var streamErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, streamErr = p.client.ConverseStream(ctx, input)
			if streamErr == nil {
				break
			}
			wrapped := p.wrapError(streamErr)
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
		if streamErr != nil {
			events <- ErrorEvent{Err: fmt.Errorf("bedrock: max retries exceeded: %w", p.wrapError(streamErr))}
			return
		}

		p.processStream(ctx, stream, events)
	}()

	return events, nil
}

func (p *bedrockProvider) buildInput(req *Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := convertBedrockMessages(Sanitize(req.Messages))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(p.model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		toolConfig, err := convertBedrockTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("bedrock: failed to convert tools: %w", err)
		}
		input.ToolConfig = toolConfig
	}
	return input, nil
}

func (p *bedrockProvider) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, events chan<- StreamEvent) {
	var currentCallID, currentToolName string
	var currentToolInput strings.Builder
	var usage Usage

	for event := range stream.GetStream().Events() {
		select {
		case <-ctx.Done():
			events <- ErrorEvent{Err: ctx.Err()}
			return
		default:
		}

		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				currentCallID = aws.ToString(start.Value.ToolUseId)
				currentToolName = aws.ToString(start.Value.Name)
				currentToolInput.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := v.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" {
					events <- TextDelta{Delta: delta.Value}
				}
			case *types.ContentBlockDeltaMemberToolUse:
				partial := aws.ToString(delta.Value.Input)
				if partial != "" {
					currentToolInput.WriteString(partial)
					events <- ToolInputDelta{CallID: currentCallID, ToolName: currentToolName, Delta: partial}
				}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if currentCallID != "" {
				events <- finalizeToolInput(currentCallID, currentToolName, currentToolInput.String())
				currentCallID = ""
				currentToolName = ""
			}

		case *types.ConverseStreamOutputMemberMetadata:
			if v.Value.Usage != nil {
				usage.PromptTokens = int(aws.ToInt32(v.Value.Usage.InputTokens))
				usage.CompletionTokens = int(aws.ToInt32(v.Value.Usage.OutputTokens))
			}

		case *types.ConverseStreamOutputMemberMessageStop:
			// Metadata may still follow MessageStop; keep draining.
		}
	}

	if err := stream.GetStream().Err(); err != nil {
		events <- ErrorEvent{Err: p.wrapError(err)}
		return
	}
	events <- Finish{Usage: usage}
}

func convertBedrockMessages(messages []models.Message) ([]types.Message, error) {
	var result []types.Message

	for _, msg := range messages {
		var content []types.ContentBlock

		for _, part := range msg.Parts {
			switch v := part.(type) {
			case models.TextPart:
				if v.Text != "" {
					content = append(content, &types.ContentBlockMemberText{Value: v.Text})
				}
			case models.ImagePart:
				format, err := bedrockImageFormat(v.MediaType)
				if err != nil {
					return nil, err
				}
				content = append(content, &types.ContentBlockMemberImage{
					Value: types.ImageBlock{
						Format: format,
						Source: &types.ImageSourceMemberBytes{Value: v.Data},
					},
				})
			case models.ToolCallPart:
				var inputDoc map[string]interface{}
				if err := json.Unmarshal(v.Input, &inputDoc); err != nil {
					return nil, fmt.Errorf("invalid tool call input: %w", err)
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(v.CallID),
						Name:      aws.String(v.ToolName),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			case models.ToolResultPart:
				status := types.ToolResultStatusSuccess
				if v.Output.Type.IsError() {
					status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(v.CallID),
						Status:    status,
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: v.Output.Text()},
						},
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result, nil
}

func bedrockImageFormat(mediaType string) (types.ImageFormat, error) {
	switch mediaType {
	case "image/png":
		return types.ImageFormatPng, nil
	case "image/jpeg":
		return types.ImageFormatJpeg, nil
	case "image/gif":
		return types.ImageFormatGif, nil
	case "image/webp":
		return types.ImageFormatWebp, nil
	default:
		return "", fmt.Errorf("unsupported image media type %q", mediaType)
	}
}

func convertBedrockTools(tools []ToolSpec) (*types.ToolConfiguration, error) {
	config := &types.ToolConfiguration{}
	for _, tool := range tools {
		var schemaDoc map[string]interface{}
		if err := json.Unmarshal(tool.InputSchema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		config.Tools = append(config.Tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schemaDoc),
				},
			},
		})
	}
	return config, nil
}

func (p *bedrockProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("bedrock", p.model, err)

	errMsg := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		errMsg = apiErr.ErrorCode()
		providerErr = providerErr.WithMessage(apiErr.ErrorMessage())
	}

	switch {
	case strings.Contains(errMsg, "ThrottlingException"),
		strings.Contains(errMsg, "TooManyRequestsException"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "ServiceUnavailableException"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(errMsg, "AccessDeniedException"),
		strings.Contains(errMsg, "UnrecognizedClientException"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "ValidationException"):
		providerErr = providerErr.WithStatus(http.StatusBadRequest)
	case strings.Contains(errMsg, "ModelTimeoutException"):
		providerErr = providerErr.WithStatus(http.StatusRequestTimeout)
	case strings.Contains(errMsg, "ModelNotReadyException"),
		strings.Contains(errMsg, "ResourceNotFoundException"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	}

	return providerErr
}
