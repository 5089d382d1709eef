package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// managedProvider fronts the hosted gateway. The gateway speaks the wire
// protocol of its upstream family, so the adapter is the upstream family's
// adapter pointed at the gateway base URL, plus error unwrapping: the gateway
// nests the upstream provider's error payload inside its own, and retry
// policy needs the inner status code.
type managedProvider struct {
	inner    Provider
	upstream models.ProviderKind
}

func newManaged(cfg models.Config) (Provider, error) {
	upstream := cfg.ManagedUpstream
	if upstream == "" {
		upstream = models.ProviderAnthropic
	}
	if cfg.Credentials.BaseURL == "" {
		return nil, errors.New("browseros: gateway base URL is required")
	}

	innerCfg := cfg
	innerCfg.Provider = upstream

	var inner Provider
	var err error
	switch upstream {
	case models.ProviderAnthropic:
		inner, err = newAnthropic(innerCfg)
	case models.ProviderOpenAI, models.ProviderOpenRouter, models.ProviderAzure:
		inner, err = newOpenAICompatible(innerCfg)
	default:
		return nil, fmt.Errorf("browseros: unsupported upstream %q", upstream)
	}
	if err != nil {
		return nil, fmt.Errorf("browseros: %w", err)
	}

	return &managedProvider{inner: inner, upstream: upstream}, nil
}

func (p *managedProvider) Name() string { return string(models.ProviderManaged) }

func (p *managedProvider) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	innerEvents, err := p.inner.Stream(ctx, req)
	if err != nil {
		return nil, p.unwrapGatewayError(err)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		for ev := range innerEvents {
			if e, ok := ev.(ErrorEvent); ok {
				events <- ErrorEvent{Err: p.unwrapGatewayError(e.Err)}
				continue
			}
			events <- ev
		}
	}()
	return events, nil
}

// gatewayErrorPayload is the envelope the gateway wraps upstream errors in.
type gatewayErrorPayload struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
		Status  int    `json:"status"`
	} `json:"error"`
	Detail string `json:"detail"`
}

// unwrapGatewayError digs the upstream provider's message and status out of
// the gateway envelope so IsRetryable sees the real code.
func (p *managedProvider) unwrapGatewayError(err error) error {
	if err == nil {
		return nil
	}
	providerErr, ok := GetProviderError(err)
	if !ok {
		return err
	}

	rewrapped := &ProviderError{
		Reason:    providerErr.Reason,
		Provider:  string(models.ProviderManaged),
		Model:     providerErr.Model,
		Status:    providerErr.Status,
		Code:      providerErr.Code,
		Message:   providerErr.Message,
		RequestID: providerErr.RequestID,
		Cause:     err,
	}

	var payload gatewayErrorPayload
	if providerErr.Message != "" && json.Unmarshal([]byte(providerErr.Message), &payload) == nil {
		if payload.Error.Message != "" {
			rewrapped.Message = payload.Error.Message
		} else if payload.Detail != "" {
			rewrapped.Message = payload.Detail
		}
		if payload.Error.Code != "" {
			rewrapped.Code = payload.Error.Code
		}
		if payload.Error.Status != 0 {
			rewrapped.Status = payload.Error.Status
		}
	}

	if rewrapped.Status != 0 {
		if reason := classifyStatusCode(rewrapped.Status); reason != ReasonUnknown {
			rewrapped.Reason = reason
		}
	}
	if rewrapped.Reason == ReasonUnknown && rewrapped.Code != "" {
		if reason := classifyErrorCode(rewrapped.Code); reason != ReasonUnknown {
			rewrapped.Reason = reason
		}
	}
	if rewrapped.Reason == ReasonUnknown {
		rewrapped.Reason = ClassifyError(errors.New(rewrapped.Message))
	}

	return rewrapped
}
