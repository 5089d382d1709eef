package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/browseros-ai/agent-server/pkg/models"
)

// Provider is the uniform streaming interface over all provider families.
// Stream returns immediately; events arrive on the channel and the channel is
// closed after the terminal Finish or ErrorEvent.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// New builds a provider from a conversation config snapshot. Dispatch is a
// closed match over the provider kind; unknown kinds are a config error.
func New(cfg models.Config) (Provider, error) {
	switch cfg.Provider {
	case models.ProviderAnthropic:
		return newAnthropic(cfg)
	case models.ProviderOpenAI, models.ProviderOpenRouter, models.ProviderAzure,
		models.ProviderOllama, models.ProviderLMStudio, models.ProviderOpenAICompatible:
		return newOpenAICompatible(cfg)
	case models.ProviderGoogle:
		return newGoogle(cfg)
	case models.ProviderBedrock:
		return newBedrock(cfg)
	case models.ProviderManaged:
		return newManaged(cfg)
	default:
		return nil, fmt.Errorf("model: unknown provider %q", cfg.Provider)
	}
}

// backoffDelay computes the exponential backoff for a retry attempt:
// base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(math.Pow(2, float64(attempt)))
}

// Probe issues a one-token completion to verify that a provider config is
// usable. It returns nil when the stream finishes cleanly.
func Probe(ctx context.Context, cfg models.Config) error {
	p, err := New(cfg)
	if err != nil {
		return err
	}
	events, err := p.Stream(ctx, &Request{
		Messages:  []models.Message{models.UserText("probe", "ping")},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	for ev := range events {
		if e, ok := ev.(ErrorEvent); ok {
			return e.Err
		}
	}
	return ctx.Err()
}
