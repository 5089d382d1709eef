package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/browseros-ai/agent-server/pkg/models"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(models.Config{Provider: "mystery", Model: "m"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	tests := []models.Config{
		{Provider: models.ProviderAnthropic, Model: "m"},
		{Provider: models.ProviderOpenAI, Model: "m"},
		{Provider: models.ProviderGoogle, Model: "m"},
		{Provider: models.ProviderOpenRouter, Model: "m"},
		{Provider: models.ProviderAzure, Model: "m"},
		{Provider: models.ProviderOpenAICompatible, Model: "m"},
		{Provider: models.ProviderBedrock, Model: "m"},
		{Provider: models.ProviderManaged, Model: "m"},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: expected credential error with empty credentials", cfg.Provider)
		}
	}
}

func TestNewLocalRuntimesNeedNoKey(t *testing.T) {
	for _, kind := range []models.ProviderKind{models.ProviderOllama, models.ProviderLMStudio} {
		p, err := New(models.Config{Provider: kind, Model: "m"})
		if err != nil {
			t.Errorf("%s: unexpected error: %v", kind, err)
			continue
		}
		if p.Name() != string(kind) {
			t.Errorf("%s: Name() = %q", kind, p.Name())
		}
	}
}

func TestFinalizeToolInput(t *testing.T) {
	ev := finalizeToolInput("c1", "navigate", `{"url":"x"}`)
	avail, ok := ev.(ToolInputAvailable)
	if !ok {
		t.Fatalf("expected ToolInputAvailable, got %T", ev)
	}
	if avail.CallID != "c1" || avail.ToolName != "navigate" {
		t.Errorf("unexpected fields: %+v", avail)
	}

	ev = finalizeToolInput("c2", "click", "")
	avail, ok = ev.(ToolInputAvailable)
	if !ok {
		t.Fatalf("empty input should default to {}, got %T", ev)
	}
	if string(avail.Input) != "{}" {
		t.Errorf("Input = %s, want {}", avail.Input)
	}

	ev = finalizeToolInput("c3", "type", `{"broken`)
	inputErr, ok := ev.(ToolInputError)
	if !ok {
		t.Fatalf("malformed JSON should yield ToolInputError, got %T", ev)
	}
	// The loop needs the tool name and raw input to commit a pairable call.
	if inputErr.ToolName != "type" || inputErr.Input != `{"broken` {
		t.Errorf("unexpected fields: %+v", inputErr)
	}
}

func TestManagedUnwrapsGatewayEnvelope(t *testing.T) {
	p := &managedProvider{upstream: models.ProviderAnthropic}

	envelope, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": "upstream overloaded",
			"code":    "overloaded_error",
			"status":  529,
		},
	})
	inner := NewProviderError("anthropic", "claude-x", errors.New("gateway request failed")).
		WithStatus(400).
		WithMessage(string(envelope))

	out := p.unwrapGatewayError(inner)
	providerErr, ok := GetProviderError(out)
	if !ok {
		t.Fatal("expected ProviderError")
	}
	if providerErr.Provider != string(models.ProviderManaged) {
		t.Errorf("Provider = %q", providerErr.Provider)
	}
	if providerErr.Message != "upstream overloaded" {
		t.Errorf("Message = %q", providerErr.Message)
	}
	if providerErr.Status != 529 {
		t.Errorf("Status = %d, want 529", providerErr.Status)
	}
	if !IsRetryable(out) {
		t.Error("5xx gateway error should be retryable")
	}
}

func TestManagedPassesThroughPlainErrors(t *testing.T) {
	p := &managedProvider{upstream: models.ProviderOpenAI}
	plain := errors.New("dial tcp: connection refused")
	if got := p.unwrapGatewayError(plain); !errors.Is(got, plain) {
		t.Errorf("plain error not passed through: %v", got)
	}
}

func TestConvertGoogleToolsSkipsBadSchema(t *testing.T) {
	tools := convertGoogleTools([]ToolSpec{
		{Name: "good", Description: "d", InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`)},
		{Name: "bad", Description: "d", InputSchema: json.RawMessage(`{broken`)},
	})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected one surviving declaration, got %+v", tools)
	}
	decl := tools[0].FunctionDeclarations[0]
	if decl.Name != "good" {
		t.Errorf("Name = %q", decl.Name)
	}
	if decl.Parameters == nil || string(decl.Parameters.Type) != "OBJECT" {
		t.Errorf("schema type not uppercased: %+v", decl.Parameters)
	}
	if len(decl.Parameters.Required) != 1 || decl.Parameters.Required[0] != "url" {
		t.Errorf("required not carried: %+v", decl.Parameters.Required)
	}
}
