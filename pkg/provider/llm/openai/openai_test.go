package openai

import (
	"testing"

	"github.com/condoware/porteiro/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("New() with empty apiKey: error = nil, want error")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("New() with empty model: error = nil, want error")
	}
	if _, err := New("sk-test", "gpt-4o-mini", WithBaseURL("http://localhost:1234"), WithOrganization("org")); err != nil {
		t.Errorf("New() error = %v", err)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Você é um porteiro.",
		Messages: []llm.Message{
			{Role: "user", Content: "Entrega para o 101."},
			{Role: "assistant", Content: "Um momento."},
		},
		Temperature: 0.2,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}

	if got := len(params.Messages); got != 3 {
		t.Errorf("len(Messages) = %d, want 3 (system + 2 turns)", got)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.2 {
		t.Errorf("Temperature = %+v, want 0.2", params.Temperature)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 128 {
		t.Errorf("MaxCompletionTokens = %+v, want 128", params.MaxCompletionTokens)
	}
}

func TestBuildParams_UnknownRole(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "tool", Content: "x"}},
	})
	if err == nil {
		t.Fatal("buildParams() with unknown role: error = nil, want error")
	}
}
