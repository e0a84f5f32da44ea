package anyllm

import (
	"testing"

	"github.com/condoware/porteiro/pkg/provider/llm"
)

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("not-a-provider", "some-model"); err == nil {
		t.Error("expected error for unsupported provider name")
	}
}

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	req := llm.CompletionRequest{
		SystemPrompt: "Você é uma portaria virtual.",
		Messages: []llm.Message{
			{Role: "user", Content: "Entrega para o apartamento 501."},
			{Role: "assistant", Content: "Um momento, vou chamar o morador."},
		},
		Temperature: 0.2,
		MaxTokens:   128,
	}

	params := p.buildParams(req)

	if params.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (system + 2)", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if got := params.Messages[0].ContentString(); got != "Você é uma portaria virtual." {
		t.Errorf("system content = %q", got)
	}
	if params.Messages[1].Role != "user" || params.Messages[2].Role != "assistant" {
		t.Errorf("roles = %q, %q", params.Messages[1].Role, params.Messages[2].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("MaxTokens = %v, want 128", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "llama3.1"}

	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Olá."}},
	})

	if len(params.Messages) != 1 {
		t.Fatalf("got %d messages, want 1 (no system prompt)", len(params.Messages))
	}
	if params.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil", params.MaxTokens)
	}
}
