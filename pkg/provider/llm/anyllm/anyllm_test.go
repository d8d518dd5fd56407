package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("want error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("want error for empty model")
	}
	if _, err := New("watsonx", "granite"); err == nil {
		t.Error("want error for unsupported provider")
	}
}

func TestNew_OllamaNeedsNoKey(t *testing.T) {
	t.Parallel()

	p, err := New("ollama", "llama3.2", anyllmlib.WithBaseURL("http://localhost:11434"))
	if err != nil {
		t.Fatalf("want no error, got %v", err)
	}
	if p.Capabilities().ContextWindow <= 0 {
		t.Error("want positive context window")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Be brief."},
			{Role: llm.RoleUser, Content: "Hello"},
		},
		MaxTokens:   1000,
		Temperature: 0.7,
	})

	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("want model claude-3-5-haiku-latest, got %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("want 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != llm.RoleSystem {
		t.Errorf("want first role system, got %q", params.Messages[0].Role)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 1000 {
		t.Errorf("want max tokens 1000, got %v", params.MaxTokens)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("want temperature 0.7, got %v", params.Temperature)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if params.MaxTokens != nil {
		t.Errorf("want nil max tokens, got %d", *params.MaxTokens)
	}
	if params.Temperature != nil {
		t.Errorf("want nil temperature, got %f", *params.Temperature)
	}
}

func TestModelCapabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model  string
		window int
	}{
		{"gpt-4o-mini", 128_000},
		{"Claude-3-5-Sonnet-latest", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"mystery", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			if got := modelCapabilities(tt.model).ContextWindow; got != tt.window {
				t.Errorf("want %d, got %d", tt.window, got)
			}
		})
	}
}
