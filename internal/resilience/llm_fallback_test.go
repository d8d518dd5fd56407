package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	t.Run("primary answers", func(t *testing.T) {
		t.Parallel()
		primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from primary"}}
		secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

		resp, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != "from primary" {
			t.Fatalf("want %q, got %q", "from primary", resp.Content)
		}
		if len(secondary.CompleteCalls) != 0 {
			t.Fatalf("want secondary unused, got %d calls", len(secondary.CompleteCalls))
		}
	})

	t.Run("failover", func(t *testing.T) {
		t.Parallel()
		primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
		secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

		resp, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if resp.Content != "from secondary" {
			t.Fatalf("want %q, got %q", "from secondary", resp.Content)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		t.Parallel()
		primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
		secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

		_, err := newLLMFallback(primary, secondary).Complete(context.Background(), llm.CompletionRequest{})
		if !errors.Is(err, ErrAllFailed) {
			t.Fatalf("want ErrAllFailed, got %v", err)
		}
	})
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errors.New("stream failed")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Hello"}, {Text: " there.", FinishReason: "stop"}},
	}

	ch, err := newLLMFallback(primary, secondary).StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	text, err := llm.Collect(ch)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if text != "Hello there." {
		t.Fatalf("want %q, got %q", "Hello there.", text)
	}
	if calls := secondary.Calls(); len(calls) != 1 || calls[0].Req.Messages[0].Content != "Hi" {
		t.Fatalf("want the request forwarded to secondary, got %+v", calls)
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		primary   int
		secondary int
		want      int
	}{
		{name: "smaller fallback window wins", primary: 128000, secondary: 8192, want: 8192},
		{name: "primary smaller", primary: 4096, secondary: 32000, want: 4096},
		{name: "unknown fallback window ignored", primary: 16000, secondary: 0, want: 16000},
		{name: "unknown primary window", primary: 0, secondary: 8192, want: 8192},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: tt.primary, SupportsStreaming: true}}
			secondary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: tt.secondary}}

			caps := newLLMFallback(primary, secondary).Capabilities()
			if caps.ContextWindow != tt.want {
				t.Fatalf("want ContextWindow %d, got %d", tt.want, caps.ContextWindow)
			}
			if !caps.SupportsStreaming {
				t.Fatal("want the primary's other capabilities kept")
			}
		})
	}
}
