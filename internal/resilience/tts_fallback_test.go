package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

func newTTSFallback(primary, secondary tts.Provider) *TTSFallback {
	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestTTSFallback_Synthesize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		primaryErr error
		want       string
		wantCalls  [2]int
	}{
		{name: "primary answers", want: "primary-audio", wantCalls: [2]int{1, 0}},
		{name: "failover", primaryErr: errors.New("primary down"), want: "secondary-audio", wantCalls: [2]int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &ttsmock.Provider{SynthesizeErr: tt.primaryErr, SynthesizeChunks: [][]byte{[]byte("primary-audio")}}
			secondary := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("secondary-audio")}}

			voice := tts.VoiceProfile{ID: "en-US-JennyNeural", SpeedFactor: 1.5}
			pcm, err := tts.Synthesize(context.Background(), newTTSFallback(primary, secondary), "Hello there.", voice)
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if string(pcm) != tt.want {
				t.Fatalf("want %q, got %q", tt.want, pcm)
			}
			if got := [2]int{len(primary.Calls()), len(secondary.Calls())}; got != tt.wantCalls {
				t.Fatalf("want calls %v, got %v", tt.wantCalls, got)
			}
			calls := append(primary.Calls(), secondary.Calls()...)
			if calls[0].Text != "Hello there." || calls[0].Voice.ID != voice.ID || calls[0].Voice.SpeedFactor != voice.SpeedFactor {
				t.Fatalf("want text and voice forwarded, got %+v", calls[0])
			}
		})
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{SynthesizeErr: errors.New("secondary down")}

	text := make(chan string)
	close(text)
	_, err := newTTSFallback(primary, secondary).SynthesizeStream(context.Background(), text, tts.VoiceProfile{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("want ErrAllFailed, got %v", err)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{ListVoicesErr: errors.New("primary down")}
	secondary := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{
		{ID: "v1", Name: "Alice"},
		{ID: "v2", Name: "Bob"},
	}}

	fb := newTTSFallback(primary, secondary)
	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].Name != "Alice" {
		t.Fatalf("want Alice and Bob, got %+v", voices)
	}
	if fb.Group().States()["primary"] != StateClosed {
		t.Fatal("want one failure to leave the primary closed")
	}
}
