// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to consumers and to verify that the
// correct VoiceProfile and text fragments reach the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeFunc: func(ctx context.Context, text string) ([]byte, error) {
//	        return []byte(text), nil
//	    },
//	}
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of SynthesizeStream once its
// text channel has been drained.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is emitted for every request when SynthesizeFunc is nil.
	SynthesizeChunks [][]byte

	// SynthesizeFunc, when set, produces the audio for the full request text.
	// Returning an error closes the stream without audio.
	SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	calls []SynthesizeCall
}

// SynthesizeStream drains text, records the call, and emits audio.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	fn := p.SynthesizeFunc
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks)+1)
	go func() {
		defer close(ch)

		var sb strings.Builder
		for {
			select {
			case s, ok := <-text:
				if !ok {
					goto drained
				}
				sb.WriteString(s)
			case <-ctx.Done():
				return
			}
		}
	drained:
		full := sb.String()
		p.mu.Lock()
		p.calls = append(p.calls, SynthesizeCall{Text: full, Voice: voice})
		p.mu.Unlock()

		if fn != nil {
			audio, err := fn(ctx, full)
			if err != nil {
				return
			}
			chunks = [][]byte{audio}
		}
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded synthesis calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Texts returns the text of every recorded synthesis call in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.Text)
	}
	return out
}

var _ tts.Provider = (*Provider)(nil)
