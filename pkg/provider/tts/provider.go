// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or Azure
// Speech) and presents a uniform streaming interface. SynthesizeStream accepts
// a channel of text fragments and returns a channel of raw PCM audio bytes as
// they become available. The conversation engine sends one sentence batch per
// call and uses [Synthesize] to collect the complete clip.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoAudio is returned by [Synthesize] when the provider closed its stream
// without producing any audio.
var ErrNoAudio = errors.New("tts: provider returned no audio")

// Provider is the abstraction over any TTS backend.
//
// Multiple synthesis requests may run in parallel.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw 16-bit PCM audio as it is synthesised.
	//
	// The returned audio channel is closed when all text has been synthesised
	// or when ctx is cancelled. The caller must drain it.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis close the audio channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Synthesize renders a single piece of text and returns the concatenated
// audio. It returns ctx.Err() when the context ends before the provider
// finishes, and [ErrNoAudio] when the stream produced nothing.
func Synthesize(ctx context.Context, p Provider, text string, voice VoiceProfile) ([]byte, error) {
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	audioCh, err := p.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		return nil, fmt.Errorf("tts: start synthesis: %w", err)
	}

	var out []byte
	for chunk := range audioCh {
		out = append(out, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoAudio
	}
	return out, nil
}
