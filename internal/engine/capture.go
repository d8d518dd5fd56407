package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// recognitionFormat is the PCM format sent to speech recognition.
var recognitionFormat = audio.Format{SampleRate: 16000, Channels: 1}

// defaultStreamPoll is how often a [CaptureRecognizer] looks for a
// microphone stream that has not appeared yet.
const defaultStreamPoll = 100 * time.Millisecond

// CaptureOption configures a [CaptureRecognizer].
type CaptureOption func(*CaptureRecognizer)

// WithParticipant restricts capture to one participant of the connection. By
// default the first stream found is used.
func WithParticipant(id string) CaptureOption {
	return func(r *CaptureRecognizer) { r.participant = id }
}

// WithLanguage sets the recognition language, e.g. "en-US".
func WithLanguage(lang string) CaptureOption {
	return func(r *CaptureRecognizer) { r.language = lang }
}

// WithStreamPoll sets the interval for polling the connection for a
// microphone stream.
func WithStreamPoll(d time.Duration) CaptureOption {
	return func(r *CaptureRecognizer) {
		if d > 0 {
			r.poll = d
		}
	}
}

// CaptureRecognizer is a [Recognizer] fed by a participant's microphone on an
// [audio.Connection] and transcribed by an [stt.Provider].
type CaptureRecognizer struct {
	conn        audio.Connection
	provider    stt.Provider
	participant string
	language    string
	poll        time.Duration
}

var _ Recognizer = (*CaptureRecognizer)(nil)

// NewCaptureRecognizer creates a CaptureRecognizer.
func NewCaptureRecognizer(conn audio.Connection, provider stt.Provider, opts ...CaptureOption) *CaptureRecognizer {
	r := &CaptureRecognizer{conn: conn, provider: provider, poll: defaultStreamPoll}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Listen implements [Recognizer]. It opens one recognition session for the
// lifetime of ctx, converting captured audio to 16 kHz mono.
func (r *CaptureRecognizer) Listen(ctx context.Context) (<-chan stt.Transcript, error) {
	sess, err := r.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: recognitionFormat.SampleRate,
		Channels:   recognitionFormat.Channels,
		Language:   r.language,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: start recognition: %w", err)
	}

	out := make(chan stt.Transcript, 16)
	go func() {
		<-ctx.Done()
		if err := sess.Close(); err != nil {
			slog.Debug("engine: close recognition session", "err", err)
		}
	}()
	go r.pump(ctx, sess)
	go func() {
		defer close(out)
		for t := range sess.Results() {
			select {
			case out <- t:
			case <-ctx.Done():
				audio.Drain(sess.Results())
				return
			}
		}
	}()
	return out, nil
}

// pump forwards microphone frames to sess until ctx ends. When the stream
// closes, for example because the participant left, it waits for a new one.
func (r *CaptureRecognizer) pump(ctx context.Context, sess stt.SessionHandle) {
	conv := audio.FormatConverter{Target: recognitionFormat}
	var closed <-chan audio.AudioFrame
	for {
		frames, ok := r.awaitStream(ctx, closed)
		if !ok {
			return
		}
		closed = frames
		for open := true; open; {
			select {
			case <-ctx.Done():
				return
			case frame, more := <-frames:
				if !more {
					open = false
					break
				}
				pcm := conv.Convert(frame).Data
				if len(pcm) == 0 {
					continue
				}
				if err := sess.SendAudio(pcm); err != nil {
					if errors.Is(err, stt.ErrSessionClosed) {
						return
					}
					slog.Debug("engine: send audio", "err", err)
				}
			}
		}
	}
}

// awaitStream polls the connection until the wanted input stream exists.
// skip is a stream that already ended.
func (r *CaptureRecognizer) awaitStream(ctx context.Context, skip <-chan audio.AudioFrame) (<-chan audio.AudioFrame, bool) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		if frames := r.pickStream(skip); frames != nil {
			return frames, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

func (r *CaptureRecognizer) pickStream(skip <-chan audio.AudioFrame) <-chan audio.AudioFrame {
	streams := r.conn.InputStreams()
	if r.participant != "" {
		if frames := streams[r.participant]; frames != skip {
			return frames
		}
		return nil
	}
	for _, frames := range streams {
		if frames != skip {
			return frames
		}
	}
	return nil
}
