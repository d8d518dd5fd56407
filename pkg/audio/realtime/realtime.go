// Package realtime provides an [audio.Sink] that renders buffered PCM in
// wall-clock time.
//
// A Sink keeps an append-only buffer and a playback cursor. A ticker advances
// the cursor by elapsed time multiplied by the playback rate, hands the
// covered PCM to an output callback (resampled so the output stays in real
// time) and reports the new position as a SinkTimeUpdate event. The cursor
// never moves past the end of the buffered audio.
//
// Rate changes shift pitch. Use synthesis-side rate control where pitch must
// be preserved.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultTick is the rendering interval used when no [WithTick] option is set.
const DefaultTick = 20 * time.Millisecond

// Option configures a [Speaker].
type Option func(*Speaker)

// WithTick sets the rendering interval.
func WithTick(d time.Duration) Option {
	return func(s *Speaker) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Speaker opens realtime sinks that all deliver to the same output callback.
type Speaker struct {
	format audio.Format
	output func([]byte)
	tick   time.Duration
}

// NewSpeaker creates a Speaker rendering PCM in the given format. output is
// called from each sink's render goroutine and must not block for long.
func NewSpeaker(format audio.Format, output func([]byte), opts ...Option) *Speaker {
	s := &Speaker{format: format, output: output, tick: DefaultTick}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context) (audio.Sink, error) {
	return newSink(s.format, s.output, s.tick), nil
}

// Sink is a realtime [audio.Sink].
type Sink struct {
	format audio.Format
	output func([]byte)
	tick   time.Duration

	mu       sync.Mutex
	buf      []byte // unplayed audio
	played   int    // bytes consumed since open
	carry    float64
	rate     float64
	updating bool
	absorbed bool // at least one append completed
	canPlay  bool // SinkCanPlay already emitted
	playing  bool
	eos      bool
	ended    bool
	closed   bool

	events chan audio.SinkEvent
	notify chan struct{}
	done   chan struct{}
}

func newSink(format audio.Format, output func([]byte), tick time.Duration) *Sink {
	s := &Sink{
		format: format,
		output: output,
		tick:   tick,
		rate:   1,
		events: make(chan audio.SinkEvent, 16),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Events implements [audio.Sink].
func (s *Sink) Events() <-chan audio.SinkEvent { return s.events }

// Append implements [audio.Sink]. The chunk is copied; absorption completes
// on the render goroutine.
func (s *Sink) Append(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrSinkClosed
	}
	if s.updating {
		return audio.ErrSinkBusy
	}
	if fs := s.format.FrameSize(); fs > 0 {
		pcm = pcm[:len(pcm)-len(pcm)%fs]
	}
	s.buf = append(s.buf, pcm...)
	s.updating = true
	s.ended = false
	s.wakeLocked()
	return nil
}

// Updating implements [audio.Sink].
func (s *Sink) Updating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updating
}

// BufferedEnd implements [audio.Sink].
func (s *Sink) BufferedEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(s.played + len(s.buf))
}

// Position implements [audio.Sink].
func (s *Sink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(s.played)
}

// SetRate implements [audio.Sink]. Non-positive rates are ignored.
func (s *Sink) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

// Play implements [audio.Sink].
func (s *Sink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrSinkClosed
	}
	s.playing = true
	return nil
}

// EndOfStream implements [audio.Sink].
func (s *Sink) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrSinkClosed
	}
	s.eos = true
	return nil
}

// Close implements [audio.Sink]. The Events channel is closed once the render
// goroutine exits.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *Sink) wakeLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// emit delivers ev unless the sink is closing. Called only from run.
func (s *Sink) emit(ev audio.SinkEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Sink) run() {
	defer close(s.events)

	if !s.emit(audio.SinkEvent{Type: audio.SinkReady}) {
		return
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			if !s.absorb() {
				return
			}
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			if !s.render(elapsed) {
				return
			}
		}
	}
}

// absorb completes a pending append.
func (s *Sink) absorb() bool {
	s.mu.Lock()
	if !s.updating {
		s.mu.Unlock()
		return true
	}
	s.updating = false
	first := !s.canPlay
	s.canPlay = true
	s.absorbed = true
	s.mu.Unlock()

	if !s.emit(audio.SinkEvent{Type: audio.SinkUpdateEnd}) {
		return false
	}
	if first {
		return s.emit(audio.SinkEvent{Type: audio.SinkCanPlay})
	}
	return true
}

// render advances the cursor by elapsed × rate and outputs the covered audio.
func (s *Sink) render(elapsed time.Duration) bool {
	s.mu.Lock()
	if !s.playing || !s.absorbed {
		s.mu.Unlock()
		return true
	}

	want := s.carry + float64(s.format.BytesPerSecond())*elapsed.Seconds()*s.rate
	n := int(want)
	if fs := s.format.FrameSize(); fs > 0 {
		n -= n % fs
	}
	s.carry = want - float64(n)
	if n > len(s.buf) {
		n = len(s.buf)
		s.carry = 0
	}

	var chunk []byte
	if n > 0 {
		chunk = make([]byte, n)
		copy(chunk, s.buf[:n])
		s.buf = s.buf[n:]
		s.played += n
	}
	rate := s.rate
	pos := s.format.Duration(s.played)
	finished := s.eos && !s.ended && len(s.buf) == 0
	if finished {
		s.ended = true
	}
	s.mu.Unlock()

	if n > 0 {
		if s.output != nil {
			s.output(s.toRealtime(chunk, rate))
		}
		if !s.emit(audio.SinkEvent{Type: audio.SinkTimeUpdate, Position: pos}) {
			return false
		}
	}
	if finished {
		slog.Debug("realtime sink: reached end of stream", "position", pos)
		return s.emit(audio.SinkEvent{Type: audio.SinkEnded, Position: pos})
	}
	return true
}

// toRealtime compresses or stretches chunk so it occupies wall-clock time at
// the given playback rate.
func (s *Sink) toRealtime(chunk []byte, rate float64) []byte {
	if rate == 1 {
		return chunk
	}
	src := int(float64(s.format.SampleRate) * rate)
	return audio.Resample16(chunk, s.format.Channels, src, s.format.SampleRate)
}

var (
	_ audio.Speaker = (*Speaker)(nil)
	_ audio.Sink    = (*Sink)(nil)
)
