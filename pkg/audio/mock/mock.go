// Package mock provides in-memory implementations of the [audio.Platform],
// [audio.Connection], [audio.Speaker] and [audio.Sink] interfaces for unit
// tests.
//
// All mocks are safe for concurrent use. They record method calls so tests can
// assert on them, and expose fields that control return values.
//
// The mock [Sink] is driven by hand: the test decides when the buffer becomes
// ready, when an append is absorbed and how far playback has progressed.
//
//	sink := mock.NewSink()
//	speaker := &mock.Speaker{Sinks: []*mock.Sink{sink}}
//	q := playback.New(speaker)
//	_ = q.Start(ctx)
//	sink.Emit(audio.SinkEvent{Type: audio.SinkReady})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	// InputStreamsResult is returned by InputStreams. Nil yields an empty map.
	InputStreamsResult map[string]<-chan audio.AudioFrame

	// OutputStreamResult is returned by OutputStream.
	OutputStreamResult chan<- audio.AudioFrame

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	callbacks       []func(audio.Event)
	disconnectCalls int
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InputStreamsResult == nil {
		return map[string]<-chan audio.AudioFrame{}
	}
	return c.InputStreamsResult
}

// SetInputStreams replaces the streams returned by InputStreams.
func (c *Connection) SetInputStreams(streams map[string]<-chan audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InputStreamsResult = streams
}

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.OutputStreamResult
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCalls++
	return c.DisconnectError
}

// DisconnectCalls returns how many times Disconnect was called.
func (c *Connection) DisconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectCalls
}

// EmitEvent invokes every registered participant-change callback.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.callbacks))
	copy(cbs, c.callbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	ConnectResult audio.Connection
	ConnectError  error

	// ConnectCalls records the channel IDs passed to Connect.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	return p.ConnectResult, p.ConnectError
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a hand-driven [audio.Sink]. Every appended byte counts as one
// millisecond of media time so tests can reason about watermarks directly.
type Sink struct {
	mu sync.Mutex

	// AppendErr, if non-nil, is returned by Append.
	AppendErr error

	events   chan audio.SinkEvent
	appended [][]byte
	end      time.Duration
	pos      time.Duration
	rate     float64
	updating bool
	playing  bool
	eos      bool
	closed   bool
}

// NewSink returns a Sink with an event buffer large enough for most tests.
func NewSink() *Sink {
	return &Sink{events: make(chan audio.SinkEvent, 256), rate: 1}
}

// Emit delivers ev to the Events channel. TimeUpdate events also move the
// playback position. Emit after Close is a no-op.
func (s *Sink) Emit(ev audio.SinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if ev.Type == audio.SinkTimeUpdate {
		s.pos = ev.Position
	}
	s.events <- ev
}

// Absorb completes the pending append and emits SinkUpdateEnd.
func (s *Sink) Absorb() {
	s.mu.Lock()
	s.updating = false
	s.mu.Unlock()
	s.Emit(audio.SinkEvent{Type: audio.SinkUpdateEnd})
}

// Events implements [audio.Sink].
func (s *Sink) Events() <-chan audio.SinkEvent { return s.events }

// Append implements [audio.Sink].
func (s *Sink) Append(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return audio.ErrSinkClosed
	case s.updating:
		return audio.ErrSinkBusy
	case s.AppendErr != nil:
		return s.AppendErr
	}
	s.appended = append(s.appended, pcm)
	s.end += time.Duration(len(pcm)) * time.Millisecond
	s.updating = true
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
	return s.end
}

// Position implements [audio.Sink].
func (s *Sink) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// SetRate implements [audio.Sink].
func (s *Sink) SetRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
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

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Appended returns a copy of every chunk passed to Append, in order.
func (s *Sink) Appended() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.appended))
	copy(out, s.appended)
	return out
}

// Rate returns the last rate set via SetRate.
func (s *Sink) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Playing reports whether Play was called.
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Ended reports whether EndOfStream was called.
func (s *Sink) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [audio.Speaker]. Open hands out Sinks in order and
// creates fresh ones once the list is exhausted.
type Speaker struct {
	mu sync.Mutex

	// Sinks are returned by successive Open calls.
	Sinks []*Sink

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	opened []*Sink
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context) (audio.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	var sink *Sink
	if len(s.opened) < len(s.Sinks) {
		sink = s.Sinks[len(s.opened)]
	} else {
		sink = NewSink()
	}
	s.opened = append(s.opened, sink)
	return sink, nil
}

// Opened returns every Sink handed out so far.
func (s *Speaker) Opened() []*Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Sink, len(s.opened))
	copy(out, s.opened)
	return out
}

// Last returns the most recently opened Sink, or nil.
func (s *Speaker) Last() *Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

var (
	_ audio.Connection = (*Connection)(nil)
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Sink       = (*Sink)(nil)
	_ audio.Speaker    = (*Speaker)(nil)
)
