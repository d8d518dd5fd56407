// Package playback plays a sequence of audio chunks back-to-back on an
// [audio.Sink] and reports when each chunk actually starts being heard.
//
// A [Queue] submits one chunk at a time to the sink's backing buffer. Each
// submission records the buffered-end watermark at that moment together with
// the caller's onPlayStart callback. When the sink's playback position reaches
// a watermark, the callback fires. This separates "handed to the device" from
// "heard by the listener", which the conversation engine uses to keep the
// transcript's spoken cursor honest.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultRate is the playback speed multiplier used until SetRate is called.
const DefaultRate = 1.0

type item struct {
	chunk       []byte
	onPlayStart func()
}

type watermark struct {
	at time.Duration
	fn func()
}

// Option configures a [Queue].
type Option func(*Queue)

// WithRate sets the initial playback rate.
func WithRate(rate float64) Option {
	return func(q *Queue) {
		if rate > 0 {
			q.rate = rate
		}
	}
}

// Queue is the audio playback queue. All methods are safe for concurrent use.
//
// onPlayStart callbacks run on the queue's event goroutine, one at a time and
// in watermark order. They must not call [Queue.Stop] or [Queue.Start].
type Queue struct {
	speaker audio.Speaker

	mu        sync.Mutex
	sink      audio.Sink
	session   uint64 // incremented by every Start and Stop
	ready     bool   // sink attached and accepting data
	pending   []item
	callbacks []watermark
	rate      float64

	// fireMu is held for reading while callbacks run; Stop takes it for
	// writing so no callback of a stopped session can still be running when
	// Stop returns.
	fireMu sync.RWMutex
}

// New creates a Queue that acquires devices from speaker.
func New(speaker audio.Speaker, opts ...Option) *Queue {
	q := &Queue{speaker: speaker, rate: DefaultRate}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start tears down any current device and opens a new one. Chunks enqueued
// afterwards are held until the device reports ready, then submitted in order.
// Playback begins when the device reports it can play.
func (q *Queue) Start(ctx context.Context) error {
	q.Stop()

	sink, err := q.speaker.Open(ctx)
	if err != nil {
		return fmt.Errorf("playback: open speaker: %w", err)
	}

	q.mu.Lock()
	q.session++
	session := q.session
	q.sink = sink
	q.ready = false
	sink.SetRate(q.rate)
	q.mu.Unlock()

	go q.run(sink, session)
	return nil
}

// Enqueue submits chunk for playback. onPlayStart, if non-nil, is invoked once
// playback reaches the start of the chunk. It is dropped if Stop is called
// first.
func (q *Queue) Enqueue(chunk []byte, onPlayStart func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, item{chunk: chunk, onPlayStart: onPlayStart})
	q.submitLocked()
}

// SetRate changes the playback speed without interrupting playback.
func (q *Queue) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rate = rate
	if q.sink != nil {
		q.sink.SetRate(rate)
	}
}

// Rate returns the current playback speed multiplier.
func (q *Queue) Rate() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rate
}

// Pending returns the number of chunks not yet handed to the device.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop signals end of stream, detaches the device and drops every pending
// chunk and unfired callback. Teardown errors are logged and discarded.
// Calling Stop on a stopped queue is a no-op.
func (q *Queue) Stop() {
	q.mu.Lock()
	sink := q.sink
	q.sink = nil
	q.session++
	q.ready = false
	q.pending = nil
	q.callbacks = nil
	q.mu.Unlock()

	if sink != nil {
		if err := sink.EndOfStream(); err != nil {
			slog.Debug("playback: end of stream", "err", err)
		}
		if err := sink.Close(); err != nil {
			slog.Debug("playback: close sink", "err", err)
		}
	}

	// Barrier: wait for any callback still running from the old session.
	q.fireMu.Lock()
	q.fireMu.Unlock() //nolint:staticcheck // barrier
}

// submitLocked hands the next pending chunk to the sink if it can take one.
// Must be called with q.mu held.
func (q *Queue) submitLocked() {
	if q.sink == nil || !q.ready || len(q.pending) == 0 || q.sink.Updating() {
		return
	}

	next := q.pending[0]
	mark := q.sink.BufferedEnd()
	if err := q.sink.Append(next.chunk); err != nil {
		// Busy sinks report UPDATE_END later; the chunk stays queued.
		slog.Debug("playback: append", "err", err)
		return
	}
	q.pending = q.pending[1:]
	if next.onPlayStart != nil {
		q.callbacks = append(q.callbacks, watermark{at: mark, fn: next.onPlayStart})
	}
}

func (q *Queue) run(sink audio.Sink, session uint64) {
	for ev := range sink.Events() {
		switch ev.Type {
		case audio.SinkReady:
			q.mu.Lock()
			if q.session == session {
				q.ready = true
				q.submitLocked()
			}
			q.mu.Unlock()

		case audio.SinkUpdateEnd:
			q.mu.Lock()
			if q.session == session {
				q.submitLocked()
			}
			q.mu.Unlock()

		case audio.SinkCanPlay:
			if err := sink.Play(); err != nil {
				slog.Debug("playback: play", "err", err)
			}

		case audio.SinkTimeUpdate, audio.SinkEnded:
			q.fire(session, ev.Position)
		}
	}
}

// fire runs, in order, every callback whose watermark pos has reached.
func (q *Queue) fire(session uint64, pos time.Duration) {
	q.fireMu.RLock()
	defer q.fireMu.RUnlock()

	q.mu.Lock()
	if q.session != session {
		q.mu.Unlock()
		return
	}
	n := 0
	for n < len(q.callbacks) && q.callbacks[n].at <= pos {
		n++
	}
	due := q.callbacks[:n:n]
	q.callbacks = q.callbacks[n:]
	q.mu.Unlock()

	for _, cb := range due {
		cb.fn()
	}
}
