// Package mock provides an in-memory [engine.Recognizer] for unit tests.
//
// The test pushes recognition events with [Recognizer.Emit] while a Listen
// call is active. Cancelling the Listen context closes the stream, just like
// a real capture session.
//
// Example:
//
//	rec := &mock.Recognizer{}
//	e := engine.New(rec, chat, synth, queue)
//	_ = e.Start(ctx)
//	rec.Emit(stt.Transcript{Text: "Hello", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Compile-time interface assertion.
var _ engine.Recognizer = (*Recognizer)(nil)

// Recognizer is a mock implementation of [engine.Recognizer].
type Recognizer struct {
	mu sync.Mutex

	// ListenErr is returned by every Listen call when non-nil.
	ListenErr error

	ch          chan stt.Transcript
	listenCalls int
}

// Listen implements [engine.Recognizer].
func (r *Recognizer) Listen(ctx context.Context) (<-chan stt.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listenCalls++
	if r.ListenErr != nil {
		return nil, r.ListenErr
	}

	ch := make(chan stt.Transcript, 16)
	r.ch = ch
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.ch == ch {
			r.ch = nil
		}
		close(ch)
	}()
	return ch, nil
}

// Emit delivers t to the active Listen stream. It reports false when no
// stream is active.
func (r *Recognizer) Emit(t stt.Transcript) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch == nil {
		return false
	}
	r.ch <- t
	return true
}

// Listening reports whether a Listen stream is active.
func (r *Recognizer) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch != nil
}

// ListenCalls returns how many times Listen was called.
func (r *Recognizer) ListenCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listenCalls
}
