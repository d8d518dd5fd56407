// Package sentence groups streamed text into sentence batches for speech
// synthesis.
//
// Chat completions arrive as arbitrary deltas. A [Segmenter] buffers them and
// uses Unicode sentence boundaries (UAX #29) to release every complete
// sentence as soon as a later sentence has begun, so synthesis can start
// long before the completion ends. The last, possibly unfinished, sentence is
// held back until more text arrives or the stream is flushed.
package sentence

import (
	"context"
	"errors"
	"strings"

	"github.com/clipperhouse/uax29/v2/sentences"
)

// ErrFlushed is returned by [Segmenter.Enqueue] after [Segmenter.Flush].
var ErrFlushed = errors.New("sentence: segmenter already flushed")

// Segmenter splits a stream of text fragments into sentence batches.
//
// Concatenating every batch returned by Enqueue plus the text returned by
// Flush reproduces the input, except for trailing whitespace that never
// reached a sentence. Sentences keep their trailing whitespace.
//
// A Segmenter is not safe for concurrent use.
type Segmenter struct {
	buf     string
	flushed bool
}

// Enqueue appends fragment and returns every complete sentence as one batch.
// The batch is empty when no sentence completed or when the completed text is
// blank; blank text stays buffered and is emitted with the next sentence.
func (s *Segmenter) Enqueue(fragment string) (string, error) {
	if s.flushed {
		return "", ErrFlushed
	}
	s.buf += fragment

	last := lastSentenceStart(s.buf)
	if last <= 0 {
		return "", nil
	}
	batch := s.buf[:last]
	if strings.TrimSpace(batch) == "" {
		return "", nil
	}
	s.buf = s.buf[last:]
	return batch, nil
}

// Flush returns the buffered remainder, or "" if it is blank, and ends the
// stream. Further calls return "".
func (s *Segmenter) Flush() string {
	if s.flushed {
		return ""
	}
	s.flushed = true
	rest := s.buf
	s.buf = ""
	if strings.TrimSpace(rest) == "" {
		return ""
	}
	return rest
}

// buffered returns the text held back so far.
func (s *Segmenter) buffered() string {
	return s.buf
}

// lastSentenceStart returns the byte offset where the final sentence of s
// begins.
func lastSentenceStart(s string) int {
	seg := sentences.FromString(s)
	start, pos := 0, 0
	for seg.Next() {
		start = pos
		pos += len(seg.Value())
	}
	return start
}

// Segment runs a [Segmenter] over in and emits each non-blank batch on the
// returned channel, flushing when in closes. The output channel is closed when
// the input is exhausted or ctx is cancelled.
func Segment(ctx context.Context, in <-chan string) <-chan string {
	out := make(chan string, 4)
	go func() {
		defer close(out)

		send := func(batch string) bool {
			if batch == "" {
				return true
			}
			select {
			case out <- batch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var seg Segmenter
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-in:
				if !ok {
					send(seg.Flush())
					return
				}
				batch, _ := seg.Enqueue(fragment)
				if !send(batch) {
					return
				}
			}
		}
	}()
	return out
}
