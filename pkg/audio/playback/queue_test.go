package playback_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type recorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *recorder) cb(name string) func() {
	return func() {
		r.mu.Lock()
		r.fired = append(r.fired, name)
		r.mu.Unlock()
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fired)
}

func TestQueue_OrderBeforeReady(t *testing.T) {
	t.Parallel()

	sink := mock.NewSink()
	q := playback.New(&mock.Speaker{Sinks: []*mock.Sink{sink}})
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	var rec recorder
	q.Enqueue(make([]byte, 10), rec.cb("A"))
	q.Enqueue(make([]byte, 20), rec.cb("B"))
	q.Enqueue(make([]byte, 30), rec.cb("C"))

	if got := len(sink.Appended()); got != 0 {
		t.Fatalf("want nothing appended before ready, got %d", got)
	}

	sink.Emit(audio.SinkEvent{Type: audio.SinkReady})
	waitFor(t, "A appended", func() bool { return len(sink.Appended()) == 1 })
	sink.Absorb()
	waitFor(t, "B appended", func() bool { return len(sink.Appended()) == 2 })
	sink.Absorb()
	waitFor(t, "C appended", func() bool { return len(sink.Appended()) == 3 })
	sink.Absorb()

	sink.Emit(audio.SinkEvent{Type: audio.SinkCanPlay})
	waitFor(t, "playing", sink.Playing)

	// Watermarks are 0ms, 10ms and 30ms.
	sink.Emit(audio.SinkEvent{Type: audio.SinkTimeUpdate, Position: 0})
	waitFor(t, "A fired", func() bool { return len(rec.got()) == 1 })
	sink.Emit(audio.SinkEvent{Type: audio.SinkTimeUpdate, Position: 5 * time.Millisecond})
	sink.Emit(audio.SinkEvent{Type: audio.SinkTimeUpdate, Position: 35 * time.Millisecond})
	waitFor(t, "B and C fired", func() bool { return len(rec.got()) == 3 })

	if want := []string{"A", "B", "C"}; !slices.Equal(rec.got(), want) {
		t.Errorf("want callbacks %v, got %v", want, rec.got())
	}

	// Callbacks fire exactly once.
	sink.Emit(audio.SinkEvent{Type: audio.SinkTimeUpdate, Position: time.Second})
	sink.Emit(audio.SinkEvent{Type: audio.SinkEnded, Position: time.Second})
	time.Sleep(20 * time.Millisecond)
	if got := len(rec.got()); got != 3 {
		t.Errorf("want 3 callbacks total, got %d", got)
	}
}

func TestQueue_SubmitsImmediatelyWhenIdle(t *testing.T) {
	t.Parallel()

	sink := mock.NewSink()
	q := playback.New(&mock.Speaker{Sinks: []*mock.Sink{sink}})
	_ = q.Start(context.Background())
	defer q.Stop()

	sink.Emit(audio.SinkEvent{Type: audio.SinkReady})
	q.Enqueue([]byte{1}, nil)
	waitFor(t, "first chunk appended", func() bool { return len(sink.Appended()) == 1 })
	if got := q.Pending(); got != 0 {
		t.Errorf("want no pending chunks, got %d", got)
	}

	// Mid-update: the next chunk waits.
	q.Enqueue([]byte{2}, nil)
	if got := q.Pending(); got != 1 {
		t.Errorf("want 1 pending chunk while updating, got %d", got)
	}
	sink.Absorb()
	waitFor(t, "second chunk appended", func() bool { return len(sink.Appended()) == 2 })
}

func TestQueue_StopDropsCallbacks(t *testing.T) {
	t.Parallel()

	sink := mock.NewSink()
	q := playback.New(&mock.Speaker{Sinks: []*mock.Sink{sink}})
	_ = q.Start(context.Background())

	var rec recorder
	q.Enqueue(make([]byte, 10), rec.cb("A"))
	q.Enqueue(make([]byte, 10), rec.cb("B"))
	sink.Emit(audio.SinkEvent{Type: audio.SinkReady})
	waitFor(t, "A appended", func() bool { return len(sink.Appended()) == 1 })

	q.Stop()

	if !sink.Ended() {
		t.Error("want EndOfStream on stop")
	}
	if !sink.Closed() {
		t.Error("want sink closed on stop")
	}
	if got := q.Pending(); got != 0 {
		t.Errorf("want pending dropped, got %d", got)
	}
	sink.Emit(audio.SinkEvent{Type: audio.SinkTimeUpdate, Position: time.Second})
	time.Sleep(20 * time.Millisecond)
	if got := rec.got(); len(got) != 0 {
		t.Errorf("want no callbacks after stop, got %v", got)
	}

	// Stopping again is fine.
	q.Stop()
}

func TestQueue_StartReinitializes(t *testing.T) {
	t.Parallel()

	speaker := &mock.Speaker{}
	q := playback.New(speaker, playback.WithRate(1.5))
	_ = q.Start(context.Background())
	first := speaker.Last()
	_ = q.Start(context.Background())
	second := speaker.Last()
	defer q.Stop()

	if first == second {
		t.Fatal("want a new sink on every Start")
	}
	if !first.Closed() {
		t.Error("want previous sink closed")
	}
	if second.Closed() {
		t.Error("want current sink open")
	}
	if got := second.Rate(); got != 1.5 {
		t.Errorf("want rate 1.5 applied to new sink, got %v", got)
	}
}

func TestQueue_SetRate(t *testing.T) {
	t.Parallel()

	sink := mock.NewSink()
	q := playback.New(&mock.Speaker{Sinks: []*mock.Sink{sink}})
	_ = q.Start(context.Background())
	defer q.Stop()

	q.SetRate(2)
	if got := sink.Rate(); got != 2 {
		t.Errorf("want sink rate 2, got %v", got)
	}
	q.SetRate(0)
	if got := q.Rate(); got != 2 {
		t.Errorf("want non-positive rate ignored, got %v", got)
	}
}

func TestQueue_StartError(t *testing.T) {
	t.Parallel()

	boom := errors.New("no device")
	q := playback.New(&mock.Speaker{OpenErr: boom})
	if err := q.Start(context.Background()); !errors.Is(err, boom) {
		t.Errorf("want wrapped open error, got %v", err)
	}
}
