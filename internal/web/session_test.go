package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/internal/web"
	"github.com/MrWong99/parley/pkg/audio"
)

// fakeConversation records controls and exposes a real transcript.
type fakeConversation struct {
	mu     sync.Mutex
	state  engine.State
	rate   float64
	starts int
	stops  int
	resets int

	tr *transcript.Transcript
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{rate: 1.5, tr: transcript.New()}
}

func (f *fakeConversation) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.state = engine.StateListening
	return nil
}

func (f *fakeConversation) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = engine.StateIdle
}

func (f *fakeConversation) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeConversation) SetSpeechRate(rate float64) error {
	if rate < engine.MinSpeechRate || rate > engine.MaxSpeechRate {
		return fmt.Errorf("speech rate %.2f out of range", rate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
	return nil
}

func (f *fakeConversation) SpeechRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *fakeConversation) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConversation) Subscribe() (<-chan transcript.Snapshot, func()) {
	return f.tr.Subscribe()
}

func (f *fakeConversation) counts() (starts, stops, resets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.resets
}

type harness struct {
	srv      *httptest.Server
	conv     *fakeConversation
	conns    chan audio.Connection
	released chan struct{}
}

func newHarness(t *testing.T, opts ...web.Option) *harness {
	t.Helper()
	h := &harness{
		conv:     newFakeConversation(),
		conns:    make(chan audio.Connection, 1),
		released: make(chan struct{}),
	}
	s := web.New(func(_ context.Context, _ string, conn audio.Connection) (web.Conversation, func(), error) {
		h.conns <- conn
		return h.conv, func() { close(h.released) }, nil
	}, opts...)
	mux := http.NewServeMux()
	s.Register(mux)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c, ctx
}

// readMessage returns the next text message of type want, skipping others.
func readMessage(t *testing.T, ctx context.Context, c *websocket.Conn, want string) web.ServerMessage {
	t.Helper()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg web.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func TestSession_HelloAndControls(t *testing.T) {
	t.Parallel()

	h := newHarness(t, web.WithClientFormat(audio.Format{SampleRate: 24000, Channels: 1}))
	c, ctx := dial(t, h.url())

	hello := readMessage(t, ctx, c, web.MessageHello)
	if hello.SessionID == "" {
		t.Error("want a session id in hello")
	}
	if hello.State != "idle" {
		t.Errorf("want state idle, got %q", hello.State)
	}
	if hello.Format == nil || hello.Format.SampleRate != 24000 || hello.Format.Channels != 1 {
		t.Errorf("want format 24000/1, got %+v", hello.Format)
	}

	send := func(msg web.ControlMessage) {
		t.Helper()
		if err := wsjson.Write(ctx, c, msg); err != nil {
			t.Fatalf("write control: %v", err)
		}
	}

	send(web.ControlMessage{Type: web.ControlStart})
	if st := readMessage(t, ctx, c, web.MessageStatus); st.State != "listening" {
		t.Errorf("want state listening after start, got %q", st.State)
	}

	send(web.ControlMessage{Type: web.ControlRate, Rate: 2})
	if st := readMessage(t, ctx, c, web.MessageStatus); st.SpeechRate != 2 {
		t.Errorf("want speech rate 2, got %v", st.SpeechRate)
	}

	send(web.ControlMessage{Type: web.ControlRate, Rate: 9})
	if e := readMessage(t, ctx, c, web.MessageError); !strings.Contains(e.Error, "out of range") {
		t.Errorf("want range error, got %q", e.Error)
	}

	send(web.ControlMessage{Type: "dance"})
	if e := readMessage(t, ctx, c, web.MessageError); !strings.Contains(e.Error, "unknown control") {
		t.Errorf("want unknown control error, got %q", e.Error)
	}

	send(web.ControlMessage{Type: web.ControlReset})
	readMessage(t, ctx, c, web.MessageStatus)
	send(web.ControlMessage{Type: web.ControlStop})
	if st := readMessage(t, ctx, c, web.MessageStatus); st.State != "idle" {
		t.Errorf("want state idle after stop, got %q", st.State)
	}

	starts, stops, resets := h.conv.counts()
	if starts != 1 || stops != 1 || resets != 1 {
		t.Errorf("want 1 start, 1 stop, 1 reset; got %d, %d, %d", starts, stops, resets)
	}
}

func TestSession_Audio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c, ctx := dial(t, h.url())
	readMessage(t, ctx, c, web.MessageHello)
	conn := <-h.conns

	mic := []byte{1, 2, 3, 4}
	if err := c.Write(ctx, websocket.MessageBinary, mic); err != nil {
		t.Fatalf("write mic: %v", err)
	}
	streams := conn.InputStreams()
	if len(streams) != 1 {
		t.Fatalf("want one input stream, got %d", len(streams))
	}
	for _, ch := range streams {
		select {
		case frame := <-ch:
			if !bytes.Equal(frame.Data, mic) || frame.SampleRate != 16000 || frame.Channels != 1 {
				t.Errorf("want mic frame %v at 16000/1, got %v at %d/%d", mic, frame.Data, frame.SampleRate, frame.Channels)
			}
		case <-ctx.Done():
			t.Fatal("mic frame not delivered")
		}
	}

	speech := []byte{5, 6, 7, 8}
	conn.OutputStream() <- audio.AudioFrame{Data: speech, SampleRate: 16000, Channels: 1}
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read speaker audio: %v", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if !bytes.Equal(data, speech) {
			t.Fatalf("want speaker audio %v, got %v", speech, data)
		}
		break
	}
}

func TestSession_Transcript(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c, ctx := dial(t, h.url())
	readMessage(t, ctx, c, web.MessageTranscript)

	h.conv.tr.Append(transcript.RoleUser, "hello there", transcript.AppendOptions{})
	for {
		msg := readMessage(t, ctx, c, web.MessageTranscript)
		if msg.Transcript == nil {
			t.Fatal("want transcript payload")
		}
		tail := msg.Transcript.Messages[len(msg.Transcript.Messages)-1]
		if tail.Role == transcript.RoleUser && tail.Content == "hello there" {
			break
		}
	}
}

func TestSession_DisconnectStopsConversation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c, ctx := dial(t, h.url())
	readMessage(t, ctx, c, web.MessageHello)

	if err := c.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-h.released:
	case <-time.After(5 * time.Second):
		t.Fatal("session not released after disconnect")
	}
	if _, stops, _ := h.conv.counts(); stops != 1 {
		t.Fatalf("want conversation stopped once, got %d", stops)
	}
}

func TestSession_FactoryError(t *testing.T) {
	t.Parallel()

	s := web.New(func(context.Context, string, audio.Connection) (web.Conversation, func(), error) {
		return nil, nil, errors.New("no providers")
	})
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, ctx := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	_, _, err := c.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
		t.Fatalf("want close status %v, got %v (err %v)", websocket.StatusInternalError, got, err)
	}
}

func TestSession_Origins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, web.WithAllowedOrigins([]string{"trusted.example"}))

	tests := []struct {
		origin string
		ok     bool
	}{
		{origin: "https://trusted.example", ok: true},
		{origin: "https://evil.example", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, _, err := websocket.Dial(ctx, h.url(), &websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": []string{tt.origin}},
			})
			if tt.ok {
				if err != nil {
					t.Fatalf("want handshake accepted, got %v", err)
				}
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				c.CloseNow()
				t.Fatal("want handshake rejected")
			}
		})
	}
}
