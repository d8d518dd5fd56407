package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

const (
	micBuffer     = 64
	speakerBuffer = 64
)

// ErrUnknownControl is reported to clients that send an unsupported control.
var ErrUnknownControl = errors.New("web: unknown control")

var _ audio.Connection = (*clientConn)(nil)

// clientConn presents one WebSocket client as an [audio.Connection] with a
// single participant.
type clientConn struct {
	id     string
	format audio.Format
	out    chan audio.AudioFrame

	mu     sync.Mutex
	mic    chan audio.AudioFrame
	closed bool
}

func newClientConn(id string, format audio.Format) *clientConn {
	return &clientConn{
		id:     id,
		format: format,
		mic:    make(chan audio.AudioFrame, micBuffer),
		out:    make(chan audio.AudioFrame, speakerBuffer),
	}
}

func (c *clientConn) InputStreams() map[string]<-chan audio.AudioFrame {
	return map[string]<-chan audio.AudioFrame{c.id: c.mic}
}

func (c *clientConn) OutputStream() chan<- audio.AudioFrame { return c.out }

// OnParticipantChange is a no-op: the participant set never changes.
func (c *clientConn) OnParticipantChange(func(audio.Event)) {}

func (c *clientConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.mic)
	}
	return nil
}

// push delivers microphone PCM, dropping it when the recognizer lags.
func (c *clientConn) push(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	frame := audio.AudioFrame{Data: pcm, SampleRate: c.format.SampleRate, Channels: c.format.Channels}
	select {
	case c.mic <- frame:
	default:
		slog.Debug("web: microphone backlog, dropping frame", "session_id", c.id)
	}
}

// serveSession upgrades the request and runs one conversation until the
// client disconnects.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("web: websocket handshake failed", "err", err)
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	id := uuid.NewString()
	log := observe.Logger(ctx).With("session_id", id)

	conn := newClientConn(id, s.format)
	defer conn.Disconnect()

	conv, release, err := s.sessions(ctx, id, conn)
	if err != nil {
		log.Error("web: create session", "err", err)
		ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	defer release()
	defer conv.Stop()

	s.metrics.ActiveClients.Add(ctx, 1)
	defer s.metrics.ActiveClients.Add(context.WithoutCancel(ctx), -1)

	log.Info("web: client connected")
	c := &client{id: id, ws: ws, conn: conn, conv: conv, format: s.format, log: log}
	if err := c.run(ctx); err != nil {
		log.Warn("web: session ended", "err", err)
		ws.Close(websocket.StatusInternalError, "session failed")
		return
	}
	log.Info("web: client disconnected")
	ws.Close(websocket.StatusNormalClosure, "")
}

type client struct {
	id     string
	ws     *websocket.Conn
	conn   *clientConn
	conv   Conversation
	format audio.Format
	log    *slog.Logger
}

// errClientClosed ends the session goroutines once the client has closed.
var errClientClosed = errors.New("web: client closed")

func (c *client) run(ctx context.Context) error {
	hello := statusMessage(c.conv)
	hello.Type = MessageHello
	hello.SessionID = c.id
	hello.Format = formatInfo(c.format)
	if err := wsjson.Write(ctx, c.ws, hello); err != nil {
		return fmt.Errorf("web: send hello: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.speakerLoop(gctx) })
	g.Go(func() error { return c.transcriptLoop(gctx) })

	err := g.Wait()
	switch {
	case errors.Is(err, errClientClosed), errors.Is(err, context.Canceled):
		return nil
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		return nil
	}
	return err
}

func (c *client) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errClientClosed
			}
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			c.conn.push(data)
		case websocket.MessageText:
			if err := c.control(ctx, data); err != nil {
				c.log.Debug("web: control rejected", "err", err)
				if err := wsjson.Write(ctx, c.ws, ServerMessage{Type: MessageError, Error: err.Error()}); err != nil {
					return err
				}
			}
		}
	}
}

func (c *client) control(ctx context.Context, data []byte) error {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("web: decode control: %w", err)
	}

	var err error
	switch msg.Type {
	case ControlStart:
		err = c.conv.Start(ctx)
	case ControlStop:
		c.conv.Stop()
	case ControlReset:
		err = c.conv.Reset(ctx)
	case ControlRate:
		err = c.conv.SetSpeechRate(msg.Rate)
	default:
		err = fmt.Errorf("%w %q", ErrUnknownControl, msg.Type)
	}
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, c.ws, statusMessage(c.conv))
}

// speakerLoop sends rendered speech to the client in the client's format.
func (c *client) speakerLoop(ctx context.Context) error {
	conv := audio.FormatConverter{Target: c.format}
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.conn.out:
			pcm := conv.Convert(frame).Data
			if len(pcm) == 0 {
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageBinary, pcm); err != nil {
				return err
			}
		}
	}
}

func (c *client) transcriptLoop(ctx context.Context) error {
	snaps, unsubscribe := c.conv.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			msg := statusMessage(c.conv)
			msg.Type = MessageTranscript
			msg.Transcript = transcriptView(snap)
			if err := wsjson.Write(ctx, c.ws, msg); err != nil {
				return err
			}
		}
	}
}
