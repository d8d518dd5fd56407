// Package web serves browser clients of a parley server.
//
// Routes registered by [Server.Register]:
//
//   - GET  /ws                           one conversation per WebSocket
//   - GET  /api/cognitive/endpoint       speech service token and region
//   - POST /api/openai/chat/completions  OpenAI-compatible chat proxy
//
// A WebSocket carries microphone PCM from the client and speaker PCM back as
// binary messages. Text messages carry JSON: controls from the client and
// transcript and status updates from the server. See [ControlMessage] and
// [ServerMessage].
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/token"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ErrNotConfigured is reported by routes whose backend was not supplied.
var ErrNotConfigured = errors.New("web: not configured")

// Conversation is the engine surface a client drives.
type Conversation interface {
	Start(ctx context.Context) error
	Stop()
	Reset(ctx context.Context) error
	SetSpeechRate(rate float64) error
	SpeechRate() float64
	State() engine.State
	Subscribe() (<-chan transcript.Snapshot, func())
}

var _ Conversation = (*engine.Engine)(nil)

// SessionFactory builds the conversation for a new client. Microphone audio
// arrives on conn's input stream keyed by id and speech written to conn's
// output stream is sent to the client. release is called once after the
// client has gone and the conversation was stopped.
type SessionFactory func(ctx context.Context, id string, conn audio.Connection) (conv Conversation, release func(), err error)

// EndpointSource yields the current speech service endpoint.
type EndpointSource interface {
	Endpoint(ctx context.Context) (token.Endpoint, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithEndpointSource enables GET /api/cognitive/endpoint.
func WithEndpointSource(src EndpointSource) Option {
	return func(s *Server) { s.endpoint = src }
}

// WithChat enables the chat proxy backed by p. maxTokens caps the completion
// length of proxied requests; zero leaves it to the client.
func WithChat(p llm.Provider, maxTokens int) Option {
	return func(s *Server) {
		s.chat = p
		s.maxTokens = maxTokens
	}
}

// WithMetrics sets the instruments for connected clients.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClientFormat sets the PCM format clients send and receive.
func WithClientFormat(f audio.Format) Option {
	return func(s *Server) { s.format = f }
}

// WithAllowedOrigins sets the host patterns accepted for cross-origin
// WebSocket handshakes. Same-origin requests are always accepted.
func WithAllowedOrigins(patterns []string) Option {
	return func(s *Server) { s.origins = append([]string(nil), patterns...) }
}

// Server serves browser clients.
type Server struct {
	sessions  SessionFactory
	endpoint  EndpointSource
	chat      llm.Provider
	maxTokens int
	metrics   *observe.Metrics
	format    audio.Format
	origins   []string
}

// New creates a server that opens conversations through sessions.
func New(sessions SessionFactory, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		format:   audio.Format{SampleRate: 16000, Channels: 1},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Register adds the routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.serveSession)
	mux.HandleFunc("GET /api/cognitive/endpoint", s.serveEndpoint)
	mux.HandleFunc("POST /api/openai/chat/completions", s.serveChat)
}

// serveEndpoint hands the browser a short-lived speech token.
func (s *Server) serveEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.endpoint == nil {
		writeError(w, http.StatusNotFound, "not_configured", ErrNotConfigured.Error())
		return
	}
	ep, err := s.endpoint.Endpoint(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("web: speech endpoint unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ep)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Message: msg, Type: kind}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
