package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/engine"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/token"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/audio/realtime"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// speakerFormat is the PCM format the engine renders speech in. Connections
// convert it to their own output format.
var speakerFormat = audio.Format{SampleRate: 16000, Channels: 1}

// ErrSessionExists is returned by [SessionManager.Open] when a session with
// the same id is already running.
var ErrSessionExists = errors.New("app: session already exists")

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// ID is the unique identifier for this session.
	ID string

	// StartedAt is when the session was opened.
	StartedAt time.Time
}

type managedSession struct {
	info   SessionInfo
	engine *engine.Engine
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Tokens, when set, gates every engine start on speech credentials.
	Tokens *token.Source

	Metrics *observe.Metrics
}

// SessionManager builds one conversation engine per audio connection and
// applies runtime tuning to all of them. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	cfg       *config.Config
	providers *Providers
	tokens    *token.Source
	metrics   *observe.Metrics

	mu         sync.Mutex
	sessions   map[string]*managedSession
	rate       float64
	closeDelay time.Duration
}

// NewSessionManager creates a SessionManager. New sessions start with the
// configured speech rate and close delay.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := &SessionManager{
		cfg:        cfg.Config,
		providers:  cfg.Providers,
		tokens:     cfg.Tokens,
		metrics:    cfg.Metrics,
		sessions:   make(map[string]*managedSession),
		rate:       cfg.Config.Conversation.SpeechRate,
		closeDelay: cfg.Config.Conversation.CloseDelay,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Open creates an idle engine that listens on conn and speaks into its output
// stream. The returned release function unregisters the session and stops the
// engine; it is safe to call more than once. The connection itself is owned
// by the caller.
func (m *SessionManager) Open(ctx context.Context, id string, conn audio.Connection) (*engine.Engine, func(), error) {
	if m.providers == nil || m.providers.Chat == nil || m.providers.STT == nil || m.providers.Synth == nil {
		return nil, nil, fmt.Errorf("app: open session %q: providers not configured", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	eng := m.buildEngine(conn)
	m.sessions[id] = &managedSession{
		info:   SessionInfo{ID: id, StartedAt: time.Now()},
		engine: eng,
	}
	m.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session opened", "session_id", id)

	var once sync.Once
	release := func() {
		once.Do(func() {
			eng.Stop()
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			m.metrics.ActiveSessions.Add(context.Background(), -1)
			slog.Info("session closed", "session_id", id)
		})
	}
	return eng, release, nil
}

// buildEngine wires the capture, playback and engine for one connection.
// Must be called with mu held.
func (m *SessionManager) buildEngine(conn audio.Connection) *engine.Engine {
	conv := m.cfg.Conversation

	rec := engine.NewCaptureRecognizer(conn, m.providers.STT, engine.WithLanguage(conv.Language))
	speaker := realtime.NewSpeaker(speakerFormat,
		realtime.FrameWriter(conn.OutputStream(), speakerFormat),
		realtime.WithTick(m.cfg.Audio.Tick),
	)
	queue := playback.New(speaker)

	var seed []transcript.Option
	if conv.SystemPrompt != "" {
		seed = append(seed, transcript.WithSystemPrompt(conv.SystemPrompt))
	}

	opts := []engine.Option{
		engine.WithTranscript(transcript.New(seed...)),
		engine.WithMaxTokens(conv.MaxTokens),
		engine.WithContextBudget(conv.ContextBudget),
		engine.WithSpeechRate(m.rate),
		engine.WithRateMode(engine.RateMode(conv.RateMode)),
		engine.WithCloseDelay(m.closeDelay),
		engine.WithVoice(voiceProfile(conv, m.providers.SynthName)),
		engine.WithMetrics(m.metrics),
		engine.WithProviderNames(m.providers.ChatName, m.providers.SynthName),
	}
	if m.tokens != nil {
		opts = append(opts, engine.WithReadyCheck(m.tokens.Wait))
	}
	return engine.New(rec, m.providers.Chat, m.providers.Synth, queue, opts...)
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns the open sessions ordered by id.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SetSpeechRate changes the speech rate of every open session and of
// sessions opened later.
func (m *SessionManager) SetSpeechRate(rate float64) error {
	if rate < engine.MinSpeechRate || rate > engine.MaxSpeechRate {
		return fmt.Errorf("app: speech rate %.2f out of range [%.1f, %.1f]", rate, engine.MinSpeechRate, engine.MaxSpeechRate)
	}
	m.mu.Lock()
	m.rate = rate
	engines := m.enginesLocked()
	m.mu.Unlock()

	var errs []error
	for _, e := range engines {
		errs = append(errs, e.SetSpeechRate(rate))
	}
	return errors.Join(errs...)
}

// SetCloseDelay changes the close delay of every open session and of
// sessions opened later.
func (m *SessionManager) SetCloseDelay(d time.Duration) {
	m.mu.Lock()
	m.closeDelay = d
	engines := m.enginesLocked()
	m.mu.Unlock()

	for _, e := range engines {
		e.SetCloseDelay(d)
	}
}

// CloseAll stops every open session. Their release functions remain safe to
// call.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	engines := m.enginesLocked()
	m.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
}

func (m *SessionManager) enginesLocked() []*engine.Engine {
	out := make([]*engine.Engine, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.engine)
	}
	return out
}

// voiceProfile converts the configured voice to a tts.VoiceProfile.
func voiceProfile(conv config.ConversationConfig, provider string) tts.VoiceProfile {
	lang := conv.Voice.Language
	if lang == "" {
		lang = conv.Language
	}
	return tts.VoiceProfile{
		ID:       conv.Voice.ID,
		Name:     conv.Voice.Name,
		Provider: provider,
		Language: lang,
	}
}
