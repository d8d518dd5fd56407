// Package engine coordinates one real-time voice conversation.
//
// An [Engine] listens to a [Recognizer], keeps a [transcript.Transcript] of
// the exchange and answers every final utterance with a streamed chat
// completion. The completion is cut into sentence batches, each batch is
// synthesised as soon as it is complete, and the resulting audio is played
// back-to-back through a [playback.Queue]. The transcript records separately
// what was generated, what was synthesised and what was actually heard, so an
// interruption rewinds the conversation to exactly the words the listener
// heard.
//
// Every recognition event supersedes the turn in flight: it bumps a
// generation counter, cancels the previous turn's context and recreates the
// playback device. Asynchronous work checks its generation before touching
// the transcript, so a superseded turn can never leak text or audio into the
// next one.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Defaults applied by [New].
const (
	DefaultMaxTokens  = 1000
	DefaultSpeechRate = 1.5
	DefaultCloseDelay = time.Second

	MinSpeechRate = 0.5
	MaxSpeechRate = 4.0
)

// Recognizer is a source of speech recognition events.
type Recognizer interface {
	// Listen starts capture and returns the ordered stream of interim and
	// final transcripts. Cancelling ctx stops capture and closes the channel.
	Listen(ctx context.Context) (<-chan stt.Transcript, error)
}

// State is the externally visible phase of an [Engine].
type State int

const (
	// StateIdle means capture is not running.
	StateIdle State = iota

	// StateListening means capture is running and no turn is in progress.
	StateListening

	// StateDrafting means an interim transcript is being shown.
	StateDrafting

	// StateFinalizing means a final transcript is being committed.
	StateFinalizing

	// StateResponding means a chat completion is being streamed and spoken.
	StateResponding
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDrafting:
		return "drafting"
	case StateFinalizing:
		return "finalizing"
	case StateResponding:
		return "responding"
	default:
		return "unknown"
	}
}

// RateMode selects where the speech rate is applied.
type RateMode string

const (
	// RatePlayback changes the playback speed of the audio device.
	RatePlayback RateMode = "playback"

	// RateSynthesis asks the synthesis provider to speak faster or slower.
	RateSynthesis RateMode = "synthesis"
)

// Option configures an [Engine].
type Option func(*Engine)

// WithTranscript sets the transcript the engine owns. By default a transcript
// seeded with [transcript.DefaultSystemPrompt] is created.
func WithTranscript(t *transcript.Transcript) Option {
	return func(e *Engine) { e.transcript = t }
}

// WithMaxTokens caps the completion length. Non-positive values are ignored.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithContextBudget limits the estimated prompt size in tokens. Older turns
// are dropped first. By default the budget is the model's context window minus
// the completion cap; a negative value disables trimming.
func WithContextBudget(tokens int) Option {
	return func(e *Engine) { e.budget = tokens }
}

// WithSpeechRate sets the initial speech rate. Out-of-range values are
// clamped.
func WithSpeechRate(rate float64) Option {
	return func(e *Engine) { e.rate = clampRate(rate) }
}

// WithRateMode selects playback-side or synthesis-side speech rate.
func WithRateMode(mode RateMode) Option {
	return func(e *Engine) {
		if mode == RateSynthesis {
			e.rateMode = RateSynthesis
		}
	}
}

// WithCloseDelay sets how long after the last sentence started playing the
// exchange is closed.
func WithCloseDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.closeDelay.Store(int64(d))
		}
	}
}

// WithVoice sets the synthesis voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(e *Engine) { e.voice = v }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithProviderNames sets the provider names used in metric attributes.
func WithProviderNames(chat, synth string) Option {
	return func(e *Engine) {
		e.chatName = chat
		e.synthName = synth
	}
}

// WithReadyCheck registers a function [Engine.Start] waits on before capture
// begins, typically until speech service credentials are available.
func WithReadyCheck(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.ready = fn }
}

// Engine is the conversation orchestrator. All exported methods are safe for
// concurrent use.
type Engine struct {
	recognizer Recognizer
	chat       llm.Provider
	synth      tts.Provider
	queue      *playback.Queue
	transcript *transcript.Transcript
	metrics    *observe.Metrics
	ready      func(ctx context.Context) error

	maxTokens int
	budget    int
	rateMode  RateMode
	chatName  string
	synthName string

	// gen identifies the current turn. It is only incremented with mu held
	// but may be read without it.
	gen        atomic.Uint64
	closeDelay atomic.Int64

	mu           sync.Mutex
	state        State
	rate         float64
	voice        tts.VoiceProfile
	listenCancel context.CancelFunc
	turnCancel   context.CancelFunc
	exchange     exchange

	closeMu    sync.Mutex
	closeTimer *time.Timer

	// lifecycle orders capture startup against Stop.
	lifecycle sync.Mutex

	wg sync.WaitGroup
}

// exchange holds the messages of the turn that is waiting to be closed.
type exchange struct {
	user      int64
	assistant int64
}

// New creates an Engine. queue must not be shared with another engine.
func New(rec Recognizer, chat llm.Provider, synth tts.Provider, queue *playback.Queue, opts ...Option) *Engine {
	e := &Engine{
		recognizer: rec,
		chat:       chat,
		synth:      synth,
		queue:      queue,
		maxTokens:  DefaultMaxTokens,
		rate:       DefaultSpeechRate,
		rateMode:   RatePlayback,
		chatName:   "llm",
		synthName:  "tts",
	}
	e.closeDelay.Store(int64(DefaultCloseDelay))
	for _, o := range opts {
		o(e)
	}
	if e.transcript == nil {
		e.transcript = transcript.New()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.budget == 0 {
		if w := chat.Capabilities().ContextWindow; w > e.maxTokens {
			e.budget = w - e.maxTokens
		}
	}
	e.applyRateLocked()
	return e
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Start begins capture. ctx bounds the startup only; capture then runs until
// [Engine.Stop]. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil
	}
	e.state = StateListening
	gen := e.gen.Load()
	e.mu.Unlock()

	fail := func(err error) error {
		e.mu.Lock()
		if e.gen.Load() == gen {
			e.state = StateIdle
		}
		e.mu.Unlock()
		return err
	}

	if e.ready != nil {
		if err := e.ready(ctx); err != nil {
			return fail(fmt.Errorf("engine: wait until ready: %w", err))
		}
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	// A Stop while waiting for readiness bumps the generation.
	if !e.startCurrent(gen) {
		slog.Debug("engine: stopped during startup")
		return nil
	}

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	results, err := e.recognizer.Listen(listenCtx)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("engine: start capture: %w", err))
	}
	if err := e.queue.Start(listenCtx); err != nil {
		slog.Debug("engine: start playback", "err", err)
	}

	e.mu.Lock()
	e.listenCancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go e.listen(listenCtx, results)
	slog.Info("engine: started")
	return nil
}

func (e *Engine) startCurrent(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen.Load() == gen && e.state == StateListening
}

// Stop ends capture and every in-flight turn, then rewinds the transcript to
// what was heard. Stopping an idle engine is a no-op.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.gen.Add(1)
	e.state = StateIdle
	if e.listenCancel != nil {
		e.listenCancel()
		e.listenCancel = nil
	}
	if e.cancelTurnLocked() {
		e.metrics.TurnsSuperseded.Add(context.Background(), 1)
	}
	e.exchange = exchange{}
	e.mu.Unlock()

	e.stopCloseTimer()
	e.wg.Wait()
	if n := e.queue.Pending(); n > 0 {
		slog.Debug("engine: dropping queued speech", "chunks", n)
	}
	e.queue.Stop()
	e.transcript.TrimToSpoken()
	slog.Info("engine: stopped")
}

// Reset stops the engine, restores the seed transcript and restarts capture
// if the engine was running.
func (e *Engine) Reset(ctx context.Context) error {
	active := e.State() != StateIdle
	e.Stop()
	e.transcript.Reset()
	if !active {
		return nil
	}
	return e.Start(ctx)
}

// ─── Tuning ───────────────────────────────────────────────────────────────────

// SetSpeechRate changes how fast replies are spoken. The rate must lie in
// [MinSpeechRate, MaxSpeechRate]. In playback mode the change is heard
// immediately; in synthesis mode it applies from the next sentence.
func (e *Engine) SetSpeechRate(rate float64) error {
	if rate < MinSpeechRate || rate > MaxSpeechRate {
		return fmt.Errorf("engine: speech rate %.2f outside [%.1f, %.1f]", rate, MinSpeechRate, MaxSpeechRate)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = rate
	e.applyRateLocked()
	return nil
}

// SpeechRate returns the current speech rate.
func (e *Engine) SpeechRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// SetCloseDelay changes the delay after which a finished exchange is closed.
// Non-positive values are ignored.
func (e *Engine) SetCloseDelay(d time.Duration) {
	if d > 0 {
		e.closeDelay.Store(int64(d))
	}
}

func (e *Engine) applyRateLocked() {
	if e.rateMode == RateSynthesis {
		e.voice.SpeedFactor = e.rate
		e.queue.SetRate(1)
		return
	}
	e.queue.SetRate(e.rate)
}

// ─── Observation ──────────────────────────────────────────────────────────────

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the current transcript.
func (e *Engine) Snapshot() transcript.Snapshot {
	return e.transcript.Snapshot()
}

// Subscribe returns a channel carrying the latest transcript snapshot after
// every change, and a function that ends the subscription.
func (e *Engine) Subscribe() (<-chan transcript.Snapshot, func()) {
	return e.transcript.Subscribe()
}

func clampRate(rate float64) float64 {
	return min(max(rate, MinSpeechRate), MaxSpeechRate)
}
