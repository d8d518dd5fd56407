// Package app wires all parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the background loops, and Shutdown
// tears everything down in order.
//
// For testing, inject providers via [WithProviders]. When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/discord"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/token"
	"github.com/MrWong99/parley/internal/web"
	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// tokenTimeout bounds one speech token request.
	tokenTimeout = 10 * time.Second

	// serverShutdownTimeout bounds draining HTTP connections.
	serverShutdownTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg        *config.Config
	configPath string
	level      *slog.LevelVar
	metrics    *observe.Metrics
	providers  *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	tokens   *token.Source
	sessions *SessionManager
	web      *web.Server
	health   *health.Handler
	bot      *discord.Bot
	voice    *discord.Voice
	watcher  *config.Watcher
	handler  http.Handler

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects providers instead of building them from the config.
func WithProviders(p *Providers) Option {
	return func(a *App) { a.providers = p }
}

// WithLevelVar sets the log level variable that hot reload updates.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigPath enables hot reload of the configuration file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Discord is connected
// here when configured; HTTP is not served until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Speech tokens ─────────────────────────────────────────────────
	if err := a.initTokens(); err != nil {
		return nil, fmt.Errorf("app: init speech tokens: %w", err)
	}

	// ── 2. Providers ─────────────────────────────────────────────────────
	if a.providers == nil {
		reg := config.NewRegistry()
		RegisterBuiltinProviders(reg, a.tokens)
		p, err := BuildProviders(cfg, reg, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("app: build providers: %w", err)
		}
		a.providers = p
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: a.providers,
		Tokens:    a.tokens,
		Metrics:   a.metrics,
	})

	// ── 4. Web surface ───────────────────────────────────────────────────
	a.initWeb()

	// ── 5. Discord ───────────────────────────────────────────────────────
	if cfg.Discord.Enabled() {
		if err := a.initDiscord(ctx); err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init discord: %w", err)
		}
	}

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	// ── 7. HTTP routing ──────────────────────────────────────────────────
	checks := append([]health.Checker(nil), a.providers.Checks...)
	if a.tokens != nil {
		checks = append(checks, health.Condition("speech_token", a.tokens.Ready))
	}
	a.health = health.New(checks...)

	mux := http.NewServeMux()
	a.health.Register(mux)
	a.web.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initTokens creates the speech token source when the speech service is
// configured. A subscription key takes precedence over Azure AD.
func (a *App) initTokens() error {
	sc := a.cfg.Speech
	if !sc.Enabled() {
		return nil
	}

	var issuer token.Issuer
	if sc.SubscriptionKey != "" {
		opts := []token.KeyIssuerOption{token.WithHTTPClient(observe.HTTPClient(tokenTimeout))}
		if sc.TokenURL != "" {
			opts = append(opts, token.WithTokenURL(sc.TokenURL))
		}
		ki, err := token.NewKeyIssuer(sc.Region, sc.SubscriptionKey, opts...)
		if err != nil {
			return err
		}
		issuer = ki
	} else {
		ai, err := token.NewAADIssuer(sc.ResourceID, nil)
		if err != nil {
			return err
		}
		issuer = ai
	}

	a.tokens = token.NewSource(sc.Region, issuer, token.WithRefreshInterval(sc.RefreshInterval))
	return nil
}

// initWeb creates the browser-facing server.
func (a *App) initWeb() {
	opts := []web.Option{
		web.WithChat(a.providers.Chat, a.cfg.Conversation.MaxTokens),
		web.WithMetrics(a.metrics),
		web.WithClientFormat(audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: a.cfg.Audio.Channels}),
		web.WithAllowedOrigins(a.cfg.Server.AllowedOrigins),
	}
	if a.tokens != nil {
		opts = append(opts, web.WithEndpointSource(a.tokens))
	}

	a.web = web.New(func(ctx context.Context, id string, conn audio.Connection) (web.Conversation, func(), error) {
		eng, release, err := a.sessions.Open(ctx, id, conn)
		if err != nil {
			return nil, nil, err
		}
		return eng, release, nil
	}, opts...)
}

// initDiscord connects the bot and registers the /parley commands.
func (a *App) initDiscord(ctx context.Context) error {
	dc := a.cfg.Discord
	bot, err := discord.New(ctx, discord.Config{
		Token:          dc.Token,
		GuildID:        dc.GuildID,
		OperatorRoleID: dc.OperatorRoleID,
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.closers = append(a.closers, bot.Close)

	a.voice = discord.NewVoice(bot.Platform(), func(ctx context.Context, id string, conn audio.Connection) (discord.Conversation, func(), error) {
		eng, release, err := a.sessions.Open(ctx, id, conn)
		if err != nil {
			return nil, nil, err
		}
		return eng, release, nil
	}, dc.ChannelID)
	// The voice channel is left before the gateway closes.
	a.closers = append([]func() error{func() error { a.voice.Close(); return nil }}, a.closers...)

	discord.NewCommands(a.voice, bot.Permissions()).Register(bot.Router())
	slog.Info("discord bot connected", "guild_id", dc.GuildID)
	return nil
}

// applyConfig is the watcher callback. Only the log level, speech rate and
// close delay are applied live; other changes are logged.
func (a *App) applyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SpeechRateChanged {
		if err := a.sessions.SetSpeechRate(d.NewSpeechRate); err != nil {
			slog.Warn("failed to apply speech rate", "rate", d.NewSpeechRate, "err", err)
		} else {
			slog.Info("speech rate changed", "rate", d.NewSpeechRate)
		}
	}
	if d.CloseDelayChanged {
		a.sessions.SetCloseDelay(d.NewCloseDelay)
		slog.Info("close delay changed", "close_delay", d.NewCloseDelay)
	}
	if d.RestartRequired {
		slog.Warn("config changes require a restart to take effect", "path", a.configPath)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Addr returns the address the HTTP server listens on, or nil before
// [App.Run] has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the token refresher, config watcher and Discord
// bot until ctx is cancelled or one of them fails. It returns nil after a
// clean cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.tokens != nil {
		g.Go(func() error { return a.tokens.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.bot != nil {
		g.Go(func() error { return a.bot.Run(gctx) })
	}

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every session, then runs the closers in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))
		a.sessions.CloseAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what New created before failing.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config.LogLevel to a slog.Level. Unknown levels map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
