// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the parley voice conversation server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// RateMode selects where the speech rate is applied.
type RateMode string

const (
	// RatePlayback speeds up the playback device. Pitch shifts with the rate.
	RatePlayback RateMode = "playback"

	// RateSynthesis asks the synthesis backend for faster speech via SSML
	// prosody. Pitch is preserved; changes apply from the next sentence.
	RateSynthesis RateMode = "synthesis"
)

// IsValid reports whether m is a recognised rate mode.
func (m RateMode) IsValid() bool {
	return m == RatePlayback || m == RateSynthesis
}

// Limits and defaults shared by [ApplyDefaults] and [Validate].
const (
	DefaultListenAddr      = ":8080"
	DefaultMaxTokens       = 1000
	DefaultSpeechRate      = 1.5
	DefaultCloseDelay      = time.Second
	DefaultRefreshInterval = 5 * time.Minute
	DefaultSampleRate      = 16000
	DefaultChannels        = 1
	DefaultTick            = 20 * time.Millisecond
	DefaultLanguage        = "en-US"

	MinSpeechRate = 0.5
	MaxSpeechRate = 4.0
)

// Config is the root configuration. It is typically loaded from a YAML file
// using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Speech       SpeechConfig       `yaml:"speech"`
	Conversation ConversationConfig `yaml:"conversation"`
	Audio        AudioConfig        `yaml:"audio"`
	Discord      DiscordConfig      `yaml:"discord"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP server (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists the browser origins allowed to open a WebSocket.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the backend for each pipeline stage. Names are
// looked up in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// LLMFallbacks and TTSFallbacks are tried in order when the primary
	// backend fails or its circuit is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`

	// CircuitBreaker tunes the breaker placed in front of every backend.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "openai", "azure").
	Name string `yaml:"name"`

	// APIKey authenticates against the backend, if it needs one.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the backend (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds backend-specific settings not covered above.
	Options map[string]any `yaml:"options"`
}

// CircuitBreakerConfig mirrors the resilience package's breaker settings.
// Zero values select the package defaults.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// SpeechConfig configures access to the Azure Speech service. Either a
// subscription key or an Azure AD resource id is required for Azure backends.
type SpeechConfig struct {
	// Region is the Azure region of the Speech resource (e.g., "westeurope").
	Region string `yaml:"region"`

	// SubscriptionKey is exchanged for short-lived tokens and never leaves
	// the server.
	SubscriptionKey string `yaml:"subscription_key"`

	// ResourceID switches to Azure AD authentication using the default
	// credential chain.
	ResourceID string `yaml:"resource_id"`

	// TokenURL overrides the regional issueToken endpoint.
	TokenURL string `yaml:"token_url"`

	// RefreshInterval is how often the token is renewed. Default: 5m.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// Enabled reports whether speech tokens can be issued.
func (s SpeechConfig) Enabled() bool {
	return s.Region != "" && (s.SubscriptionKey != "" || s.ResourceID != "")
}

// ConversationConfig tunes the conversation engine.
type ConversationConfig struct {
	// SystemPrompt seeds every transcript. Empty uses the built-in prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps each reply. Default: 1000.
	MaxTokens int `yaml:"max_tokens"`

	// ContextBudget limits the estimated prompt size in tokens. Zero derives
	// it from the model's context window; -1 disables trimming.
	ContextBudget int `yaml:"context_budget"`

	// SpeechRate is the initial speaking rate in [0.5, 4]. Default: 1.5.
	// It can be changed without a restart.
	SpeechRate float64 `yaml:"speech_rate"`

	// RateMode selects playback- or synthesis-side rate control.
	RateMode RateMode `yaml:"rate_mode"`

	// CloseDelay is how long after the last sentence started playing a
	// turn is closed to continuations. Default: 1s. It can be changed
	// without a restart.
	CloseDelay time.Duration `yaml:"close_delay"`

	// Language is the recognition locale. Default: en-US.
	Language string `yaml:"language"`

	// Voice selects the synthesis voice.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig selects a synthesis voice.
type VoiceConfig struct {
	// ID is the backend-specific voice identifier.
	ID string `yaml:"id"`

	// Name is a display name.
	Name string `yaml:"name"`

	// Language is the voice locale. Defaults to the conversation language.
	Language string `yaml:"language"`
}

// AudioConfig is the PCM format exchanged with browser clients and the
// playback clock granularity.
type AudioConfig struct {
	SampleRate int           `yaml:"sample_rate"`
	Channels   int           `yaml:"channels"`
	Tick       time.Duration `yaml:"tick"`
}

// DiscordConfig enables the Discord surface when Token is set.
type DiscordConfig struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// GuildID is the server the bot registers its commands in.
	GuildID string `yaml:"guild_id"`

	// ChannelID is the default voice channel joined by /parley start.
	ChannelID string `yaml:"channel_id"`

	// OperatorRoleID restricts the control commands to members with this
	// role. Empty allows everybody.
	OperatorRoleID string `yaml:"operator_role_id"`
}

// Enabled reports whether the Discord surface is configured.
func (d DiscordConfig) Enabled() bool { return d.Token != "" }
