package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names not in this list; they may still be registered by the
// embedding program.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "azure-openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"azure", "elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	conv := &cfg.Conversation
	if conv.MaxTokens == 0 {
		conv.MaxTokens = DefaultMaxTokens
	}
	if conv.SpeechRate == 0 {
		conv.SpeechRate = DefaultSpeechRate
	}
	if conv.RateMode == "" {
		conv.RateMode = RatePlayback
	}
	if conv.CloseDelay == 0 {
		conv.CloseDelay = DefaultCloseDelay
	}
	if conv.Language == "" {
		conv.Language = DefaultLanguage
	}
	if conv.Voice.Language == "" {
		conv.Voice.Language = conv.Language
	}

	if cfg.Speech.RefreshInterval == 0 {
		cfg.Speech.RefreshInterval = DefaultRefreshInterval
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = DefaultChannels
	}
	if cfg.Audio.Tick == 0 {
		cfg.Audio.Tick = DefaultTick
	}
}

// Validate checks that cfg is coherent. It returns all failures joined into
// one error. Call [ApplyDefaults] first; unset fields are not defaulted here.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for kind, entry := range map[string]ProviderEntry{
		"llm": cfg.Providers.LLM,
		"stt": cfg.Providers.STT,
		"tts": cfg.Providers.TTS,
	} {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
			continue
		}
		validateProviderName(kind, entry.Name)
	}
	for i, entry := range cfg.Providers.LLMFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", entry.Name)
	}
	for i, entry := range cfg.Providers.TTSFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", entry.Name)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Speech
	if usesAzureSpeech(cfg) && !cfg.Speech.Enabled() {
		errs = append(errs, errors.New("speech.region and speech.subscription_key or speech.resource_id are required by the azure tts provider"))
	}
	if cfg.Speech.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("speech.refresh_interval %v must be positive", cfg.Speech.RefreshInterval))
	}

	// Conversation
	conv := cfg.Conversation
	if conv.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must be positive", conv.MaxTokens))
	}
	if conv.ContextBudget < -1 {
		errs = append(errs, fmt.Errorf("conversation.context_budget %d is invalid; use -1 to disable trimming", conv.ContextBudget))
	}
	if conv.SpeechRate < MinSpeechRate || conv.SpeechRate > MaxSpeechRate {
		errs = append(errs, fmt.Errorf("conversation.speech_rate %.2f is out of range [%.1f, %.1f]", conv.SpeechRate, MinSpeechRate, MaxSpeechRate))
	}
	if !conv.RateMode.IsValid() {
		errs = append(errs, fmt.Errorf("conversation.rate_mode %q is invalid; valid values: playback, synthesis", conv.RateMode))
	}
	if conv.CloseDelay < 0 {
		errs = append(errs, fmt.Errorf("conversation.close_delay %v must be positive", conv.CloseDelay))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.Tick <= 0 {
		errs = append(errs, fmt.Errorf("audio.tick %v must be positive", cfg.Audio.Tick))
	}

	// Discord
	if cfg.Discord.Enabled() && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
	}

	return errors.Join(errs...)
}

func usesAzureSpeech(cfg *Config) bool {
	if cfg.Providers.TTS.Name == "azure" {
		return true
	}
	return slices.ContainsFunc(cfg.Providers.TTSFallbacks, func(e ProviderEntry) bool {
		return e.Name == "azure"
	})
}

// validateProviderName logs a warning if name is not a built-in provider of
// the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a custom provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
