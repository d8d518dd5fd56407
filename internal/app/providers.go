package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/token"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	"github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/deepgram"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/azure"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
)

const (
	chatTimeout      = 60 * time.Second
	synthesisTimeout = 30 * time.Second
)

// ErrNoSpeechCredentials is returned when the azure synthesis backend is
// requested without a speech token source.
var ErrNoSpeechCredentials = errors.New("app: azure synthesis needs speech credentials")

// Providers holds the backends shared by every conversation. Nil fields are
// not configured.
type Providers struct {
	Chat  llm.Provider
	STT   stt.Provider
	Synth tts.Provider

	// ChatName and SynthName label provider metrics.
	ChatName  string
	SynthName string

	// Checks report backend health on /readyz.
	Checks []health.Checker
}

// RegisterBuiltinProviders wires every built-in provider factory into reg.
// speech supplies Azure speech tokens and may be nil when the azure
// synthesis backend is not used.
func RegisterBuiltinProviders(reg *config.Registry, speech *token.Source) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{openai.WithHTTPClient(observe.HTTPClient(chatTimeout))}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// azure-openai treats Model as the deployment name. Without an API key it
	// authenticates through the default Azure credential chain.
	reg.RegisterLLM("azure-openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []openai.Option{
			openai.WithHTTPClient(observe.HTTPClient(chatTimeout)),
			openai.WithAzure(entry.BaseURL, optString(entry.Options, "api_version")),
		}
		if entry.APIKey == "" {
			cred, err := azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, fmt.Errorf("azure credential: %w", err)
			}
			opts = append(opts, openai.WithAzureCredential(cred))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("azure", func(entry config.ProviderEntry) (tts.Provider, error) {
		if speech == nil {
			return nil, ErrNoSpeechCredentials
		}
		opts := []azure.Option{azure.WithHTTPClient(observe.HTTPClient(synthesisTimeout))}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, azure.WithOutputFormat(f))
		}
		if entry.BaseURL != "" {
			opts = append(opts, azure.WithEndpoint(entry.BaseURL))
		}
		return azure.New(speechCredential(speech), opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithHTTPClient(observe.HTTPClient(synthesisTimeout))}
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := optString(entry.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// speechCredential adapts a token source to the azure synthesis credential.
func speechCredential(src *token.Source) azure.Credential {
	return func(ctx context.Context) (string, string, error) {
		ep, err := src.Endpoint(ctx)
		return ep.Region, ep.Token, err
	}
}

// BuildProviders instantiates the providers named in cfg. Chat and synthesis
// backends are wrapped in fallback groups whose circuit transitions are
// recorded on metrics.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Providers.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.Providers.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  cfg.Providers.CircuitBreaker.HalfOpenMax,
		OnStateChange: func(name string, _, to resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}}

	chat, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, err
	}
	chatGroup := resilience.NewLLMFallback(chat, cfg.Providers.LLM.Name, fb)
	for _, e := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, err
		}
		chatGroup.AddFallback(e.Name, p)
	}

	recognizer, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, err
	}

	synth, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, err
	}
	synthGroup := resilience.NewTTSFallback(synth, cfg.Providers.TTS.Name, fb)
	for _, e := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(e)
		if err != nil {
			return nil, err
		}
		synthGroup.AddFallback(e.Name, p)
	}

	slog.Info("providers created",
		"llm", cfg.Providers.LLM.Name,
		"llm_fallbacks", len(cfg.Providers.LLMFallbacks),
		"stt", cfg.Providers.STT.Name,
		"tts", cfg.Providers.TTS.Name,
		"tts_fallbacks", len(cfg.Providers.TTSFallbacks),
	)

	return &Providers{
		Chat:      chatGroup,
		STT:       recognizer,
		Synth:     synthGroup,
		ChatName:  cfg.Providers.LLM.Name,
		SynthName: cfg.Providers.TTS.Name,
		Checks: []health.Checker{
			health.Condition("llm", chatGroup.Group().Healthy),
			health.Condition("tts", synthGroup.Group().Healthy),
		},
	}, nil
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
