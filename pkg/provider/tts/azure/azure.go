// Package azure provides a TTS provider backed by the Azure Speech REST API.
//
// Text is wrapped in SSML with a prosody rate taken from the voice profile's
// SpeedFactor and posted to the regional cognitiveservices/v1 endpoint. The
// response body is raw 16-bit mono PCM which is streamed to the caller in
// fixed-size chunks as it arrives.
//
// Authentication uses short-lived authorization tokens supplied by a
// [Credential] callback, so the provider never sees the subscription key.
package azure

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	// DefaultVoice is used when the voice profile has no ID.
	DefaultVoice = "en-US-AvaMultilingualNeural"

	// DefaultLanguage is used when the voice profile has no Language.
	DefaultLanguage = "en-US"

	// DefaultOutputFormat matches the engine's 16 kHz mono playback format.
	DefaultOutputFormat = "raw-16khz-16bit-mono-pcm"

	endpointFmt = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"
	chunkSize   = 3200 // 100 ms at 16 kHz mono
	userAgent   = "parley"
)

// Credential returns the Azure region and a current authorization token.
// It may block until a token is available.
type Credential func(ctx context.Context) (region, token string, err error)

// StaticCredential returns a Credential that always yields the given values.
func StaticCredential(region, token string) Credential {
	return func(context.Context) (string, string, error) {
		return region, token, nil
	}
}

// Option is a functional option for configuring the Azure Provider.
type Option func(*Provider)

// WithOutputFormat sets the X-Microsoft-OutputFormat header value.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithHTTPClient sets the HTTP client used for synthesis requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithEndpoint overrides the region-derived synthesis URL. Intended for tests
// and sovereign clouds.
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// Provider implements tts.Provider using Azure Speech SSML synthesis.
type Provider struct {
	cred         Credential
	outputFormat string
	endpoint     string
	httpClient   *http.Client
}

// New creates a new Azure Provider. cred must be non-nil.
func New(cred Credential, opts ...Option) (*Provider, error) {
	if cred == nil {
		return nil, errors.New("azure tts: credential must not be nil")
	}
	p := &Provider{
		cred:         cred,
		outputFormat: DefaultOutputFormat,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SynthesizeStream collects every fragment from text, synthesises the result
// in a single SSML request, and streams the PCM response body.
//
// The request is issued once the text channel closes. A non-2xx response or a
// transport error closes the audio channel without audio.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, 16)

	go func() {
		defer close(audioCh)

		var sb strings.Builder
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					goto collected
				}
				sb.WriteString(fragment)
			case <-ctx.Done():
				return
			}
		}
	collected:
		content := strings.TrimSpace(sb.String())
		if content == "" {
			return
		}
		if err := p.synthesize(ctx, content, voice, audioCh); err != nil && ctx.Err() == nil {
			slog.Warn("azure tts: synthesis failed", "voice", voiceName(voice), "err", err)
		}
	}()

	return audioCh, nil
}

func (p *Provider) synthesize(ctx context.Context, text string, voice tts.VoiceProfile, out chan<- []byte) error {
	region, token, err := p.cred(ctx)
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}

	endpoint := p.endpoint
	if endpoint == "" {
		if region == "" {
			return errors.New("empty region")
		}
		endpoint = fmt.Sprintf(endpointFmt, region)
	}

	body, err := BuildSSML(text, voice)
	if err != nil {
		return fmt.Errorf("build ssml: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", p.outputFormat)
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}
}

// ListVoices returns the configured default voice. The Azure voice catalogue
// is not queried.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	return []tts.VoiceProfile{{
		ID:       DefaultVoice,
		Name:     "Ava (Multilingual)",
		Provider: "azure",
		Language: DefaultLanguage,
	}}, nil
}

// BuildSSML renders the speak document for text using the profile's voice,
// language and speaking rate. Text is XML-escaped.
func BuildSSML(text string, voice tts.VoiceProfile) ([]byte, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(text)); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, `<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s">`, attr(languageOf(voice)))
	fmt.Fprintf(&b, `<voice name="%s">`, attr(voiceName(voice)))
	fmt.Fprintf(&b, `<prosody rate="%s">`, FormatRate(voice.SpeedFactor))
	b.Write(escaped.Bytes())
	b.WriteString(`</prosody></voice></speak>`)
	return b.Bytes(), nil
}

// FormatRate renders a relative speaking rate for the SSML prosody element.
// Non-positive values render as "1".
func FormatRate(rate float64) string {
	if rate <= 0 {
		rate = 1
	}
	return strconv.FormatFloat(rate, 'f', -1, 64)
}

func voiceName(v tts.VoiceProfile) string {
	if v.ID != "" {
		return v.ID
	}
	return DefaultVoice
}

func languageOf(v tts.VoiceProfile) string {
	if v.Language != "" {
		return v.Language
	}
	return DefaultLanguage
}

func attr(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

var _ tts.Provider = (*Provider)(nil)
