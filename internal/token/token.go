// Package token keeps short-lived speech service credentials fresh.
//
// Browser clients and the Azure speech providers authenticate with a bearer
// token rather than the subscription key itself. A [Source] fetches a token
// from an [Issuer] at startup and again on every refresh interval, and hands
// out the latest {token, region} pair through [Source.Endpoint]. Endpoint
// blocks until the first token is available. Tokens are never invalidated
// mid-flight; a failed refresh keeps the previous token.
package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/MrWong99/parley/internal/observe"
)

// Defaults used by [NewSource] and the issuers.
const (
	DefaultRefreshInterval = 5 * time.Minute
	DefaultRetryDelay      = 5 * time.Second

	cognitiveScope = "https://cognitiveservices.azure.com/.default"
	requestTimeout = 10 * time.Second
)

// ErrNotConfigured is returned when no speech service credentials are set.
var ErrNotConfigured = errors.New("token: speech service not configured")

// Endpoint is a speech service token and the region it is valid for.
type Endpoint struct {
	Token  string `json:"token"`
	Region string `json:"region"`
}

// Issuer mints one speech service token.
type Issuer interface {
	Issue(ctx context.Context) (string, error)
}

// ─── Subscription key issuer ──────────────────────────────────────────────────

// KeyIssuerOption configures a [KeyIssuer].
type KeyIssuerOption func(*KeyIssuer)

// WithTokenURL overrides the token endpoint derived from the region.
func WithTokenURL(url string) KeyIssuerOption {
	return func(k *KeyIssuer) {
		if url != "" {
			k.url = url
		}
	}
}

// WithHTTPClient sets the HTTP client used to request tokens.
func WithHTTPClient(c *http.Client) KeyIssuerOption {
	return func(k *KeyIssuer) { k.client = c }
}

// KeyIssuer exchanges a subscription key for a token at the regional
// issueToken endpoint.
type KeyIssuer struct {
	url    string
	key    string
	client *http.Client
}

var _ Issuer = (*KeyIssuer)(nil)

// NewKeyIssuer creates a KeyIssuer for region.
func NewKeyIssuer(region, key string, opts ...KeyIssuerOption) (*KeyIssuer, error) {
	if region == "" || key == "" {
		return nil, ErrNotConfigured
	}
	k := &KeyIssuer{
		url:    fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", region),
		key:    key,
		client: observe.HTTPClient(requestTimeout),
	}
	for _, o := range opts {
		o(k)
	}
	return k, nil
}

// Issue implements [Issuer].
func (k *KeyIssuer) Issue(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Ocp-Apim-Subscription-Key", k.key)

	resp, err := k.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token: issue: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("token: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token: issue: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

// ─── Microsoft Entra ID issuer ────────────────────────────────────────────────

// AADIssuer mints speech tokens from a Microsoft Entra ID credential. The
// token has the "aad#{resourceID}#{accessToken}" form the speech service
// accepts for keyless authentication.
type AADIssuer struct {
	resourceID string
	cred       azcore.TokenCredential
}

var _ Issuer = (*AADIssuer)(nil)

// NewAADIssuer creates an AADIssuer for the speech resource with the given
// Azure resource ID. A nil cred uses the default Azure credential chain
// (environment, workload identity, managed identity, Azure CLI).
func NewAADIssuer(resourceID string, cred azcore.TokenCredential) (*AADIssuer, error) {
	if resourceID == "" {
		return nil, ErrNotConfigured
	}
	if cred == nil {
		c, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("token: create azure credential: %w", err)
		}
		cred = c
	}
	return &AADIssuer{resourceID: resourceID, cred: cred}, nil
}

// Issue implements [Issuer].
func (a *AADIssuer) Issue(ctx context.Context) (string, error) {
	tok, err := a.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{cognitiveScope}})
	if err != nil {
		return "", fmt.Errorf("token: get azure token: %w", err)
	}
	return "aad#" + a.resourceID + "#" + tok.Token, nil
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Option configures a [Source].
type Option func(*Source)

// WithRefreshInterval sets how often the token is renewed.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetryDelay sets how soon a failed first fetch is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.retry = d
		}
	}
}

// Source caches the latest [Endpoint]. It is safe for concurrent use.
type Source struct {
	issuer   Issuer
	region   string
	interval time.Duration
	retry    time.Duration

	mu      sync.RWMutex
	current Endpoint

	ready     chan struct{}
	readyOnce sync.Once
}

// NewSource creates a Source. Call [Source.Run] to start fetching.
func NewSource(region string, issuer Issuer, opts ...Option) *Source {
	s := &Source{
		issuer:   issuer,
		region:   region,
		interval: DefaultRefreshInterval,
		retry:    DefaultRetryDelay,
		ready:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run fetches a token immediately and then on every refresh interval until
// ctx is cancelled. Until the first fetch succeeds it retries after the
// retry delay. Run returns nil on cancellation.
func (s *Source) Run(ctx context.Context) error {
	for {
		wait := s.interval
		if err := s.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("token: refresh failed", "err", err)
			if !s.Ready() {
				wait = s.retry
			}
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Refresh fetches a new token now.
func (s *Source) Refresh(ctx context.Context) error {
	tok, err := s.issuer.Issue(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = Endpoint{Token: tok, Region: s.region}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	slog.Debug("token: refreshed", "region", s.region)
	return nil
}

// Ready reports whether a token has been fetched.
func (s *Source) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Endpoint returns the latest endpoint, waiting for the first token if
// necessary.
func (s *Source) Endpoint(ctx context.Context) (Endpoint, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return Endpoint{}, fmt.Errorf("token: wait for first token: %w", ctx.Err())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

// Wait blocks until the first token is available. Its signature matches the
// engine's ready check.
func (s *Source) Wait(ctx context.Context) error {
	_, err := s.Endpoint(ctx)
	return err
}
