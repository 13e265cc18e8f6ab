// Package session manages OAuth2 client-credentials tokens: proactive
// refresh ahead of expiry, process-wide caching keyed by
// (client id, service base URL), and pluggable brokers for sharing a
// token across processes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quotafetch/quotafetch/client/pipeline"
)

// DefaultTokenPath is appended to the service base URL to form the
// token endpoint unless overridden.
const DefaultTokenPath = "/oauth2/token"

var (
	// ErrNoCredentials is returned when a token must be (re)acquired
	// but the manager was built without a client id/secret pair.
	ErrNoCredentials = errors.New("no client credentials configured")
	// ErrAuthFailed wraps any failure of the token exchange itself.
	ErrAuthFailed = errors.New("authentication failed")
)

// Token is a bearer token with its expiry instant and the identity of
// the credentials that produced it.
type Token struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
	ClientID    string    `json:"client_id"`
	BaseURL     string    `json:"base_url"`
}

// Remaining returns the token lifetime left at now; negative when expired.
func (t *Token) Remaining(now time.Time) time.Duration {
	return t.Expiry.Sub(now)
}

// Expired reports whether the token's expiry instant has passed.
func (t *Token) Expired(now time.Time) bool {
	return !t.Expiry.After(now)
}

// Credentials identifies the OAuth2 client against one service.
type Credentials struct {
	ClientID     string
	ClientSecret string
	// BaseURL is the service root; it participates in the cache key
	// alongside ClientID.
	BaseURL string
}

func (c Credentials) empty() bool {
	return c.ClientID == "" || c.ClientSecret == ""
}

// Manager owns the token lifecycle for one set of credentials:
// Unauthenticated until first use, then Valid, re-entering Refreshing
// whenever the remaining lifetime crosses the configured threshold.
type Manager struct {
	creds         Credentials
	tokenPath     string
	refreshBefore *time.Duration
	registry      *Registry
	hc            *http.Client
	logger        *slog.Logger
	maxAttempts   int
	baseSleep     time.Duration
	now           func() time.Time
}

// ManagerOption adjusts a [Manager].
type ManagerOption func(*Manager)

// WithHTTPClient replaces the http.Client used for token exchanges.
func WithHTTPClient(hc *http.Client) ManagerOption {
	return func(m *Manager) { m.hc = hc }
}

// WithLogger injects a custom logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithRegistry shares tokens through the given registry instead of the
// process default.
func WithRegistry(r *Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// WithRefreshBefore refreshes the token once its remaining lifetime
// drops to d or below.
func WithRefreshBefore(d time.Duration) ManagerOption {
	return func(m *Manager) { m.refreshBefore = &d }
}

// WithoutProactiveRefresh disables threshold-based refreshing. An
// already-expired token is then still served, with a logged warning;
// the caller opted out of freshness guarantees.
func WithoutProactiveRefresh() ManagerOption {
	return func(m *Manager) { m.refreshBefore = nil }
}

// WithTokenPath overrides the token endpoint path on the base URL.
func WithTokenPath(path string) ManagerOption {
	return func(m *Manager) { m.tokenPath = path }
}

// WithRetry sets the attempt budget and base backoff for the exchange.
func WithRetry(maxAttempts int, baseSleep time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxAttempts = maxAttempts
		m.baseSleep = baseSleep
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager for the given credentials. By default
// tokens are cached in the process-wide default registry, refreshed
// when less than a minute of lifetime remains, and exchanged with up to
// three attempts.
func NewManager(creds Credentials, optFns ...ManagerOption) (*Manager, error) {
	if creds.BaseURL == "" {
		return nil, errors.New("base URL must not be empty")
	}
	if _, err := url.ParseRequestURI(creds.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	minute := time.Minute
	m := &Manager{
		creds:         creds,
		tokenPath:     DefaultTokenPath,
		refreshBefore: &minute,
		registry:      DefaultRegistry(),
		hc:            http.DefaultClient,
		logger:        slog.Default(),
		maxAttempts:   3,
		baseSleep:     time.Second,
		now:           time.Now,
	}
	for _, opt := range optFns {
		opt(m)
	}

	return m, nil
}

// NewManagerFromToken builds a manager around a pre-fetched token,
// supporting delegation of an authenticated session to a process
// without its own credentials. Proactive refresh is disabled: with no
// secret to refresh with, the token is served for its whole lifetime.
// The token is stored in the registry immediately.
func NewManagerFromToken(ctx context.Context, tok *Token, optFns ...ManagerOption) (*Manager, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("token must not be empty")
	}

	optFns = append([]ManagerOption{WithoutProactiveRefresh()}, optFns...)

	m, err := NewManager(Credentials{BaseURL: tok.BaseURL, ClientID: tok.ClientID}, optFns...)
	if err != nil {
		return nil, err
	}

	if err := m.registry.Store(ctx, tok); err != nil {
		return nil, fmt.Errorf("storing delegated token: %w", err)
	}

	return m, nil
}

// Token returns a current bearer token, re-authenticating when none is
// cached or the remaining lifetime crosses the refresh threshold. The
// registry lock is never held across the network exchange.
func (m *Manager) Token(ctx context.Context) (*Token, error) {
	tok, err := m.lookup(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	switch {
	case tok == nil:
	case m.refreshBefore != nil && tok.Remaining(now) <= *m.refreshBefore:
		// A credential-less manager cannot refresh; a delegated token
		// stays usable until it actually expires.
		if m.creds.empty() && !tok.Expired(now) {
			m.logger.Warn("token below refresh threshold, no credentials to refresh with",
				"client_id", tok.ClientID, "remaining", tok.Remaining(now).String())
			return tok, nil
		}
		m.logger.Debug("token below refresh threshold",
			"client_id", m.creds.ClientID, "remaining", tok.Remaining(now).String())
	case m.refreshBefore == nil && tok.Expired(now):
		m.logger.Warn("serving expired token, proactive refresh disabled",
			"client_id", m.creds.ClientID, "expired_for", (-tok.Remaining(now)).String())
		return tok, nil
	default:
		return tok, nil
	}

	fresh, err := m.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.registry.Store(ctx, fresh); err != nil {
		return nil, fmt.Errorf("caching token: %w", err)
	}

	return fresh, nil
}

// lookup resolves the cached token: first by credentials identity, then
// by the universal key for credential-less delegated sessions.
func (m *Manager) lookup(ctx context.Context) (*Token, error) {
	if !m.creds.empty() {
		return m.registry.Lookup(ctx, m.creds.ClientID, m.creds.BaseURL)
	}
	return m.registry.LookupAny(ctx)
}

// exchangeResponse is the wire shape of the token endpoint reply.
type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// authenticate performs the client-credentials exchange through the
// same classification and retry stages as any other network call.
func (m *Manager) authenticate(ctx context.Context) (*Token, error) {
	if m.creds.empty() {
		return nil, ErrNoCredentials
	}

	endpoint := strings.TrimSuffix(m.creds.BaseURL, "/") + m.tokenPath

	attempt := func(ctx context.Context) (*http.Response, []byte, error) {
		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {m.creds.ClientID},
			"client_secret": {m.creds.ClientSecret},
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, nil, fmt.Errorf("building token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := m.hc.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("reading token response: %w", err)
		}

		return resp, body, nil
	}

	run := pipeline.Chain(attempt,
		pipeline.RetryTemporaryErrors(m.maxAttempts, m.baseSleep, m.logger),
		pipeline.FailUserErrors(),
	)

	resp, body, err := run(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrAuthFailed, resp.StatusCode)
	}

	var er exchangeResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("%w: decoding token response: %w", ErrAuthFailed, err)
	}
	if er.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrAuthFailed)
	}

	m.logger.Info("authenticated", "client_id", m.creds.ClientID, "expires_in", er.ExpiresIn)

	return &Token{
		AccessToken: er.AccessToken,
		Expiry:      m.now().Add(time.Duration(er.ExpiresIn) * time.Second),
		ClientID:    m.creds.ClientID,
		BaseURL:     m.creds.BaseURL,
	}, nil
}
