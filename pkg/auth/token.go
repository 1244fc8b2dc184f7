// Package auth manages the OAuth2 client-credentials token for the Falcon
// API. A single Manager instance is shared by all callers; refreshes are
// serialized so concurrent shard workers never race duplicate exchanges.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for token management.
var (
	tokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "falcon_export_token_refreshes_total",
		Help: "Total OAuth2 token exchanges performed",
	})

	tokenRefreshFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "falcon_export_token_refresh_failures_total",
		Help: "Total failed OAuth2 token exchanges",
	})
)

// DefaultExpiryMargin is how long before the reported expiry a token is
// treated as stale. Mirrors the 60 second margin the Falcon token endpoint
// documentation recommends.
const DefaultExpiryMargin = 60 * time.Second

// Token is an opaque bearer credential with its absolute expiry.
// Tokens are immutable; the Manager replaces them whole on refresh.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be used, keeping margin as a
// safety buffer against clock skew and in-flight request time.
func (t Token) Valid(margin time.Duration) bool {
	return t.AccessToken != "" && time.Until(t.ExpiresAt) > margin
}

// AuthError indicates the credential exchange itself was rejected.
// This is fatal for the whole run and never retried.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d): %s", e.StatusCode, e.Message)
}

// Config holds the token manager configuration.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string

	// ExpiryMargin overrides DefaultExpiryMargin when positive.
	ExpiryMargin time.Duration

	// HTTPClient overrides the default client (for testing).
	HTTPClient *http.Client
}

// Manager owns the current token. All other components hold a *Manager and
// call Token before each request.
type Manager struct {
	httpClient   *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	margin       time.Duration
	logger       zerolog.Logger

	mu      sync.Mutex
	current Token
}

// NewManager creates a token manager. No exchange is performed until the
// first Token call.
func NewManager(cfg Config, logger zerolog.Logger) (*Manager, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client ID and secret are required")
	}

	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Manager{
		httpClient:   httpClient,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		margin:       margin,
		logger:       logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Token returns a token valid for at least the expiry margin, refreshing it
// first when needed. The refresh runs under the manager mutex: concurrent
// callers that arrive during a refresh block until it completes and then
// reuse the fresh token.
func (m *Manager) Token(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Valid(m.margin) {
		return m.current, nil
	}

	tok, err := m.exchange(ctx)
	if err != nil {
		return Token{}, err
	}
	m.current = tok
	return tok, nil
}

// Invalidate drops tok if it is still the current token, forcing the next
// Token call to refresh. Called after a 401 response. Passing the rejected
// token keeps a worker that lost the race from discarding a newer token.
func (m *Manager) Invalidate(tok Token) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.AccessToken == tok.AccessToken {
		m.current = Token{}
		m.logger.Debug().Msg("Token invalidated after rejection")
	}
}

// tokenResponse is the Falcon /oauth2/token response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// exchange performs the client-credentials exchange. Caller holds the mutex.
func (m *Manager) exchange(ctx context.Context) (Token, error) {
	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	m.logger.Debug().Msg("Exchanging credentials for token")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		tokenRefreshFailuresTotal.Inc()
		return Token{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	// The Falcon token endpoint answers 201 on success; accept 200 as well.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		tokenRefreshFailuresTotal.Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		m.logger.Error().
			Int("status_code", resp.StatusCode).
			Msg("Credential exchange rejected")
		return Token{}, &AuthError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		tokenRefreshFailuresTotal.Inc()
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		tokenRefreshFailuresTotal.Inc()
		return Token{}, &AuthError{
			StatusCode: resp.StatusCode,
			Message:    "token response missing access_token",
		}
	}

	expiresIn := tr.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 1800
	}

	tokenRefreshesTotal.Inc()
	tok := Token{
		AccessToken: tr.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	m.logger.Info().
		Time("expires_at", tok.ExpiresAt).
		Msg("Token refreshed")

	return tok, nil
}
