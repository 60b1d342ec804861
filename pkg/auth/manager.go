// Package auth issues and refreshes OAuth2 bearer tokens for service
// accounts via the JWT-bearer grant.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Token lifecycle parameters.
const (
	// DefaultTokenURL is the OAuth2 token endpoint.
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	// DefaultScope grants read-only access to the reporting API.
	DefaultScope = "https://www.googleapis.com/auth/webmasters.readonly"

	// assertionLifetime is the exp-iat window of the signed JWT.
	assertionLifetime = time.Hour

	// refreshMargin is subtracted from the token lifetime when
	// scheduling the proactive refresh.
	refreshMargin = 600 * time.Second

	// minRefreshDelay floors the proactive refresh schedule.
	minRefreshDelay = 60 * time.Second

	// retryDelay is the fixed wait before retrying a failed refresh.
	retryDelay = 30 * time.Second

	grantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Prometheus metrics for token operations.
var (
	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_token_refreshes_total",
		Help: "Total token refresh attempts by account and outcome",
	}, []string{"account", "outcome"})
)

// Errors returned by GetToken.
var (
	// ErrTokenMissing is returned when no token has ever been issued for
	// the account and the refresh attempt failed.
	ErrTokenMissing = errors.New("token missing")

	// ErrTokenExpired is returned when the cached token is expired and
	// the refresh attempt failed.
	ErrTokenExpired = errors.New("token expired")
)

// tokenResponse is the token endpoint success payload.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// credential is the per-account token state. Guarded by its own mutex so
// a slow refresh for one account never blocks another.
type credential struct {
	mu sync.Mutex

	key     ServiceAccountKey
	signKey *rsa.PrivateKey

	token     string
	expiresAt time.Time
	lastErr   error

	refreshTimer *time.Timer
}

// Config holds Manager configuration.
type Config struct {
	// TokenURL overrides the token endpoint (tests). When empty, the
	// key's token_uri is used, falling back to DefaultTokenURL.
	TokenURL string

	// Scope is the OAuth2 scope claim of the assertion.
	Scope string

	// HTTPTimeout bounds each token endpoint call.
	HTTPTimeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Scope:       DefaultScope,
		HTTPTimeout: 15 * time.Second,
	}
}

// Manager issues and proactively refreshes bearer tokens per account.
type Manager struct {
	cfg        Config
	source     CredentialSource
	httpClient *http.Client
	logger     zerolog.Logger

	mu    sync.Mutex
	creds map[string]*credential

	// now is swappable for tests.
	now func() time.Time

	closed chan struct{}
}

// NewManager creates a credential manager over the given source.
func NewManager(cfg Config, source CredentialSource, logger zerolog.Logger) *Manager {
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		source:     source,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		logger:     logger,
		creds:      make(map[string]*credential),
		now:        time.Now,
		closed:     make(chan struct{}),
	}
}

// Close stops all scheduled refresh timers.
func (m *Manager) Close() {
	close(m.closed)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cred := range m.creds {
		cred.mu.Lock()
		if cred.refreshTimer != nil {
			cred.refreshTimer.Stop()
		}
		cred.mu.Unlock()
	}
}

// GetToken returns the cached bearer token for the account, forcing a
// refresh when none exists or the cached one is expired. On refresh
// failure the caller gets an explicit missing/expired error; it is never
// blocked behind another holder's refresh retry schedule.
func (m *Manager) GetToken(ctx context.Context, account string) (string, error) {
	cred, err := m.credential(ctx, account)
	if err != nil {
		return "", err
	}

	cred.mu.Lock()
	defer cred.mu.Unlock()

	if cred.token != "" && m.now().Before(cred.expiresAt) {
		return cred.token, nil
	}

	hadToken := cred.token != ""
	if err := m.refreshLocked(ctx, account, cred); err != nil {
		if hadToken {
			return "", fmt.Errorf("%w for account %s: %v", ErrTokenExpired, account, err)
		}
		return "", fmt.Errorf("%w for account %s: %v", ErrTokenMissing, account, err)
	}

	return cred.token, nil
}

// RefreshToken forces a refresh for the account regardless of the cached
// token's validity.
func (m *Manager) RefreshToken(ctx context.Context, account string) error {
	cred, err := m.credential(ctx, account)
	if err != nil {
		return err
	}

	cred.mu.Lock()
	defer cred.mu.Unlock()
	return m.refreshLocked(ctx, account, cred)
}

// credential returns the per-account state, loading and parsing the
// service-account key on first use.
func (m *Manager) credential(ctx context.Context, account string) (*credential, error) {
	m.mu.Lock()
	cred, ok := m.creds[account]
	if !ok {
		cred = &credential{}
		m.creds[account] = cred
	}
	m.mu.Unlock()

	cred.mu.Lock()
	defer cred.mu.Unlock()

	if cred.signKey != nil {
		return cred, nil
	}

	key, err := m.source.Load(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("load credential for %s: %w", account, err)
	}

	signKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse private key for %s: %w", account, err)
	}

	cred.key = key
	cred.signKey = signKey
	return cred, nil
}

// refreshLocked exchanges a fresh assertion for a bearer token. Caller
// holds cred.mu. On success the proactive refresh is scheduled; on
// failure a fixed-delay retry is scheduled and the error recorded.
func (m *Manager) refreshLocked(ctx context.Context, account string, cred *credential) error {
	token, expiresIn, err := m.exchange(ctx, cred)
	if err != nil {
		cred.lastErr = err
		tokenRefreshesTotal.WithLabelValues(account, "failure").Inc()
		m.logger.Error().
			Err(err).
			Str("account", account).
			Dur("retry_in", retryDelay).
			Msg("Token refresh failed")
		m.scheduleLocked(account, cred, retryDelay)
		return err
	}

	cred.token = token
	cred.expiresAt = m.now().Add(time.Duration(expiresIn) * time.Second)
	cred.lastErr = nil
	tokenRefreshesTotal.WithLabelValues(account, "success").Inc()

	delay := refreshDelay(time.Duration(expiresIn) * time.Second)
	m.scheduleLocked(account, cred, delay)

	m.logger.Info().
		Str("account", account).
		Time("expires_at", cred.expiresAt).
		Dur("refresh_in", delay).
		Msg("Token refreshed")

	return nil
}

// refreshDelay computes the proactive refresh schedule for a token
// lifetime: max(lifetime - 600s, 60s).
func refreshDelay(lifetime time.Duration) time.Duration {
	delay := lifetime - refreshMargin
	if delay < minRefreshDelay {
		return minRefreshDelay
	}
	return delay
}

// scheduleLocked (re)arms the background refresh timer. Caller holds
// cred.mu.
func (m *Manager) scheduleLocked(account string, cred *credential, delay time.Duration) {
	if cred.refreshTimer != nil {
		cred.refreshTimer.Stop()
	}
	cred.refreshTimer = time.AfterFunc(delay, func() {
		select {
		case <-m.closed:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HTTPTimeout)
		defer cancel()

		cred.mu.Lock()
		defer cred.mu.Unlock()
		// Errors reschedule themselves via refreshLocked.
		_ = m.refreshLocked(ctx, account, cred)
	})
}

// exchange signs the JWT assertion and posts the JWT-bearer grant.
func (m *Manager) exchange(ctx context.Context, cred *credential) (string, int, error) {
	tokenURL := m.cfg.TokenURL
	if tokenURL == "" {
		tokenURL = cred.key.TokenURI
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	now := m.now()
	claims := jwt.MapClaims{
		"iss":   cred.key.ClientEmail,
		"scope": m.cfg.Scope,
		"aud":   tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(cred.signKey)
	if err != nil {
		return "", 0, fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {grantType},
		"assertion":  {assertion},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}

	return parsed.AccessToken, parsed.ExpiresIn, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (m *Manager) SetHTTPClient(client *http.Client) {
	m.httpClient = client
}

// SetNow overrides the clock (tests only).
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}
