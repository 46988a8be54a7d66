package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brokerauth/tokenkeeper/internal/credentials"
	"github.com/tidwall/gjson"
)

const (
	// exchangeTimeout bounds each token endpoint call. A hung endpoint
	// must not block the daemon's poll loop or the login flow.
	exchangeTimeout = 30 * time.Second

	// maxResponseBytes caps token endpoint response reads so a
	// misbehaving server cannot consume unbounded memory.
	maxResponseBytes = 1024 * 1024
)

// ExchangerConfig configures a token endpoint client.
type ExchangerConfig struct {
	TokenURL string
	ClientID string

	// ClientSecret is sent on every grant when configured (confidential
	// client); otherwise the authorization-code grant carries the PKCE
	// verifier instead.
	ClientSecret string

	// Environment tags every record this exchanger produces.
	Environment string

	// SafetyMargin overrides credentials.SafetyMargin when positive.
	SafetyMargin time.Duration

	// HTTPClient overrides the default client (mainly for tests). A nil
	// value gets a client with the exchange timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Exchanger turns authorization codes and refresh tokens into credential
// records via the token endpoint. Records are returned fully stamped
// (obtained_at from response time, expires_at derived) so callers can
// persist them as-is.
type Exchanger struct {
	cfg        ExchangerConfig
	httpClient *http.Client
	margin     time.Duration
	now        func() time.Time
}

// NewExchanger creates a token endpoint client.
func NewExchanger(cfg ExchangerConfig) *Exchanger {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: exchangeTimeout}
	}

	margin := cfg.SafetyMargin
	if margin <= 0 {
		margin = credentials.SafetyMargin
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Exchanger{
		cfg:        cfg,
		httpClient: httpClient,
		margin:     margin,
		now:        time.Now,
	}
}

// ExchangeCode redeems an authorization code. verifier is the PKCE
// verifier for public clients; it is ignored when a client secret is
// configured.
func (e *Exchanger) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*credentials.Record, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", e.cfg.ClientID)

	if e.cfg.ClientSecret != "" {
		form.Set("client_secret", e.cfg.ClientSecret)
	} else {
		form.Set("code_verifier", verifier)
	}

	rec, err := e.post(ctx, "authorization_code", form)
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Refresh mints a new record from the previous one's refresh token. Fields
// the response omits (typically refresh_token) are carried over from prev.
func (e *Exchanger) Refresh(ctx context.Context, prev *credentials.Record) (*credentials.Record, error) {
	if prev == nil || prev.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", prev.RefreshToken)
	form.Set("client_id", e.cfg.ClientID)

	if e.cfg.ClientSecret != "" {
		form.Set("client_secret", e.cfg.ClientSecret)
	}

	rec, err := e.post(ctx, "refresh_token", form)
	if err != nil {
		return nil, err
	}

	rec.MergeFrom(prev)

	return rec, nil
}

// post sends one form-encoded grant request and decodes the response into
// a stamped record.
func (e *Exchanger) post(ctx context.Context, grantType string, form url.Values) (*credentials.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	// Stamped from the response time, not the request time, so the derived
	// expiry never overestimates the remaining lifetime.
	now := e.now()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Token endpoints usually return {"error": ..., "error_description":
		// ...}; surface those in the log without assuming the body is JSON.
		e.cfg.Logger.Warn("token endpoint rejected grant",
			slog.String("grant_type", grantType),
			slog.Int("status", resp.StatusCode),
			slog.String("error", gjson.GetBytes(body, "error").Str),
			slog.String("error_description", gjson.GetBytes(body, "error_description").Str),
		)

		return nil, &ExchangeError{
			GrantType: grantType,
			Status:    resp.StatusCode,
			Body:      sanitizeBody(body),
		}
	}

	var rec credentials.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	if rec.AccessToken == "" {
		return nil, &ExchangeError{
			GrantType: grantType,
			Status:    resp.StatusCode,
			Body:      "response missing access_token",
		}
	}

	rec.Environment = e.cfg.Environment
	rec.Stamp(now, e.margin)

	return &rec, nil
}
