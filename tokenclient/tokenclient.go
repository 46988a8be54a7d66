// Package tokenclient is the collaborator-side client for the tokenkeeper
// proxy. Local processes that need a bearer token for the wrapped API
// fetch it here instead of reading the credentials file; what they do with
// the token afterwards is their own business.
package tokenclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNoToken means the proxy is up but has no valid credential record yet
// (or anymore). Callers typically retry after the refresh daemon or an
// operator login repopulates the store.
var ErrNoToken = errors.New("token proxy has no valid token")

const (
	// fetchTimeout bounds a proxy fetch; the proxy is local, so anything
	// slower means it is down.
	fetchTimeout = 5 * time.Second

	// maxResponseBytes caps the proxy response read.
	maxResponseBytes = 64 * 1024
)

// Token is the proxy's answer: the current access token and its derived
// expiry (epoch seconds; zero when the lifetime is unknown).
type Token struct {
	AccessToken string
	ExpiresAt   int64
}

// Client fetches tokens from a running proxy.
type Client struct {
	tokenURL   string
	httpClient *http.Client
}

// New creates a client for the proxy at baseURL (e.g.
// "http://127.0.0.1:8080"). If httpClient is nil, a client with a short
// timeout is used.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy URL %q", baseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}

	u.Path = "/token"

	return &Client{
		tokenURL:   u.String(),
		httpClient: httpClient,
	}, nil
}

// Fetch returns the current token. ErrNoToken when the proxy answers with
// a degraded (non-2xx) response or an empty token.
func (c *Client) Fetch(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL, nil)
	if err != nil {
		return Token{}, fmt.Errorf("building proxy request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("calling token proxy: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Token{}, fmt.Errorf("reading proxy response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, ErrNoToken
	}

	tok := Token{
		AccessToken: gjson.GetBytes(body, "access_token").Str,
		ExpiresAt:   gjson.GetBytes(body, "expires_at").Int(),
	}

	if tok.AccessToken == "" {
		return Token{}, ErrNoToken
	}

	return tok, nil
}
