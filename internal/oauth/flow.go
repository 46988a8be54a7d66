package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultCallbackTimeout bounds how long the automatic-mode listener waits
// for the browser to complete the login and redirect back.
const DefaultCallbackTimeout = 5 * time.Minute

// confirmationPage is served to the browser after the callback lands so
// the operator knows the window can be closed.
const confirmationPage = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>tokenkeeper</title></head>
<body>
<p>Authorization received. You can close this window.</p>
</body>
</html>`

// Callback holds the query parameters of one redirect callback, whether it
// arrived over the local listener or was pasted by the operator.
type Callback struct {
	Code             string
	State            string
	ErrorCode        string
	ErrorDescription string
}

// FlowConfig configures a single authorization attempt.
type FlowConfig struct {
	ClientID string

	// ClientSecret, when set, marks a confidential client: the secret is
	// presented at exchange time and PKCE is skipped. The two are
	// mutually exclusive proof mechanisms.
	ClientSecret string

	// RedirectURI must match the URI registered with the authorization
	// server byte-for-byte; the local listener binds to its host:port and
	// answers only its path.
	RedirectURI string

	// Scopes is the space-delimited scope request.
	Scopes string

	// AuthorizeURL is the authorization endpoint.
	AuthorizeURL string

	// Timeout bounds WaitCallback. Zero means DefaultCallbackTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// Flow is one authorization attempt: a state value, an optional PKCE pair,
// and a one-shot callback channel. A Flow is never reused across attempts,
// so callback results are owned by the attempt instead of living in
// process-wide state.
type Flow struct {
	cfg      FlowConfig
	pkce     PKCE
	usesPKCE bool
	state    string

	redirectHost string
	redirectPath string

	once sync.Once
	got  chan Callback
}

// NewFlow validates the configuration and generates the attempt's state
// value and, for public clients, its PKCE pair.
func NewFlow(cfg FlowConfig) (*Flow, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}

	if cfg.AuthorizeURL == "" {
		return nil, errors.New("authorize URL is required")
	}

	u, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URI: %w", err)
	}

	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("redirect URI must be a local http URL, got %q", cfg.RedirectURI)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallbackTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	f := &Flow{
		cfg:          cfg,
		state:        NewState(),
		usesPKCE:     cfg.ClientSecret == "",
		redirectHost: u.Host,
		redirectPath: u.Path,
		got:          make(chan Callback, 1),
	}

	if f.usesPKCE {
		f.pkce = NewPKCE()
	}

	return f, nil
}

// AuthURL builds the authorization URL the operator's browser must visit.
func (f *Flow) AuthURL() string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", f.cfg.ClientID)
	params.Set("redirect_uri", f.cfg.RedirectURI)
	params.Set("scope", f.cfg.Scopes)
	params.Set("state", f.state)

	if f.usesPKCE {
		params.Set("code_challenge", f.pkce.Challenge)
		params.Set("code_challenge_method", "S256")
	}

	sep := "?"
	if strings.Contains(f.cfg.AuthorizeURL, "?") {
		sep = "&"
	}

	return f.cfg.AuthorizeURL + sep + params.Encode()
}

// UsesPKCE reports whether this attempt proves itself with a PKCE verifier
// rather than a client secret.
func (f *Flow) UsesPKCE() bool {
	return f.usesPKCE
}

// Verifier returns the PKCE verifier for the exchange step. Empty when a
// client secret is configured.
func (f *Flow) Verifier() string {
	return f.pkce.Verifier
}

// State returns the anti-CSRF state generated for this attempt.
func (f *Flow) State() string {
	return f.state
}

// RedirectURI returns the redirect URI registered for this attempt. The
// same value must be sent during the code exchange.
func (f *Flow) RedirectURI() string {
	return f.cfg.RedirectURI
}

// OverrideState replaces the generated state. Used when exchanging a
// redirect URL produced by an earlier attempt, where the operator supplies
// the state that attempt generated.
func (f *Flow) OverrideState(state string) {
	f.state = state
}

// WaitCallback runs the automatic-mode listener: it binds the redirect
// URI's host:port, waits for exactly one request on the redirect path, and
// returns its parameters. Requests on other paths get a 404; a second
// matching callback is ignored. The wait is bounded by the configured
// timeout.
func (f *Flow) WaitCallback(ctx context.Context) (Callback, error) {
	ln, err := net.Listen("tcp", f.redirectHost)
	if err != nil {
		return Callback{}, fmt.Errorf("binding callback listener on %s: %w", f.redirectHost, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", f.handleCallback)

	server := &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		// Serve returns ErrServerClosed on shutdown; anything else is a
		// listener failure the select below will surface as a timeout.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			f.cfg.Logger.Warn("callback listener error", slog.String("error", err.Error()))
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	f.cfg.Logger.Info("waiting for authorization callback",
		slog.String("listen", f.redirectHost),
		slog.String("path", f.redirectPath),
	)

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	select {
	case cb := <-f.got:
		return cb, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return Callback{}, ctx.Err()
		}

		return Callback{}, ErrCallbackTimeout
	}
}

// handleCallback answers the redirect request. Only the registered path is
// accepted, and only the first matching request is delivered.
func (f *Flow) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != f.redirectPath {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	cb := Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		ErrorCode:        q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	f.once.Do(func() {
		f.got <- cb
	})

	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(confirmationPage))
}

// ParseRedirect interprets operator-pasted input in manual mode: either a
// full redirected URL or a bare authorization code.
func ParseRedirect(raw string) (Callback, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Callback{}, ErrNoCode
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Callback{}, fmt.Errorf("parsing redirected URL: %w", err)
		}

		q := u.Query()
		cb := Callback{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			ErrorCode:        q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		}

		if cb.Code == "" && cb.ErrorCode == "" {
			return Callback{}, ErrNoCode
		}

		return cb, nil
	}

	// Bare code pasted directly. No state travels with it.
	return Callback{Code: raw}, nil
}

// Resolve turns a callback into an authorization code or the reason the
// attempt failed. A present-but-different state is always fatal; an absent
// state is tolerated because manual paste paths often drop it.
func (f *Flow) Resolve(cb Callback) (string, error) {
	if cb.ErrorCode != "" {
		return "", &DeniedError{Code: cb.ErrorCode, Description: cb.ErrorDescription}
	}

	if cb.State != "" && cb.State != f.state {
		return "", ErrStateMismatch
	}

	if cb.Code == "" {
		return "", ErrNoCode
	}

	return cb.Code, nil
}
