package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brokerauth/tokenkeeper/internal/oauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoginFlow(t *testing.T) *oauth.Flow {
	t.Helper()

	flow, err := oauth.NewFlow(oauth.FlowConfig{
		ClientID:     "login-test-client",
		RedirectURI:  "http://127.0.0.1:8765/callback",
		Scopes:       "openid offline_access",
		AuthorizeURL: "https://auth.example.test/authorize",
		Timeout:      time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	return flow
}

// --- manual paste mode ---

func TestManualCallback_ForgedStateRejected(t *testing.T) {
	flow := newLoginFlow(t)
	flow.OverrideState("abc123")

	cb, err := manualCallback(flow, "http://127.0.0.1:8765/callback?code=code-1&state=xyz789", "")
	require.NoError(t, err)

	_, err = flow.Resolve(cb)
	assert.ErrorIs(t, err, oauth.ErrStateMismatch)
}

func TestManualCallback_MatchingStateResolves(t *testing.T) {
	flow := newLoginFlow(t)

	cb, err := manualCallback(flow, "http://127.0.0.1:8765/callback?code=code-1&state="+flow.State(), "")
	require.NoError(t, err)

	code, err := flow.Resolve(cb)
	require.NoError(t, err)
	assert.Equal(t, "code-1", code)
}

func TestManualCallback_ExpectedStateOverridesGenerated(t *testing.T) {
	flow := newLoginFlow(t)

	cb, err := manualCallback(flow, "http://127.0.0.1:8765/callback?code=code-1&state=xyz789", "xyz789")
	require.NoError(t, err)

	code, err := flow.Resolve(cb)
	require.NoError(t, err)
	assert.Equal(t, "code-1", code)
}

func TestManualCallback_BareCodeResolves(t *testing.T) {
	flow := newLoginFlow(t)

	cb, err := manualCallback(flow, "code-1", "")
	require.NoError(t, err)

	code, err := flow.Resolve(cb)
	require.NoError(t, err)
	assert.Equal(t, "code-1", code)
}

// --- --redirect-url mode ---

func TestAlignState_AdoptsStateFromEarlierAttempt(t *testing.T) {
	flow := newLoginFlow(t)

	cb, err := oauth.ParseRedirect("http://127.0.0.1:8765/callback?code=code-1&state=earlier-attempt")
	require.NoError(t, err)

	alignState(flow, cb, "")

	code, err := flow.Resolve(cb)
	require.NoError(t, err)
	assert.Equal(t, "code-1", code)
}

func TestAlignState_ExplicitExpectationWins(t *testing.T) {
	flow := newLoginFlow(t)

	cb, err := oauth.ParseRedirect("http://127.0.0.1:8765/callback?code=code-1&state=xyz789")
	require.NoError(t, err)

	alignState(flow, cb, "abc123")

	_, err = flow.Resolve(cb)
	assert.ErrorIs(t, err, oauth.ErrStateMismatch)
}
