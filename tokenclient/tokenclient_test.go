package tokenclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, nil)
	require.NoError(t, err)

	return c
}

func TestFetch_ReturnsToken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		w.Write([]byte(`{"access_token":"tok-1","expires_at":1700001170}`))
	})

	tok, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.AccessToken)
	assert.Equal(t, int64(1_700_001_170), tok.ExpiresAt)
}

func TestFetch_DegradedProxy_ErrNoToken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("{}"))
	})

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFetch_EmptyToken_ErrNoToken(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expires_at":123}`))
	})

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestFetch_ProxyDown(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	c, err := New(url, nil)
	require.NoError(t, err)

	_, err = c.Fetch(context.Background())
	assert.ErrorContains(t, err, "calling token proxy")
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New("not-a-url", nil)
	assert.Error(t, err)
}
