package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/brokerauth/tokenkeeper/internal/credentials"
	"github.com/brokerauth/tokenkeeper/internal/oauth"
	"github.com/stretchr/testify/require"
)

const (
	testClientID = "e2e-test-client"
	testScopes   = "openid offline_access read"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenEndpoint is a fake authorization server token endpoint. It records
// the grants it sees and hands out sequentially numbered tokens.
type tokenEndpoint struct {
	mu sync.Mutex

	srv *httptest.Server

	// grants holds the parsed form of every request, oldest first.
	grants []map[string]string

	// next is the payload returned for the next request. Reset after
	// each call to the default issuing behaviour when nil.
	nextStatus int
	nextBody   string

	issued int
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()

	te := &tokenEndpoint{}
	te.srv = httptest.NewServer(http.HandlerFunc(te.handle))
	t.Cleanup(te.srv.Close)

	return te
}

func (te *tokenEndpoint) URL() string {
	return te.srv.URL + "/token"
}

func (te *tokenEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	form := make(map[string]string)
	for k := range r.PostForm {
		form[k] = r.PostFormValue(k)
	}

	te.mu.Lock()
	te.grants = append(te.grants, form)
	status, body := te.nextStatus, te.nextBody
	te.nextStatus, te.nextBody = 0, ""

	te.issued++
	n := te.issued
	te.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprint(w, body)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"access_token":"tok-%d","refresh_token":"ref-%d","token_type":"Bearer","expires_in":1200,"scope":%q}`,
		n, n, testScopes)
}

// failNext makes the next request fail with the given status.
func (te *tokenEndpoint) failNext(status int, body string) {
	te.mu.Lock()
	te.nextStatus, te.nextBody = status, body
	te.mu.Unlock()
}

func (te *tokenEndpoint) grantCount() int {
	te.mu.Lock()
	defer te.mu.Unlock()

	return len(te.grants)
}

func (te *tokenEndpoint) lastGrant(t *testing.T) map[string]string {
	t.Helper()

	te.mu.Lock()
	defer te.mu.Unlock()

	require.NotEmpty(t, te.grants, "token endpoint was never called")

	return te.grants[len(te.grants)-1]
}

// harness wires a store, a fake token endpoint, and an exchanger the way
// the binary does.
type harness struct {
	store    *credentials.Store
	endpoint *tokenEndpoint
	exch     *oauth.Exchanger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	endpoint := newTokenEndpoint(t)

	return &harness{
		store:    credentials.NewStore(filepath.Join(t.TempDir(), "credentials.json"), testLogger()),
		endpoint: endpoint,
		exch: oauth.NewExchanger(oauth.ExchangerConfig{
			TokenURL:    endpoint.URL(),
			ClientID:    testClientID,
			Environment: "sim",
			Logger:      testLogger(),
		}),
	}
}

// newFlow builds an authorization attempt against a free local port.
func (h *harness) newFlow(t *testing.T) *oauth.Flow {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	flow, err := oauth.NewFlow(oauth.FlowConfig{
		ClientID:     testClientID,
		RedirectURI:  fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		Scopes:       testScopes,
		AuthorizeURL: "https://auth.example.test/authorize",
		Timeout:      10 * time.Second,
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	return flow
}

// getJSON fetches a URL and decodes the JSON body.
func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := make(map[string]any)
	require.NoError(t, json.Unmarshal(body, &out))

	return resp.StatusCode, out
}
