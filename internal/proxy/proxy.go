// Package proxy serves the current access token to other local processes
// over HTTP, so collaborators never touch the credentials file directly.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brokerauth/tokenkeeper/internal/credentials"
)

// tokenResponse is the body of a successful GET /token. The refresh token
// is deliberately not part of this type: it never leaves the store file.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
}

// Server is the read-only token endpoint. It holds no token state: every
// request reads the store, so a record refreshed by the daemon is visible
// on the next request with no staleness window.
type Server struct {
	addr   string
	store  *credentials.Store
	logger *slog.Logger
}

// New creates a token proxy listening on addr.
func New(addr string, store *credentials.Store, logger *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		store:  store,
		logger: logger,
	}
}

// Handler returns the proxy's HTTP handler: a single /token route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)

	return mux
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	rec, err := s.store.Load()
	if err != nil {
		s.logger.Error("loading credentials", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "{}")

		return
	}

	if rec == nil || rec.AccessToken == "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "{}")

		return
	}

	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: rec.AccessToken,
		ExpiresAt:   rec.ExpiresAt,
	})
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("token proxy listening",
		slog.String("addr", s.addr),
		slog.String("credentials", s.store.Path()),
	)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down token proxy")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("token proxy error: %w", err)
	}

	return nil
}
