package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production emits JSON for log shippers; anything else gets
// human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Fingerprint returns a short one-way tag for a secret. Log lines carry
// the tag so operators can tell credential generations apart without the
// value itself ever reaching a log sink.
func Fingerprint(secret string) string {
	if secret == "" {
		return "-"
	}

	sum := sha256.Sum256([]byte(secret))

	return hex.EncodeToString(sum[:4])
}
