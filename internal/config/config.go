// Package config holds environment-based configuration for tokenkeeper.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration.
type Config struct {
	// OAuth client identity. A client secret marks a confidential
	// client; without one the login flow proves itself with PKCE.
	ClientID     string `env:"OAUTH_CLIENT_ID"`
	ClientSecret string `env:"OAUTH_CLIENT_SECRET"`

	// BrokerEnv selects the backend environment ("sim" or "live" by
	// default; more can be added via the environments file).
	BrokerEnv string `env:"BROKER_ENV" envDefault:"sim"`

	// Endpoint overrides. When empty, the environment registry decides.
	AuthorizeURL string `env:"AUTHORIZE_URL"`
	TokenURL     string `env:"TOKEN_URL"`

	// EnvironmentsFile is an optional YAML registry of per-environment
	// endpoints overriding the built-in defaults.
	EnvironmentsFile string `env:"ENVIRONMENTS_FILE"`

	// RedirectURI must match the URI registered with the authorization
	// server byte-for-byte.
	RedirectURI string `env:"REDIRECT_URI" envDefault:"http://127.0.0.1:8765/callback"`

	// Scopes is the space-delimited scope request for the login flow.
	Scopes string `env:"OAUTH_SCOPES" envDefault:"openid offline_access read trade"`

	// CredentialsFile is the path of the persisted credential record.
	// Defaults to ~/.tokenkeeper/credentials.json.
	CredentialsFile string `env:"CREDENTIALS_FILE"`

	// Service flags. At least one must be true when running services.
	EnableDaemon bool `env:"ENABLE_DAEMON" envDefault:"true"`
	EnableProxy  bool `env:"ENABLE_PROXY" envDefault:"true"`

	// ProxyListenAddr is the token proxy's listen address. Loopback by
	// default: the proxy hands out live bearer tokens.
	ProxyListenAddr string `env:"PROXY_LISTEN_ADDR" envDefault:"127.0.0.1:8080"`

	// Refresh daemon tuning.
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	RefreshMargin  time.Duration `env:"REFRESH_MARGIN" envDefault:"120s"`
	BackoffFloor   time.Duration `env:"BACKOFF_FLOOR" envDefault:"5s"`
	BackoffCeiling time.Duration `env:"BACKOFF_CEILING" envDefault:"300s"`
	ExitOnMissing  bool          `env:"EXIT_ON_MISSING" envDefault:"false"`

	// SafetyMargin is subtracted from expires_in when deriving the local
	// expiry.
	SafetyMargin time.Duration `env:"SAFETY_MARGIN" envDefault:"30s"`

	// CallbackTimeout bounds the automatic-mode wait for the redirect.
	CallbackTimeout time.Duration `env:"CALLBACK_TIMEOUT" envDefault:"300s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the client secret to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables. It first attempts
// to load a .env file if present, then parses env vars, resolves the
// token/authorize endpoints for the selected broker environment, and
// validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.CredentialsFile == "" {
		path, err := DefaultCredentialsFile()
		if err != nil {
			return nil, err
		}

		cfg.CredentialsFile = path
	}

	absPath, err := filepath.Abs(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials file to absolute path: %w", err)
	}

	cfg.CredentialsFile = absPath

	if cfg.AuthorizeURL == "" || cfg.TokenURL == "" {
		eps, err := ResolveEndpoints(cfg.BrokerEnv, cfg.EnvironmentsFile)
		if err != nil {
			return nil, err
		}

		if cfg.AuthorizeURL == "" {
			cfg.AuthorizeURL = eps.AuthorizeURL
		}

		if cfg.TokenURL == "" {
			cfg.TokenURL = eps.TokenURL
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}

	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Scheme != "http" || u.Host == "" {
		return fmt.Errorf("REDIRECT_URI must be a local http URL, got %q", c.RedirectURI)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.BackoffFloor <= 0 || c.BackoffCeiling < c.BackoffFloor {
		return fmt.Errorf("backoff floor/ceiling out of order: %s / %s", c.BackoffFloor, c.BackoffCeiling)
	}

	return nil
}

// DefaultCredentialsFile returns ~/.tokenkeeper/credentials.json.
func DefaultCredentialsFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".tokenkeeper", "credentials.json"), nil
}
