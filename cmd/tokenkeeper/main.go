package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/brokerauth/tokenkeeper/internal/config"
	"github.com/brokerauth/tokenkeeper/internal/credentials"
	"github.com/brokerauth/tokenkeeper/internal/daemon"
	"github.com/brokerauth/tokenkeeper/internal/logging"
	"github.com/brokerauth/tokenkeeper/internal/oauth"
	"github.com/brokerauth/tokenkeeper/internal/proxy"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle the login subcommand before service startup.
	if len(os.Args) > 1 && os.Args[1] == "login" {
		if err := runLogin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the long-lived services: the refresh daemon and/or the token
// proxy, coordinating only through the credentials file.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("tokenkeeper starting",
		slog.String("version", Version),
		slog.String("broker_env", cfg.BrokerEnv),
		slog.Bool("daemon", cfg.EnableDaemon),
		slog.Bool("proxy", cfg.EnableProxy),
		slog.String("credentials", cfg.CredentialsFile),
	)

	if !cfg.EnableDaemon && !cfg.EnableProxy {
		return fmt.Errorf("nothing to run: set ENABLE_DAEMON and/or ENABLE_PROXY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := credentials.NewStore(cfg.CredentialsFile, logger)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableDaemon {
		exch := oauth.NewExchanger(oauth.ExchangerConfig{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Environment:  cfg.BrokerEnv,
			SafetyMargin: cfg.SafetyMargin,
			Logger:       logger,
		})

		sup := daemon.New(store, exch, daemon.Config{
			Interval:       cfg.PollInterval,
			Margin:         cfg.RefreshMargin,
			BackoffFloor:   cfg.BackoffFloor,
			BackoffCeiling: cfg.BackoffCeiling,
			ExitOnMissing:  cfg.ExitOnMissing,
			Environment:    cfg.BrokerEnv,
		}, logger.With(slog.String("service", "daemon")))

		g.Go(func() error {
			return sup.Run(gctx)
		})
	}

	if cfg.EnableProxy {
		p := proxy.New(cfg.ProxyListenAddr, store, logger.With(slog.String("service", "proxy")))

		g.Go(func() error {
			return p.Run(gctx)
		})
	}

	return g.Wait()
}

// runLogin performs one interactive authorization and persists the result.
func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	manual := fs.Bool("manual", false, "don't start the callback listener; paste the redirected URL or code instead")
	noBrowser := fs.Bool("no-browser", false, "don't open a browser automatically; print the auth URL instead")
	printURLOnly := fs.Bool("print-url-only", false, "only print the authorization URL and exit")
	redirectURL := fs.String("redirect-url", "", "full redirected URL (non-interactive manual mode)")
	code := fs.String("code", "", "authorization code (non-interactive manual mode)")
	expectedState := fs.String("expected-state", "", "state value to validate against when exchanging an already-produced redirect URL")
	credentialsFile := fs.String("credentials-file", "", "credentials file path (overrides CREDENTIALS_FILE)")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if *credentialsFile != "" {
		abs, err := filepath.Abs(*credentialsFile)
		if err != nil {
			return fmt.Errorf("resolving credentials file: %w", err)
		}

		cfg.CredentialsFile = abs
	}

	logger := logging.NewLogger(cfg.Environment)
	store := credentials.NewStore(cfg.CredentialsFile, logger)

	exch := oauth.NewExchanger(oauth.ExchangerConfig{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Environment:  cfg.BrokerEnv,
		SafetyMargin: cfg.SafetyMargin,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A still-valid or refreshable record makes the interactive flow
	// unnecessary.
	if !*printURLOnly {
		done, err := reuseExisting(ctx, store, exch, logger)
		if err == nil && done {
			return nil
		}
	}

	flow, err := oauth.NewFlow(oauth.FlowConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		AuthorizeURL: cfg.AuthorizeURL,
		Timeout:      cfg.CallbackTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	authURL := flow.AuthURL()

	fmt.Printf("Broker environment: %s\nAuthorization URL:\n%s\n", cfg.BrokerEnv, authURL)

	if *printURLOnly {
		return nil
	}

	var cb oauth.Callback

	switch {
	case *redirectURL != "":
		cb, err = oauth.ParseRedirect(*redirectURL)
		if err != nil {
			return err
		}

		alignState(flow, cb, *expectedState)
	case *code != "":
		cb = oauth.Callback{Code: *code}
	case *manual:
		fmt.Println("\nOpen the URL above, complete the login, then paste the full redirected URL or the value of the `code` parameter:")

		raw, err := readLine()
		if err != nil {
			return err
		}

		cb, err = manualCallback(flow, raw, *expectedState)
		if err != nil {
			return err
		}
	default:
		if !*noBrowser {
			if err := openBrowser(authURL); err != nil {
				logger.Debug("could not open browser", slog.String("error", err.Error()))
			}
		}

		cb, err = flow.WaitCallback(ctx)
		if err != nil {
			return err
		}
	}

	authCode, err := flow.Resolve(cb)
	if err != nil {
		var denied *oauth.DeniedError
		if errors.As(err, &denied) {
			return fmt.Errorf("authorization server declined: %s", denied.Description)
		}

		return err
	}

	rec, err := exch.ExchangeCode(ctx, authCode, cfg.RedirectURI, flow.Verifier())
	if err != nil {
		return err
	}

	if err := store.Save(rec); err != nil {
		return err
	}

	logger.Info("credentials saved",
		slog.String("path", store.Path()),
		slog.Duration("ttl", rec.TTL(time.Now())),
		slog.String("token_fp", logging.Fingerprint(rec.AccessToken)),
	)

	return nil
}

// reuseExisting short-circuits the interactive flow when the store already
// holds a usable record: still-valid records are kept as-is, expired ones
// are refreshed when possible.
func reuseExisting(ctx context.Context, store *credentials.Store, exch *oauth.Exchanger, logger *slog.Logger) (bool, error) {
	rec, err := store.Load()
	if err != nil || rec == nil || rec.AccessToken == "" {
		return false, err
	}

	now := time.Now()
	if rec.HasExpiry() && !rec.ExpiresWithin(now, 0) {
		logger.Info("existing credentials still valid, skipping interactive login",
			slog.Duration("ttl", rec.TTL(now)))

		return true, nil
	}

	logger.Info("existing credentials expired, attempting refresh")

	fresh, err := exch.Refresh(ctx, rec)
	if err != nil {
		logger.Info("refresh failed, proceeding to interactive login",
			slog.String("error", err.Error()))

		return false, nil
	}

	if err := store.Save(fresh); err != nil {
		return false, err
	}

	logger.Info("credentials refreshed", slog.Duration("ttl", fresh.TTL(time.Now())))

	return true, nil
}

// manualCallback parses an operator paste in interactive manual mode. The
// paste answers the URL this attempt just printed, so the generated state
// stays authoritative: a redirect carrying a different state is forged or
// stale and must fail to resolve. Only an explicit --expected-state
// replaces it.
func manualCallback(flow *oauth.Flow, raw, expected string) (oauth.Callback, error) {
	cb, err := oauth.ParseRedirect(raw)
	if err != nil {
		return oauth.Callback{}, err
	}

	if expected != "" {
		flow.OverrideState(expected)
	}

	return cb, nil
}

// alignState matches the flow's expected state to what the operator
// supplied alongside a --redirect-url produced by an earlier attempt.
// Without an explicit expectation, the callback's own state is adopted:
// that redirect cannot be checked against this attempt's random state.
func alignState(flow *oauth.Flow, cb oauth.Callback, expected string) {
	switch {
	case expected != "":
		flow.OverrideState(expected)
	case cb.State != "":
		flow.OverrideState(cb.State)
	}
}

func readLine() (string, error) {
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}

		return "", fmt.Errorf("no input")
	}

	return scanner.Text(), nil
}

// openBrowser makes a best-effort attempt to open the URL in the
// operator's browser.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
