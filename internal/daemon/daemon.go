// Package daemon implements the refresh supervisor: a poll loop that keeps
// the stored credential record valid by refreshing it ahead of expiry and
// backing off exponentially when the token endpoint misbehaves.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brokerauth/tokenkeeper/internal/credentials"
	"github.com/brokerauth/tokenkeeper/internal/logging"
	"github.com/brokerauth/tokenkeeper/internal/oauth"
)

// ErrNoCredentials is returned by Run only when the supervisor is
// configured to exit on a missing store. An empty store is otherwise not
// an error: the daemon waits for a login to populate it.
var ErrNoCredentials = errors.New("no credentials in store")

// Exchanger is the token endpoint operation the supervisor depends on.
type Exchanger interface {
	Refresh(ctx context.Context, prev *credentials.Record) (*credentials.Record, error)
}

// Defaults for the poll loop. The margin is deliberately several poll
// intervals wide so a refresh can fail and be retried before the token
// actually dies.
const (
	DefaultInterval       = 30 * time.Second
	DefaultMargin         = 120 * time.Second
	DefaultBackoffFloor   = 5 * time.Second
	DefaultBackoffCeiling = 300 * time.Second
)

// Config holds supervisor tuning.
type Config struct {
	// Interval is the poll cadence while the record is valid.
	Interval time.Duration

	// Margin is the look-ahead window: a record expiring within it is
	// refreshed proactively.
	Margin time.Duration

	// BackoffFloor and BackoffCeiling bound the doubling retry delay
	// after failed refresh attempts.
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration

	// ExitOnMissing makes an absent store fatal. Used when the daemon is
	// deployed somewhere a login can never happen, where an empty store
	// is a configuration error rather than a transient state.
	ExitOnMissing bool

	// Environment is the backend this daemon serves. A stored record
	// tagged for a different backend is refreshed anyway but logged, so
	// a mixed-up deployment is visible.
	Environment string
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}

	if c.Margin <= 0 {
		c.Margin = DefaultMargin
	}

	if c.BackoffFloor <= 0 {
		c.BackoffFloor = DefaultBackoffFloor
	}

	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
}

// Supervisor drives the refresh loop. It is the sole writer to the store
// after the initial authorization.
type Supervisor struct {
	store  *credentials.Store
	exch   Exchanger
	cfg    Config
	logger *slog.Logger

	// now and after are injectable for deterministic tests.
	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	// wake is signalled by the store watch so a login that lands while
	// the loop is idling is picked up immediately.
	wake chan struct{}

	envWarned string
}

// New creates a supervisor over the given store and token endpoint client.
func New(store *credentials.Store, exch Exchanger, cfg Config, logger *slog.Logger) *Supervisor {
	cfg.applyDefaults()

	return &Supervisor{
		store:  store,
		exch:   exch,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		after:  time.After,
		wake:   make(chan struct{}, 1),
	}
}

// Run polls the store until the context is cancelled. Transient refresh
// failures never escape this loop; the only error Run itself produces is
// ErrNoCredentials under ExitOnMissing. Cancellation returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("refresh supervisor starting",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("margin", s.cfg.Margin),
	)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	go func() {
		if err := s.store.Watch(watchCtx, s.notify); err != nil {
			s.logger.Warn("store watch unavailable", slog.String("error", err.Error()))
		}
	}()

	backoff := s.cfg.BackoffFloor

	for {
		if ctx.Err() != nil {
			return nil
		}

		rec, err := s.store.Load()
		if err != nil {
			s.logger.Error("loading credentials", slog.String("error", err.Error()))

			if !s.wait(ctx, s.cfg.Interval, true) {
				return nil
			}

			continue
		}

		if rec == nil || rec.AccessToken == "" {
			if s.cfg.ExitOnMissing {
				s.logger.Error("no credentials found and exit-on-missing is set",
					slog.String("path", s.store.Path()))

				return ErrNoCredentials
			}

			s.logger.Info("no credentials yet, waiting for login",
				slog.String("path", s.store.Path()))

			if !s.wait(ctx, s.cfg.Interval, true) {
				return nil
			}

			continue
		}

		s.warnEnvMismatch(rec)

		now := s.now()

		switch {
		case !rec.HasExpiry():
			s.logger.Info("credentials have no usable expiry, refreshing")
		case !rec.ExpiresWithin(now, s.cfg.Margin):
			backoff = s.cfg.BackoffFloor

			s.logger.Debug("credentials valid", slog.Duration("ttl", rec.TTL(now)))

			if !s.wait(ctx, s.cfg.Interval, true) {
				return nil
			}

			continue
		default:
			s.logger.Info("credentials expiring soon, refreshing",
				slog.Duration("ttl", rec.TTL(now)))
		}

		if s.refresh(ctx, rec) {
			backoff = s.cfg.BackoffFloor
			continue
		}

		if ctx.Err() != nil {
			return nil
		}

		// Backoff waits ignore the wake channel: the retry cadence stays
		// deterministic even if unrelated writes land on the store file.
		if !s.wait(ctx, backoff, false) {
			return nil
		}

		backoff = min(2*backoff, s.cfg.BackoffCeiling)
	}
}

// refresh performs one refresh attempt and persists the result. A result
// that arrives after cancellation is discarded, leaving the prior record
// untouched.
func (s *Supervisor) refresh(ctx context.Context, prev *credentials.Record) bool {
	rec, err := s.exch.Refresh(ctx, prev)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		var exErr *oauth.ExchangeError
		if errors.As(err, &exErr) {
			s.logger.Warn("refresh rejected",
				slog.Int("status", exErr.Status),
				slog.String("body", exErr.Body),
			)
		} else {
			s.logger.Warn("refresh failed", slog.String("error", err.Error()))
		}

		return false
	}

	if ctx.Err() != nil {
		return false
	}

	if err := s.store.Save(rec); err != nil {
		s.logger.Error("saving refreshed credentials", slog.String("error", err.Error()))
		return false
	}

	s.logger.Info("credentials refreshed",
		slog.Duration("ttl", rec.TTL(s.now())),
		slog.String("token_fp", logging.Fingerprint(rec.AccessToken)),
	)

	return true
}

// wait idles for d. When wakeable, a store change cuts the wait short.
// Returns false when the context was cancelled.
func (s *Supervisor) wait(ctx context.Context, d time.Duration, wakeable bool) bool {
	var wake <-chan struct{}
	if wakeable {
		wake = s.wake
	}

	select {
	case <-ctx.Done():
		return false
	case <-wake:
		s.logger.Debug("woken by credentials file change")
		return true
	case <-s.after(d):
		return true
	}
}

// notify is the store watch callback. Non-blocking: a pending wake is
// enough.
func (s *Supervisor) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) warnEnvMismatch(rec *credentials.Record) {
	if s.cfg.Environment == "" || rec.Environment == "" || rec.Environment == s.cfg.Environment {
		s.envWarned = ""
		return
	}

	if s.envWarned == rec.Environment {
		return
	}

	s.envWarned = rec.Environment

	s.logger.Warn("stored credentials belong to a different environment",
		slog.String("stored", rec.Environment),
		slog.String("configured", s.cfg.Environment),
	)
}
