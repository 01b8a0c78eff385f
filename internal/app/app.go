// Package app builds the notifier's long-lived services from configuration and
// runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/api"
	"github.com/JakeFAU/bilibili-notifier/internal/bilibili"
	"github.com/JakeFAU/bilibili-notifier/internal/clock/system"
	"github.com/JakeFAU/bilibili-notifier/internal/config"
	"github.com/JakeFAU/bilibili-notifier/internal/id/uuid"
	"github.com/JakeFAU/bilibili-notifier/internal/metrics"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
	"github.com/JakeFAU/bilibili-notifier/internal/notify"
	"github.com/JakeFAU/bilibili-notifier/internal/policy/ratelimit"
	"github.com/JakeFAU/bilibili-notifier/internal/poller"
	"github.com/JakeFAU/bilibili-notifier/internal/state"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	store          *state.Store
	poller         *poller.Poller
	apiServer      *api.Server
	closeNotifiers func() error
}

// Options overrides collaborators, mainly for tests.
type Options struct {
	// Fetchers replaces the upstream API fetchers when set.
	Fetchers map[monitor.Kind]monitor.Fetcher
	// Notifiers replaces the configured channels when non-nil.
	Notifiers []monitor.Notifier
	Clock     monitor.Clock
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("accounts", len(cfg.Users)),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.String("state_file", cfg.StateFile),
		zap.String("first_run", string(cfg.FirstRunPolicy())),
	)

	var err error
	a.store, err = state.Load(state.Options{
		Path:   cfg.StateFile,
		MaxIDs: cfg.State.MaxIDsPerKind,
		Logger: logger.Named("state"),
		Clock:  opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}

	fetchers := opts.Fetchers
	if fetchers == nil {
		fetchers, err = setupFetchers(cfg, logger, opts.Clock)
		if err != nil {
			return nil, err
		}
	}

	notifiers := opts.Notifiers
	a.closeNotifiers = func() error { return nil }
	if notifiers == nil {
		notifiers, a.closeNotifiers = notify.Build(ctx, cfg.Notifications, logger)
	}
	dispatcher := notify.NewDispatcher(notifiers, logger)
	if channels := dispatcher.Channels(); len(channels) > 0 {
		logger.Info("notification channels ready", zap.Strings("channels", channels))
	}

	a.poller, err = poller.New(poller.Config{
		Accounts:    cfg.Accounts(),
		Fetchers:    fetchers,
		Store:       a.store,
		Dispatcher:  dispatcher,
		Policy:      cfg.FirstRunPolicy(),
		Concurrency: cfg.Fetch.Concurrency,
		Clock:       opts.Clock,
		IDs:         uuid.New(),
		Logger:      logger,
	})
	if err != nil {
		_ = a.closeNotifiers()
		return nil, fmt.Errorf("poller init failed: %w", err)
	}

	if cfg.Server.Enabled {
		a.apiServer = api.NewServer(a.poller, a.store, logger.Named("api"))
	}
	return a, nil
}

func setupFetchers(cfg config.Config, logger *zap.Logger, clock monitor.Clock) (map[monitor.Kind]monitor.Fetcher, error) {
	cookies := cfg.AuthCookies
	client, err := bilibili.NewClient(bilibili.Config{
		BaseURL:   cfg.Fetch.BaseURL,
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.Fetch.Timeout,
		Cookies: bilibili.Cookies{
			SESSDATA:        cookies.SESSDATA,
			BiliJct:         cookies.BiliJct,
			Buvid3:          cookies.Buvid3,
			Buvid4:          cookies.Buvid4,
			DedeUserID:      cookies.DedeUserID,
			DedeUserIDCkMd5: cookies.DedeUserIDCkMd5,
		},
		Limiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
			Burst:             cfg.Fetch.Burst,
		}),
		Logger: logger.Named("bilibili"),
	})
	if err != nil {
		return nil, fmt.Errorf("bilibili client init failed: %w", err)
	}
	if cookies.SESSDATA == "" {
		logger.Info("no auth cookies configured; using anonymous session")
	}

	fetchers := bilibili.NewFetchers(client, bilibili.Options{
		PageSize: cfg.Fetch.PageSize,
		Clock:    clock,
		Logger:   logger.Named("bilibili"),
	})
	retry := bilibili.RetryConfig{
		MaxRetries: cfg.Fetch.MaxRetries,
		BaseDelay:  cfg.Fetch.BackoffInitial,
		MaxDelay:   cfg.Fetch.BackoffMax,
		Logger:     logger.Named("retry"),
	}
	for kind, f := range fetchers {
		fetchers[kind] = bilibili.WithRetry(f, retry)
	}
	return fetchers, nil
}

// RunOnce executes a single cycle.
func (a *App) RunOnce(ctx context.Context) error {
	if _, err := a.poller.RunOnce(ctx); err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}
	return nil
}

// Run polls until ctx is canceled. The status server, when enabled, runs
// alongside and is shut down after the in-flight cycle has persisted.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	err := a.poller.Run(ctx, a.cfg.PollInterval)
	a.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("server shutdown error", zap.Error(serr))
		}
	}
	if err != nil {
		return fmt.Errorf("poll loop: %w", err)
	}
	return nil
}

// Close releases channel resources and flushes the logger.
func (a *App) Close() error {
	var errs []error
	if a.closeNotifiers != nil {
		if err := a.closeNotifiers(); err != nil {
			a.logger.Warn("notifier close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.logger.Info("shutdown complete")
	// Sync on stderr/stdout sinks fails on some platforms; ignore it.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// Handler exposes the status server's router, or nil when it is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}
