package bilibili

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// RetryConfig configures the backoff applied to a Fetcher.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// retryingFetcher retries retryable FetchErrors with exponential backoff.
type retryingFetcher struct {
	next     monitor.Fetcher
	executor failsafe.Executor[[]monitor.ContentItem]
	logger   *zap.Logger
}

// WithRetry wraps next so network and rate-limit failures are retried with
// jittered exponential backoff. Other failures are returned immediately.
func WithRetry(next monitor.Fetcher, cfg RetryConfig) monitor.Fetcher {
	cfg = cfg.normalized()
	if cfg.MaxRetries == 0 {
		return next
	}
	policy := retrypolicy.NewBuilder[[]monitor.ContentItem]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ []monitor.ContentItem, err error) bool {
			fe, ok := monitor.AsFetchError(err)
			return ok && fe.Retryable()
		}).
		Build()
	return &retryingFetcher{
		next:     next,
		executor: failsafe.With(policy),
		logger:   cfg.Logger.Named("retry"),
	}
}

func (r *retryingFetcher) Kind() monitor.Kind {
	return r.next.Kind()
}

func (r *retryingFetcher) Fetch(ctx context.Context, account monitor.Account) ([]monitor.ContentItem, error) {
	attempt := 0
	items, err := r.executor.WithContext(ctx).Get(func() ([]monitor.ContentItem, error) {
		attempt++
		if attempt > 1 {
			r.logger.Info("retrying fetch",
				zap.Int64("mid", account.MID),
				zap.String("kind", string(r.next.Kind())),
				zap.Int("attempt", attempt),
			)
		}
		return r.next.Fetch(ctx, account)
	})
	if err == nil {
		return items, nil
	}
	// Exhausted retries come back wrapped; surface the typed failure.
	if fe, ok := monitor.AsFetchError(err); ok {
		return nil, fe
	}
	return nil, &monitor.FetchError{
		Kind:   r.next.Kind(),
		MID:    account.MID,
		Reason: monitor.ReasonNetwork,
		Err:    err,
	}
}
