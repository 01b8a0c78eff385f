// Package ratelimit throttles upstream API calls with one token bucket per endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/bilibili-notifier/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// RequestsPerSecond applies to each endpoint independently. Zero or less
	// disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// Limiter manages per-endpoint rate limits.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a token is available for endpoint, respecting ctx.
func (l *Limiter) Wait(ctx context.Context, endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = "default"
	}
	limiter := l.bucket(endpoint)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(endpoint, waited)
	}
	return nil
}

func (l *Limiter) bucket(endpoint string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[endpoint]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[endpoint] = limiter
	}
	return limiter
}
