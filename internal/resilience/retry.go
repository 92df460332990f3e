package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry].
type RetryConfig struct {
	// MaxAttempts is the total number of calls including the first. Default: 3.
	MaxAttempts int

	// BaseDelay is the wait after the first failure; it doubles on every
	// further failure. Default: 2s.
	BaseDelay time.Duration

	// MaxDelay caps a single wait. Default: 10s.
	MaxDelay time.Duration

	// AttemptTimeout bounds each call. Zero leaves the caller's deadline as the
	// only limit.
	AttemptTimeout time.Duration

	// Jitter spreads each wait uniformly over [d/2, d].
	Jitter bool

	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	// Name labels log lines.
	Name string

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

// Backoff returns the un-jittered wait before attempt n+1 after n failures
// (n ≥ 1): BaseDelay·2^(n-1), capped at MaxDelay.
func (c RetryConfig) Backoff(n int) time.Duration {
	c = c.withDefaults()
	d := c.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

// Retry calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. The last error is returned, annotated with the
// attempt count. Context cancellation between attempts aborts immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is [Retry] for calls that produce a value.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (R, error)) (R, error) {
	cfg = cfg.withDefaults()
	var zero R

	for attempt := 1; ; attempt++ {
		res, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, fmt.Errorf("retry: attempt %d: %w", attempt, err)
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}
		if attempt >= cfg.MaxAttempts {
			return zero, fmt.Errorf("retry: gave up after %d attempts: %w", attempt, err)
		}

		wait := cfg.Backoff(attempt)
		if cfg.Jitter {
			wait = wait/2 + rand.N(wait/2+1)
		}
		slog.Warn("retrying after transient failure",
			"provider", cfg.Name,
			"attempt", attempt,
			"wait", wait,
			"error", err)
		if err := cfg.Sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("retry: waiting for attempt %d: %w", attempt+1, err)
		}
	}
}

func runAttempt[R any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (R, error)) (R, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
