package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds Retry. Zero fields take defaults: 3 attempts and a
// backoff that starts at 100ms and doubles up to 5s.
type RetryConfig struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	// Retryable reports whether a failure is worth another attempt. Nil
	// retries everything except context errors.
	Retryable func(error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Base <= 0 {
		c.Base = 100 * time.Millisecond
	}
	if c.Cap <= 0 {
		c.Cap = 5 * time.Second
	}
	if c.Cap < c.Base {
		c.Cap = c.Base
	}
	if c.Retryable == nil {
		c.Retryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return c
}

// Backoff is the delay before retry number attempt (1-based): exponential
// growth capped at Cap, with equal jitter so concurrent callers spread out.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	d := c.Base
	for i := 1; i < attempt && d < c.Cap; i++ {
		d *= 2
	}
	d = min(d, c.Cap)
	half := d / 2
	return half + rand.N(half+1)
}

// Retry calls fn until it succeeds, fails with a non-retryable error, runs
// out of attempts, or ctx ends.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	logger := slog.Default().With("component", "retry", "operation", name)

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				logger.Info("succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.Attempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, err)
		}

		delay := cfg.Backoff(attempt)
		logger.Warn("attempt failed, retrying",
			"attempt", attempt,
			"attempts", cfg.Attempts,
			"delay", delay,
			"error", err,
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: retry abandoned: %w", name, errors.Join(ctx.Err(), err))
		}
	}
}
