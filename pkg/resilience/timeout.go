package resilience

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError reports that an operation outlived its limit. It unwraps to
// context.DeadlineExceeded.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: did not finish within %v", e.Op, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// WithTimeout runs fn under a context bounded by limit and stops waiting
// once the limit passes or ctx ends. fn keeps running in the background in
// that case, so callers must not release resources fn still uses. A limit
// of zero or less waits for fn without a bound.
func WithTimeout(ctx context.Context, limit time.Duration, op string, fn func(ctx context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	timeout := &TimeoutError{Op: op, Limit: limit}
	bounded, cancel := context.WithTimeoutCause(ctx, limit, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(bounded) }()

	select {
	case err := <-done:
		return err
	case <-bounded.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return timeout
	}
}
