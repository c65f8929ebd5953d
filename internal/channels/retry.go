package channels

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryOptions tune WithRetry's exponential backoff.
type RetryOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Name        string
}

func (o *RetryOptions) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Factor <= 1 {
		o.Factor = 2
	}
	if o.Name == "" {
		o.Name = "operation"
	}
}

// WithRetry runs fn with exponential backoff until it succeeds, the
// attempts run out, or ctx is cancelled.
func WithRetry[T any](ctx context.Context, opts RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	opts.defaults()

	var zero T
	var lastErr error
	delay := opts.BaseDelay

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("retry succeeded", "operation", opts.Name, "attempt", attempt)
			}
			return result, nil
		}
		lastErr = err

		if attempt == opts.MaxAttempts {
			break
		}
		slog.Warn("retrying after failure",
			"operation", opts.Name,
			"attempt", attempt,
			"max_attempts", opts.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		delay = min(time.Duration(float64(delay)*opts.Factor), opts.MaxDelay)
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", opts.Name, opts.MaxAttempts, lastErr)
}
