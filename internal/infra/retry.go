package infra

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryAfterHinter is implemented by errors that carry an upstream
// Retry-After header. The hint raises the next delay of the retry
// instance it occurred in, and only that one.
type RetryAfterHinter interface {
	RetryAfterHint() (time.Duration, bool)
}

// RetryConfig configures the retry engine. Zero values fall back to the
// defaults documented per field.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, first try included.
	// Default 3.
	MaxAttempts int

	// InitialDelay is the delay before the first retry. Default 1s.
	InitialDelay time.Duration

	// MaxDelay caps the backoff. Default 30s.
	MaxDelay time.Duration

	// Factor multiplies the delay after each attempt. Default 2.
	Factor float64

	// Jitter adds 0-50% random extra delay when true.
	Jitter bool

	// Timeout bounds the whole retry loop, delays included. Default
	// 60s; set negative to disable.
	Timeout time.Duration

	// Retryable decides whether an error is worth another attempt.
	// When nil, DefaultRetryable is used.
	Retryable func(error) bool
}

func (c *RetryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retryable == nil {
		c.Retryable = DefaultRetryable
	}
}

// DefaultRetryable treats context errors as final and everything else
// as retryable. Callers layer their own error classification on top.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RetryDo runs fn with exponential backoff. Retryable errors are
// absorbed until attempts are exhausted; non-retryable and last-attempt
// errors surface to the caller. Each retry emits one structured log
// line with attempt number, delay, and error class.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, logger *slog.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg.applyDefaults()
	var zero T

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if !cfg.Retryable(err) || attempt == cfg.MaxAttempts {
			return zero, err
		}

		// An upstream Retry-After hint overrides the computed backoff
		// for the next iteration only.
		wait := delay
		var hinter RetryAfterHinter
		if errors.As(err, &hinter) {
			if hint, ok := hinter.RetryAfterHint(); ok && hint > wait {
				wait = hint
			}
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		if cfg.Jitter {
			wait += time.Duration(rand.Float64() * 0.5 * float64(wait))
		}

		if logger != nil {
			logger.Warn("retrying after error",
				"attempt", attempt,
				"delay_ms", wait.Milliseconds(),
				"error_class", errorClass(err),
				"error", err.Error(),
			)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, lastErr
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, lastErr
}

// RetryVoid is RetryDo for functions without a result.
func RetryVoid(ctx context.Context, cfg RetryConfig, logger *slog.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryDo(ctx, cfg, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// errorClass buckets errors for retry logs without leaking payloads.
func errorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		type statusCoder interface{ StatusCode() int }
		var sc statusCoder
		if errors.As(err, &sc) {
			status := sc.StatusCode()
			switch {
			case status == 429:
				return "rate_limited"
			case status >= 500:
				return "upstream"
			default:
				return "client"
			}
		}
		return "network"
	}
}
