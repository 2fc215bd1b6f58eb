package llm

import (
	"context"
	"math/rand"
	"time"

	"github.com/devforgehq/forged/internal/fault"
)

// RetryConfig controls backoff behavior for one provider.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig: 3 attempts, exponential backoff with full jitter,
// base 250 ms, cap 4 s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    4 * time.Second,
	}
}

// retryDo runs fn up to cfg.MaxAttempts times, backing off between attempts.
// Only retryable faults (Unavailable, RateLimited) are retried; InvalidInput
// surfaces immediately. ctx cancellation aborts the wait.
func retryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			jittered := time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return zero, fault.Wrap(fault.KindTimeout, "retry wait aborted", ctx.Err())
			case <-time.After(jittered):
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !fault.Retryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}
