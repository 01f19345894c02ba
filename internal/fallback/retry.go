package fallback

import (
	"context"
	"time"
)

// RetryBackoff computes the exponential backoff for attempt (1-indexed):
// base_ms * 2^min(attempt-1, 6) (spec §4.1, §4.2, testable property 6).
func RetryBackoff(baseMS, attempt int) time.Duration {
	shift := attempt - 1
	if shift > 6 {
		shift = 6
	}
	if shift < 0 {
		shift = 0
	}
	return time.Duration(baseMS*(1<<uint(shift))) * time.Millisecond
}

// RetryWithBackoffExec retries op in place up to cfg.MaxAttempts times with
// exponential backoff between attempts. This lives on the caller side (the
// executor) rather than on Engine because RETRY is the one strategy that
// re-invokes the failed closure instead of degrading it (spec §9 "Retry vs
// fallback split").
func RetryWithBackoffExec(ctx context.Context, cfg Config, op func(ctx context.Context) (any, error)) (any, error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt < maxAttempts {
			select {
			case <-time.After(RetryBackoff(cfg.BackoffBaseMS, attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}
