package prov

import (
	"context"
	"time"
)

// RetryBackoff is the base delay between attempts; attempt n waits n*RetryBackoff.
var RetryBackoff = 20 * time.Millisecond

// Retry runs fn until it succeeds, fails with a non-retryable error, or
// maxAttempts is reached. fn must be a whole logical operation (one Admit,
// one UpdateConfig): replaying a sub-step would break atomicity.
func Retry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(time.Duration(attempt) * RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
