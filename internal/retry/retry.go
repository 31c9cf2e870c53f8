// Package retry waits for backing services at startup. It is not used on
// the scan or chat path: requests there fail fast instead.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// maxDelay caps the backoff between two attempts.
const maxDelay = 10 * time.Second

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter, up to maxDelay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return do(ctx, maxAttempts, baseDelay, func(int) error { return fn() })
}

// WaitFor pings a dependency until it answers, logging each failure.
// It is meant for startup, where Postgres or Redis may still be booting.
func WaitFor(ctx context.Context, logger *slog.Logger, name string, maxAttempts int, baseDelay time.Duration, ping func(context.Context) error) error {
	return do(ctx, maxAttempts, baseDelay, func(attempt int) error {
		err := ping(ctx)
		if err != nil {
			logger.Warn("dependency not ready", "dependency", name, "attempt", attempt+1, "max_attempts", maxAttempts, "error", err)
			return err
		}
		if attempt > 0 {
			logger.Info("dependency ready", "dependency", name, "attempts", attempt+1)
		}
		return nil
	})
}

func do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay = min(delay*2, maxDelay)
	}

	return err
}

// jittered returns d +-25%.
func jittered(d time.Duration) time.Duration {
	jitter := int64(d / 4)
	if jitter <= 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}
