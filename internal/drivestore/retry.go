package drivestore

import (
	"context"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

const defaultMaxTransientAttempts = 3

// DefaultBackoff paces retries of rate-limited or unavailable Drive calls.
func DefaultBackoff() gax.Backoff {
	return gax.Backoff{
		Initial:    200 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 2,
	}
}

type sleepFunc func(ctx context.Context, delay time.Duration) error

// retryTransient runs call until it succeeds, fails with a non-transient
// error, or maxAttempts calls have been made.
func (store *Store) retryTransient(ctx context.Context, op string, call func() error) error {
	backoff := store.backoff
	var err error
	for attempt := 1; ; attempt++ {
		err = call()
		if err == nil || !isTransientStatus(err) || attempt >= store.maxTransientAttempts {
			return err
		}
		store.metrics.Increment(MetricTransientRetry)
		delay := backoff.Pause()
		store.logger.Debug("transient drive failure, retrying",
			zap.String("code", "drive."+op+".transient"),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		if sleepErr := store.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}
