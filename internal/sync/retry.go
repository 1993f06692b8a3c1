package sync

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scottthesecond/sync-frame/internal/throttle"
	"github.com/scottthesecond/sync-frame/internal/types"
)

// RetryConfig controls applyWithRetry's attempt count and backoff.
type RetryConfig struct {
	MaxAttempts     int
	BackoffSeconds  float64
	DisableJobAfter int
}

// DefaultRetryConfig is the reference default: 5 attempts, 30s base
// backoff, disable after 20 consecutive failures on a side.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BackoffSeconds: 30, DisableJobAfter: 20}
}

// applyWithRetry calls adapter.ApplyChanges for batch, throttled by
// throttler, retrying with exponential backoff (base 2, not jittered)
// up to cfg.MaxAttempts total attempts. retries is incremented once
// per failed-and-retried attempt. Exhausting all attempts returns the
// last error.
func applyWithRetry(
	ctx context.Context,
	adapter types.Adapter,
	thr *throttle.Throttler,
	cfg RetryConfig,
	batch types.ChangeSet,
	retries *int,
) error {
	operation := func() error {
		if err := thr.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return adapter.ApplyChanges(ctx, batch)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(cfg.BackoffSeconds * float64(time.Second))
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Duration(math.MaxInt64)
	eb.MaxElapsedTime = 0

	extraRetries := cfg.MaxAttempts - 1
	if extraRetries < 0 {
		extraRetries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(extraRetries)), ctx)

	notify := func(error, time.Duration) {
		*retries++
	}

	return backoff.RetryNotify(operation, bo, notify)
}
