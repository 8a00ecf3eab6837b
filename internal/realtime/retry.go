package realtime

import (
	"context"
	"time"
)

// Store calls on the hot path are retried a few times with a short pause
// before the error surfaces. Transient store failures must never crash a
// worker; the caller decides what a final failure means.
const (
	storeRetryAttempts = 3
	storeRetryPause    = 200 * time.Millisecond
)

// withStoreRetry runs op up to storeRetryAttempts times, pausing between
// attempts. The last error is returned if every attempt fails.
func withStoreRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, storeRetryPause*time.Duration(attempt)) {
				return ctx.Err()
			}
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}

// sleepCtx pauses for d unless the context ends first. Returns false when
// the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
