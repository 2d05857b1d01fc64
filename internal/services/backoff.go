package services

import (
	"context"
	"math/rand"
	"time"
)

// backoffWithJitter returns base*2^(attempt-1) with +/-12.5% jitter, capped at maxDelay.
func backoffWithJitter(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}

	delay := base << (attempt - 1)
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}
	if spread := int64(delay / 4); spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/8
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
