package store

import (
	"context"
	"math/rand"
	"time"
)

// WithRetry calls fn, retrying on error with exponential backoff per
// cfg until it succeeds, ctx is cancelled, or the overall grace window
// elapses (§4.2: "retried with exponential backoff (base 100ms, cap 5s,
// jitter); if failures persist beyond a grace window (30s) the session
// marks itself degraded"). Returns the last error if the grace window
// expires first.
func WithRetry(ctx context.Context, cfg RetryConfig, graceWindow time.Duration, fn func(context.Context) error) error {
	deadline := time.Now().Add(graceWindow)
	delay := cfg.Base

	var lastErr error
	for {
		opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		lastErr = fn(opCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return lastErr
		}

		sleep := jitter(delay, cfg.Jitter)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > cfg.Cap {
			delay = cfg.Cap
		}
	}
}

// jitter randomizes d by up to frac in either direction.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	spread := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * spread
	result := float64(d) + offset
	if result < 0 {
		return 0
	}
	return time.Duration(result)
}
