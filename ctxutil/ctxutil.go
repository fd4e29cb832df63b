// Copyright (c) 2025 NSVK

package ctxutil

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleep blocks the caller for given timeout duration. Returns early if the
// input context is canceled.
func Sleep(ctx context.Context, d time.Duration) {
	sctx, scancel := context.WithTimeout(ctx, d)
	<-sctx.Done()
	scancel()
}

// SleepRange sleeps for a uniformly random duration between min and max.
// Used for humanizing pauses between orders and accounts; this is pacing,
// not backoff.
func SleepRange(ctx context.Context, min, max time.Duration) {
	if max < min {
		max = min
	}
	d := min
	if max > min {
		d = min + rand.N(max-min)
	}
	Sleep(ctx, d)
}

// DelayFunc returns the pause before retry attempt n (counting from 1).
// Implementations must return a positive duration.
type DelayFunc func(attempt int) time.Duration

// FixedDelay returns a DelayFunc with a constant pause between attempts.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// BackoffDelay returns a DelayFunc that doubles the pause on every attempt
// up to the given limit.
func BackoffDelay(first, limit time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := first << (attempt - 1)
		if d > limit || d <= 0 {
			return limit
		}
		return d
	}
}

// Retry runs the input function up to max times, pausing per the delay
// policy between attempts, until it succeeds or the context is canceled.
// The last error is returned after the attempts are exhausted; it is never
// swallowed.
func Retry(ctx context.Context, max int, delay DelayFunc, f func(context.Context) error) (err error) {
	for i := 1; i <= max; i++ {
		if err = f(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if i < max {
			Sleep(ctx, delay(i))
		}
	}
	return err
}
