package client

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (0-based): base
// doubled per attempt, capped at ceiling, with jitter drawn from [d/2, d].
// jitter returns a value in [0, n); nil uses math/rand.
func Backoff(attempt int, base, ceiling time.Duration, jitter func(n int64) int64) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if ceiling > 0 && d >= ceiling {
			d = ceiling
			break
		}
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	if jitter == nil {
		jitter = rand.Int64N
	}
	return time.Duration(half + jitter(half+1))
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
