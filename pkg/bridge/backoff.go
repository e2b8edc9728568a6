package bridge

import (
	"context"
	"math/rand/v2"
	"time"
)

// backoff returns the delay before reconnect attempt n (1-based): initial
// doubled per attempt, capped at max, with jitter in [d/2, d].
func backoff(n int, initial, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int64N(int64(half)+1))
}

// sleepCtx waits for d or until either context is done.
func sleepCtx(ctx, session context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-session.Done():
		return ErrSessionClosed
	}
}
