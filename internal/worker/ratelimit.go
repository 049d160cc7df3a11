package worker

import (
	"context"
	"sync"
	"time"
)

// slidingLimiter admits at most max starts per rolling window. Wait blocks
// until a slot frees or the context ends.
type slidingLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	starts []time.Time
}

func newSlidingLimiter(max int, window time.Duration) *slidingLimiter {
	if max <= 0 {
		max = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &slidingLimiter{max: max, window: window}
}

// reserve admits the caller immediately or returns the wait until the oldest
// in-window start ages out.
func (l *slidingLimiter) reserve(now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	keep := l.starts[:0]
	for _, t := range l.starts {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.starts = keep

	if len(l.starts) < l.max {
		l.starts = append(l.starts, now)
		return true, 0
	}
	return false, l.starts[0].Sub(cutoff)
}

func (l *slidingLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait := l.reserve(time.Now())
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
