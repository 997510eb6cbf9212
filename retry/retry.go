package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy wraps an operation with retries.
type Policy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Once runs the operation a single time.
type Once struct{}

func (Once) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Backoff retries an operation on any error, doubling the wait between
// attempts up to MaxDelay. A zero BaseDelay and MaxDelay retries back to back.
type Backoff struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

func (r Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if last = fn(ctx); last == nil {
			return nil
		}

		if i == attempts-1 {
			break
		}

		d := r.delay(i)
		if d <= 0 {
			continue
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return last
}

// delay returns the wait after the given (zero based) failed attempt.
func (r Backoff) delay(attempt int) time.Duration {
	if r.BaseDelay <= 0 && r.MaxDelay <= 0 {
		return 0
	}

	base := r.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := r.MaxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	if max < base {
		max = base
	}

	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if r.Jitter {
		j := 0.8 + rand.Float64()*0.4
		d = time.Duration(float64(d) * j)
	}
	if d > max {
		d = max
	}
	return d
}
