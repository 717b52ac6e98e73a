// internal/github/retry.go
package github

import (
	"context"
	"time"
)

type nowFunc func() time.Time

type sleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext blocks for d or until ctx is cancelled.
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

// backoffPolicy produces bounded exponential delays for transient server
// errors. Attempt numbering starts at zero; the delay doubles each attempt.
type backoffPolicy struct {
	base        time.Duration
	maxAttempts int
}

func (p backoffPolicy) delay(attempt int) time.Duration {
	return p.base << attempt
}

// rateLimitWaiter sleeps the whole invocation past a rate-limit reset
// boundary, plus a safety margin. Unlike backoffPolicy this is unconditional:
// an exhausted request budget is expected, not exceptional, so the wait is
// not counted against any retry budget.
type rateLimitWaiter struct {
	margin time.Duration
	now    nowFunc
	sleep  sleepFunc
}

func (w rateLimitWaiter) wait(ctx context.Context, reset time.Time) error {
	d := reset.Sub(w.now())
	if d < 0 {
		d = 0
	}
	return w.sleep(ctx, d+w.margin)
}
