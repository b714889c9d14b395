// Package retry implements exponential backoff for transient downstream
// failures; the embedding providers call it with Default. The job queue
// schedules its own retry backoff and does not use this package.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures an exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      float64
}

// Default mirrors the teacher ai.Service retryWithBackoff constants:
// 3 attempts in all (2 retries), 500ms initial delay doubling each time.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

// Queue is a policy shaped for job-level retries, which allow more
// attempts with a longer ceiling since the cost of failing a whole job
// is higher. Nothing in this module calls it.
func Queue() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    2 * time.Minute,
		Jitter:      0.2,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error from
// fn (shouldRetry returns false), or the policy's attempts run out.
// If shouldRetry is nil, every error is considered retryable.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := p.BaseDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := jitter(delay, p.Jitter)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	span := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * span
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
