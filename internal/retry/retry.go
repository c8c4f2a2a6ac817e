// Package retry implements the exponential-backoff-with-jitter retrier used
// by the blob store adapter and the vision primitives client,
// adapted from Lens/modules/core/pkg/aiclient/retry.go.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy configures the backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	JitterPct   float64 // 0-100
	MaxDelay    time.Duration
}

// DefaultPolicy returns the baseline backoff schedule (5, 200ms, 2, 25%, 10s).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   200 * time.Millisecond,
		Factor:      2,
		JitterPct:   25,
		MaxDelay:    10 * time.Second,
	}
}

// ClassifyFunc reports whether err belongs to a transient class worth
// retrying. Callers supply this since retryability is a property of the
// calling component's error taxonomy (apperrors.IsRetryable, or a narrower
// classifier for e.g. MinIO error codes).
type ClassifyFunc func(err error) bool

// Do runs fn, retrying transient failures per p until it succeeds, a
// non-retryable error is returned, or attempts are exhausted. The delay
// before attempt i (i>=1) is BaseDelay * Factor^(i-1), capped at MaxDelay,
// jittered by +/- JitterPct%.
func Do(ctx context.Context, p Policy, classify ClassifyFunc, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.delay(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !classify(err) {
			return err
		}
	}
	return lastErr
}

// DoWithResult is the generic, value-returning variant of Do.
func DoWithResult[T any](ctx context.Context, p Policy, classify ClassifyFunc, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.delay(attempt)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !classify(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.JitterPct > 0 {
		spread := d * (p.JitterPct / 100)
		d += spread * (rand.Float64()*2 - 1)
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}
