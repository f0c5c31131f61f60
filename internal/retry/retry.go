// Package retry wraps transient-failure handling for outbound requests:
// exponential backoff with jitter, gated by a circuit breaker. Whether a
// failure is retryable is a property of its error kind (see clierr), not
// of the call site.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls backoff between attempts. Delay for attempt n is
// base * expBase^n, capped at max, with ±25% uniform jitter.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	ExpBase    float64
}

// DefaultPolicy mirrors the client's configured defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		ExpBase:    2,
	}
}

// Delay returns the backoff before retry attempt n (0-based), jittered.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	exp := p.ExpBase
	if exp < 1 {
		exp = 2
	}
	d := time.Duration(float64(base) * math.Pow(exp, float64(attempt)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	// ±25% uniform jitter
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// Once runs fn exactly once, bypassing both backoff and breaker.
func (p Policy) Once(fn func() error) error {
	return fn()
}

// Do runs fn through the breaker with retries. Non-retryable errors and
// circuit-open failures return immediately; retryable errors back off and
// re-attempt up to MaxRetries times. A nil breaker disables gating.
func (p Policy) Do(ctx context.Context, breaker *Breaker, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			if breaker != nil {
				breaker.Success()
			}
			return nil
		}
		if breaker != nil {
			breaker.Failure()
		}
		lastErr = err

		if !retryable(err) || attempt == p.MaxRetries {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
