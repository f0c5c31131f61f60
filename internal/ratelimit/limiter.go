// Package ratelimit implements per-endpoint sliding-window rate limiting.
//
// The exchange publishes quotas per endpoint as requests-per-window, some
// with separate burst and sustained allowances. Each endpoint key keeps a
// deque of recent request timestamps; Acquire admits a call only when the
// count inside the window is below the effective limit
// (floor(configured * margin)). Callers block, sleeping outside the lock,
// until a slot frees or the context deadline expires.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"polyclob/internal/clierr"
)

// DefaultMargin is the safety factor applied to configured limits so the
// client stays under the exchange's hard quota.
const DefaultMargin = 0.8

// maxSleep caps each blocking interval so context cancellation is
// observed promptly.
const maxSleep = time.Second

// Rule configures one endpoint's quota. Burst/Sustained are optional
// second-tier limits over a longer window.
type Rule struct {
	Limit           int
	Window          time.Duration
	Sustained       int
	SustainedWindow time.Duration
}

type bucket struct {
	mu         sync.Mutex
	times      []time.Time // ascending; pruned on every acquire
	lastAccess time.Time
}

// Limiter tracks one sliding-window bucket per endpoint key.
type Limiter struct {
	mu       sync.Mutex // guards buckets map membership
	buckets  map[string]*bucket
	rules    map[string]Rule
	fallback Rule
	margin   float64
	now      func() time.Time
}

// NewLimiter creates a limiter from an endpoint rule table. Unknown
// endpoints fall back to a conservative quota.
func NewLimiter(rules map[string]Rule, fallback Rule, margin float64) *Limiter {
	if margin <= 0 || margin > 1 {
		margin = DefaultMargin
	}
	if fallback.Limit == 0 {
		fallback = Rule{Limit: 100, Window: 10 * time.Second}
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		rules:    rules,
		fallback: fallback,
		margin:   margin,
		now:      time.Now,
	}
}

func (l *Limiter) rule(key string) Rule {
	if r, ok := l.rules[key]; ok && r.Limit > 0 && r.Window > 0 {
		return r
	}
	return l.fallback
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// effective applies the margin: floor(limit * margin), minimum 1.
func (l *Limiter) effective(limit int) int {
	eff := int(float64(limit) * l.margin)
	if eff < 1 {
		eff = 1
	}
	return eff
}

// Acquire blocks until a request slot for key is admitted or ctx expires.
// The bucket lock is never held while sleeping. On timeout it returns a
// rate-limit error carrying the endpoint and a suggested retry-after.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	r := l.rule(key)
	b := l.bucket(key)
	start := l.now()

	for {
		wait, err := l.tryAcquire(b, r, key)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}

		if deadline, ok := ctx.Deadline(); ok && l.now().After(deadline) {
			e := clierr.New(clierr.KindRateLimit, "rate_limit",
				"endpoint %s quota exhausted after waiting %s", key, l.now().Sub(start).Round(time.Millisecond))
			e.RetryAfter = wait
			return e
		}

		sleep := wait
		if sleep > maxSleep {
			sleep = maxSleep
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			e := clierr.New(clierr.KindRateLimit, "rate_limit",
				"endpoint %s: %v while waiting for quota", key, ctx.Err())
			e.RetryAfter = wait
			return e
		case <-timer.C:
		}
	}
}

// tryAcquire admits the call (wait == 0) or reports how long until the
// oldest in-window timestamp falls out. Internal inconsistencies surface
// as rate-limit errors rather than panics.
func (l *Limiter) tryAcquire(b *bucket, r Rule, key string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.lastAccess = now

	retain := r.Window
	if r.SustainedWindow > retain {
		retain = r.SustainedWindow
	}
	cutoff := now.Add(-retain)
	for len(b.times) > 0 && b.times[0].Before(cutoff) {
		b.times = b.times[1:]
	}

	if wait := windowWait(b.times, now, r.Window, l.effective(r.Limit)); wait > 0 {
		return wait, nil
	}
	if r.Sustained > 0 && r.SustainedWindow > 0 {
		if wait := windowWait(b.times, now, r.SustainedWindow, l.effective(r.Sustained)); wait > 0 {
			return wait, nil
		}
	}

	b.times = append(b.times, now)
	return 0, nil
}

// windowWait counts timestamps inside [now-window, now] and, when the
// effective limit is reached, returns how long until the oldest of them
// expires from the window.
func windowWait(times []time.Time, now time.Time, window time.Duration, limit int) time.Duration {
	cutoff := now.Add(-window)
	first := -1
	count := 0
	for i, ts := range times {
		if !ts.Before(cutoff) {
			if first < 0 {
				first = i
			}
			count++
		}
	}
	if count < limit {
		return 0
	}
	wait := window - now.Sub(times[first])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// CleanupStale removes endpoint buckets untouched for longer than ttl to
// bound memory across long-running processes.
func (l *Limiter) CleanupStale(ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-ttl)
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastAccess.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Validate checks a rule table for configuration errors.
func Validate(rules map[string]Rule) error {
	for key, r := range rules {
		if r.Limit <= 0 || r.Window <= 0 {
			return fmt.Errorf("rate limit rule %q: limit and window must be positive", key)
		}
		if (r.Sustained > 0) != (r.SustainedWindow > 0) {
			return fmt.Errorf("rate limit rule %q: sustained limit and window must be set together", key)
		}
	}
	return nil
}
