package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"polyclob/internal/clierr"
)

func TestAcquireWithinLimit(t *testing.T) {
	t.Parallel()
	l := NewLimiter(map[string]Rule{
		"GET:/book": {Limit: 5, Window: 10 * time.Second},
	}, Rule{}, 1.0)

	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background(), "GET:/book"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestAcquireBlocksAtLimit(t *testing.T) {
	t.Parallel()
	l := NewLimiter(map[string]Rule{
		"GET:/book": {Limit: 2, Window: 200 * time.Millisecond},
	}, Rule{}, 1.0)

	ctx := context.Background()
	if err := l.Acquire(ctx, "GET:/book"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx, "GET:/book"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, "GET:/book"); err != nil {
		t.Fatal(err)
	}
	if waited := time.Since(start); waited < 150*time.Millisecond {
		t.Errorf("third acquire waited %s, want >= ~200ms window", waited)
	}
}

func TestAcquireTimeoutReturnsRateLimitError(t *testing.T) {
	t.Parallel()
	l := NewLimiter(map[string]Rule{
		"POST:/orders": {Limit: 1, Window: time.Minute},
	}, Rule{}, 1.0)

	if err := l.Acquire(context.Background(), "POST:/orders"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "POST:/orders")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var ce *clierr.Error
	if !errors.As(err, &ce) || ce.Kind != clierr.KindRateLimit {
		t.Fatalf("expected rate-limit error, got %v", err)
	}
	if ce.RetryAfter <= 0 {
		t.Error("expected a suggested retry-after")
	}
}

func TestLockNotHeldAcrossSleep(t *testing.T) {
	t.Parallel()
	l := NewLimiter(map[string]Rule{
		"a": {Limit: 1, Window: time.Minute},
		"b": {Limit: 10, Window: time.Second},
	}, Rule{}, 1.0)

	ctx := context.Background()
	if err := l.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	// Saturated endpoint "a" blocks in the background.
	blocked := make(chan struct{})
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		l.Acquire(waitCtx, "a")
		close(blocked)
	}()

	// A different endpoint must not block behind it.
	start := time.Now()
	if err := l.Acquire(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if took := time.Since(start); took > 100*time.Millisecond {
		t.Errorf("acquire on independent endpoint took %s", took)
	}
	<-blocked
}

func TestEffectiveLimitAppliesMargin(t *testing.T) {
	t.Parallel()
	// limit 10, margin 0.5 -> 5 admitted before blocking
	l := NewLimiter(map[string]Rule{
		"k": {Limit: 10, Window: time.Minute},
	}, Rule{}, 0.5)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, "k"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.Acquire(waitCtx, "k"); err == nil {
		t.Error("sixth acquire should exceed effective limit 5")
	}
}

func TestUnknownEndpointUsesFallback(t *testing.T) {
	t.Parallel()
	l := NewLimiter(nil, Rule{Limit: 2, Window: time.Minute}, 1.0)

	ctx := context.Background()
	if err := l.Acquire(ctx, "GET:/whatever"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx, "GET:/whatever"); err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.Acquire(waitCtx, "GET:/whatever"); err == nil {
		t.Error("fallback limit should apply to unknown endpoints")
	}
}

func TestSustainedWindowEnforced(t *testing.T) {
	t.Parallel()
	l := NewLimiter(map[string]Rule{
		"k": {Limit: 100, Window: 50 * time.Millisecond, Sustained: 3, SustainedWindow: time.Minute},
	}, Rule{}, 1.0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, "k"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if err := l.Acquire(waitCtx, "k"); err == nil {
		t.Error("fourth acquire should hit the sustained limit")
	}
}

func TestConcurrentAcquireRespectsWindow(t *testing.T) {
	t.Parallel()
	l := NewLimiter(map[string]Rule{
		"k": {Limit: 5, Window: time.Minute},
	}, Rule{}, 1.0)

	var admitted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			if err := l.Acquire(ctx, "k"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 5 {
		t.Errorf("admitted %d calls in window, want exactly 5", admitted)
	}
}

func TestCleanupStale(t *testing.T) {
	t.Parallel()
	l := NewLimiter(nil, Rule{Limit: 10, Window: time.Second}, 1.0)

	fake := time.Now()
	l.now = func() time.Time { return fake }

	l.Acquire(context.Background(), "old")
	fake = fake.Add(time.Hour)
	l.Acquire(context.Background(), "fresh")

	if n := l.CleanupStale(30 * time.Minute); n != 1 {
		t.Errorf("removed %d buckets, want 1", n)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(map[string]Rule{"ok": {Limit: 1, Window: time.Second}}); err != nil {
		t.Errorf("valid table rejected: %v", err)
	}
	if err := Validate(map[string]Rule{"bad": {Limit: 0, Window: time.Second}}); err == nil {
		t.Error("zero limit should be rejected")
	}
	if err := Validate(map[string]Rule{"bad": {Limit: 1, Window: time.Second, Sustained: 5}}); err == nil {
		t.Error("sustained without window should be rejected")
	}
}
