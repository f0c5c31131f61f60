package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"polyclob/internal/clierr"
)

func fastPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, ExpBase: 2}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().Do(context.Background(), nil, clierr.Retryable, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestDoRetriesTransient(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().Do(context.Background(), nil, clierr.Retryable, func() error {
		calls++
		if calls < 3 {
			return clierr.New(clierr.KindTransient, "op", "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoNeverRetriesValidation(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().Do(context.Background(), nil, clierr.Retryable, func() error {
		calls++
		return clierr.New(clierr.KindValidation, "op", "bad price")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want 1 call and an error", err, calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy().Do(context.Background(), nil, clierr.Retryable, func() error {
		calls++
		return clierr.New(clierr.KindTimeout, "op", "deadline")
	})
	if err == nil {
		t.Fatal("expected final error")
	}
	if calls != 4 { // 1 initial + 3 retries
		t.Errorf("calls = %d, want 4", calls)
	}
}

func TestDelayBoundsAndJitter(t *testing.T) {
	t.Parallel()

	p := Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, ExpBase: 2}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		if d < 0 {
			t.Fatalf("negative delay at attempt %d", attempt)
		}
		// cap * 1.25 is the absolute ceiling after jitter
		if d > time.Duration(float64(time.Second)*1.25) {
			t.Fatalf("delay %s exceeds jittered cap", d)
		}
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker("api", 3, time.Hour)
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		b.Failure()
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("breaker should be open")
	}
	var ce *clierr.Error
	if !errors.As(err, &ce) || ce.Kind != clierr.KindCircuitOpen {
		t.Fatalf("expected circuit-open error, got %v", err)
	}
	if b.State() != "open" {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b := NewBreaker("api", 1, 10*time.Millisecond)
	fake := time.Now()
	b.now = func() time.Time { return fake }

	b.Allow()
	b.Failure()
	if b.State() != "open" {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Before timeout: rejected.
	if err := b.Allow(); err == nil {
		t.Fatal("expected rejection while open")
	}

	// After timeout: exactly one probe passes.
	fake = fake.Add(20 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("second concurrent probe should be rejected")
	}

	// Probe success closes the breaker.
	b.Success()
	if b.State() != "closed" {
		t.Errorf("state = %s, want closed", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("closed breaker should allow: %v", err)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := NewBreaker("api", 1, 10*time.Millisecond)
	fake := time.Now()
	b.now = func() time.Time { return fake }

	b.Allow()
	b.Failure()
	fake = fake.Add(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	b.Failure()
	if b.State() != "open" {
		t.Errorf("state = %s, want open after failed probe", b.State())
	}
}

func TestDoWithBreakerShortCircuits(t *testing.T) {
	t.Parallel()

	b := NewBreaker("api", 1, time.Hour)
	calls := 0
	fn := func() error {
		calls++
		return clierr.New(clierr.KindTransient, "op", "down")
	}

	p := Policy{MaxRetries: 0, BaseDelay: time.Millisecond, ExpBase: 2}
	if err := p.Do(context.Background(), b, clierr.Retryable, fn); err == nil {
		t.Fatal("expected failure")
	}

	// Breaker is now open: the next Do fails without invoking fn.
	err := p.Do(context.Background(), b, clierr.Retryable, fn)
	if clierr.KindOf(err) != clierr.KindCircuitOpen {
		t.Fatalf("expected circuit-open, got %v", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1", calls)
	}
}
