package nonce

import (
	"sync"
	"testing"
	"time"
)

func TestUninitializedAddress(t *testing.T) {
	t.Parallel()
	m := NewManager()

	if _, ok := m.GetAndIncrement("0xA"); ok {
		t.Error("expected ok=false for uninitialized address")
	}
}

func TestSequentialIncrement(t *testing.T) {
	t.Parallel()
	m := NewManager()
	m.Set("0xA", 0)

	for want := uint64(0); want < 5; want++ {
		got, ok := m.GetAndIncrement("0xA")
		if !ok || got != want {
			t.Fatalf("GetAndIncrement = %d, %v; want %d", got, ok, want)
		}
	}
	if v, _ := m.Get("0xA"); v != 5 {
		t.Errorf("stored counter = %d, want 5", v)
	}
}

func TestConcurrentIncrementNoDuplicates(t *testing.T) {
	t.Parallel()
	m := NewManager()
	m.Set("0xA", 0)

	const workers = 100
	results := make(chan uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok := m.GetAndIncrement("0xA")
			if !ok {
				t.Error("unexpected uninitialized")
				return
			}
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for v := range results {
		if seen[v] {
			t.Fatalf("duplicate nonce %d", v)
		}
		if v >= workers {
			t.Fatalf("nonce %d out of range", v)
		}
		seen[v] = true
	}
	if len(seen) != workers {
		t.Fatalf("got %d distinct nonces, want %d", len(seen), workers)
	}
	if v, _ := m.Get("0xA"); v != workers {
		t.Errorf("stored counter = %d, want %d", v, workers)
	}
}

func TestInitFallbackIsRoughlyNow(t *testing.T) {
	t.Parallel()
	m := NewManager()

	before := uint64(time.Now().UnixMilli())
	n := m.InitFallback("0xB")
	if n < before || n > before+fallbackJitter+1000 {
		t.Errorf("fallback nonce %d outside expected band from %d", n, before)
	}
	if v, ok := m.Get("0xB"); !ok || v != n {
		t.Errorf("stored = %d, %v; want %d", v, ok, n)
	}
}

func TestCleanupInactive(t *testing.T) {
	t.Parallel()
	m := NewManager()

	fake := time.Now()
	m.now = func() time.Time { return fake }

	m.Set("old", 1)
	fake = fake.Add(time.Hour)
	m.Set("fresh", 2)

	if n := m.CleanupInactive(30 * time.Minute); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	// The per-address lock must be freed along with the entry.
	m.mu.Lock()
	_, lockGone := m.locks["old"]
	m.mu.Unlock()
	if lockGone {
		t.Error("per-address lock for old entry should be removed")
	}

	if _, ok := m.Get("old"); ok {
		t.Error("old entry should be gone")
	}
	if _, ok := m.Get("fresh"); !ok {
		t.Error("fresh entry should remain")
	}
}

func TestCleanupRevalidatesUnderLock(t *testing.T) {
	t.Parallel()
	m := NewManager()

	fake := time.Now()
	m.now = func() time.Time { return fake }

	m.Set("0xC", 9)
	fake = fake.Add(time.Hour)
	// Touch the entry after the cutoff snapshot would have been taken.
	m.Set("0xC", 10)

	if n := m.CleanupInactive(30 * time.Minute); n != 0 {
		t.Fatalf("removed %d, want 0 (entry was re-touched)", n)
	}
	if v, ok := m.Get("0xC"); !ok || v != 10 {
		t.Errorf("entry = %d, %v; want 10, true", v, ok)
	}
}
