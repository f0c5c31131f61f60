package balance

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"polyclob/internal/clierr"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReserveAndRelease(t *testing.T) {
	t.Parallel()

	r := NewReserved()
	if err := r.Reserve("w1", d("100.50")); err != nil {
		t.Fatal(err)
	}
	if err := r.Reserve("w1", d("49.50")); err != nil {
		t.Fatal(err)
	}
	if got := r.Get("w1"); !got.Equal(d("150")) {
		t.Errorf("reserved = %s, want 150", got)
	}

	if err := r.Release("w1", d("150")); err != nil {
		t.Fatal(err)
	}
	if got := r.Get("w1"); !got.IsZero() {
		t.Errorf("reserved = %s after full release", got)
	}
}

func TestOverReleaseFailsLoudly(t *testing.T) {
	t.Parallel()

	r := NewReserved()
	r.Reserve("w1", d("10"))

	err := r.Release("w1", d("10.000001"))
	if err == nil {
		t.Fatal("over-release must error, not clamp")
	}
	if clierr.KindOf(err) != clierr.KindBalance {
		t.Errorf("kind = %v", clierr.KindOf(err))
	}
	// Failed release must leave the ledger untouched.
	if got := r.Get("w1"); !got.Equal(d("10")) {
		t.Errorf("reserved = %s, want 10", got)
	}

	if err := r.Release("unknown", d("1")); err == nil {
		t.Error("release against empty wallet must error")
	}
}

func TestNegativeAmountsRejected(t *testing.T) {
	t.Parallel()

	r := NewReserved()
	if err := r.Reserve("w", d("-1")); err == nil {
		t.Error("negative reserve accepted")
	}
	if err := r.Release("w", d("-1")); err == nil {
		t.Error("negative release accepted")
	}
}

func TestConcurrentReserveReleaseBalancesOut(t *testing.T) {
	t.Parallel()

	r := NewReserved()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Reserve("w", d("2"))
			r.Release("w", d("1"))
		}()
	}
	wg.Wait()

	if got := r.Get("w"); !got.Equal(decimal.NewFromInt(n)) {
		t.Errorf("reserved = %s, want %d", got, n)
	}
}
