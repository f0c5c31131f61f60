package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"polyclob/internal/clierr"
	"polyclob/internal/config"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.CLOBURL = baseURL
	cfg.EnableRateLimiting = false
	cfg.RequestTimeout = 2 * time.Second
	cfg.MaxRetries = 2

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(cfg, logger)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConcurrentIdenticalGETsCollapse(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the request so all waiters pile up
		w.Write([]byte(`{"value":"shared"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out struct {
				Value string `json:"value"`
			}
			errs[i] = c.Do(context.Background(), Request{
				Method: http.MethodGet,
				Path:   "/book",
				Query:  map[string]string{"token_id": "123"},
				Result: &out,
			})
			results[i] = out.Value
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Errorf("request %d got %q", i, results[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestDifferentQueryParamsDoNotCollapse(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var wg sync.WaitGroup
	for _, token := range []string{"1", "2"} {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			c.Do(context.Background(), Request{
				Method: http.MethodGet,
				Path:   "/book",
				Query:  map[string]string{"token_id": token},
			})
		}(token)
	}
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}
}

func TestPOSTNeverDeduplicated(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Do(context.Background(), Request{
				Method: http.MethodPost,
				Path:   "/order",
				Body:   map[string]string{"same": "body"},
			})
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("upstream calls = %d, want 3", got)
	}
}

func TestDedupSlotsAreCleanedUp(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/ok"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.InflightLen() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("inflight slots never cleaned up: %d remaining", c.InflightLen())
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   clierr.Kind
	}{
		{"unauthorized", 401, `{"error":"invalid signature"}`, clierr.KindAuth},
		{"forbidden", 403, ``, clierr.KindAuth},
		{"rate_limited", 429, ``, clierr.KindRateLimit},
		{"server_error", 503, `upstream down`, clierr.KindTransient},
		{"bad_request", 400, `{"error":"invalid order"}`, clierr.KindAPI},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := clierr.KindOf(err); got != tc.want {
				t.Errorf("kind = %v, want %v", got, tc.want)
			}
			if got := clierr.StatusOf(err); got != tc.status {
				t.Errorf("status = %d, want %d", got, tc.status)
			}
		})
	}
}

func TestRetryAfterHeaderIsSurfaced(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/order"})
	if got := clierr.RetryAfterOf(err); got != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", got)
	}
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.CLOBURL = srv.URL
	cfg.EnableRateLimiting = false
	cfg.MaxRetries = 3
	cfg.RetryBackoffMax = 20 * time.Millisecond
	c := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// shrink backoff so the test stays fast
	c.policy.BaseDelay = 5 * time.Millisecond
	defer c.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/flaky", Retry: true, Result: &out})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !out.OK || calls.Load() != 3 {
		t.Errorf("ok=%v calls=%d", out.OK, calls.Load())
	}
}

func TestAPIErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid amount"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/order", Retry: true})
	if clierr.KindOf(err) != clierr.KindAPI {
		t.Fatalf("kind = %v", clierr.KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not be retried)", calls.Load())
	}
}

func TestClosedClientRejectsRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
	if err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestFingerprintStableUnderParamOrder(t *testing.T) {
	t.Parallel()

	a, err := Fingerprint("GET", "/book", map[string]string{"a": "1", "b": "2", "c": "3"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fingerprint("get", "/book", map[string]string{"c": "3", "a": "1", "b": "2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("fingerprint length = %d, want 16", len(a))
	}

	other, _ := Fingerprint("GET", "/book", map[string]string{"a": "1", "b": "2"}, nil)
	if other == a {
		t.Error("dropping a param must change the fingerprint")
	}
	withBody, _ := Fingerprint("GET", "/book", map[string]string{"a": "1", "b": "2", "c": "3"}, map[string]int{"x": 1})
	if withBody == a {
		t.Error("adding a body must change the fingerprint")
	}
}
