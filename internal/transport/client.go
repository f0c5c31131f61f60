// Package transport is the HTTP layer shared by every API surface. One
// pooled resty client executes all requests with, in order: concurrent
// GET deduplication, per-endpoint sliding-window rate limiting, and
// retry gated by a circuit breaker. HTTP statuses are mapped to the
// client error taxonomy here so upper layers never see raw status codes.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"polyclob/internal/clierr"
	"polyclob/internal/config"
	"polyclob/internal/ratelimit"
	"polyclob/internal/retry"
)

// Request describes one HTTP call.
type Request struct {
	Method  string
	Base    string // base URL ("" uses the client default)
	Path    string
	Query   map[string]string
	Body    any
	Headers map[string]string
	RateKey string // rate-limit endpoint key; "" skips rate limiting
	Retry   bool
	Result  any // JSON-decoded response target, may be nil
}

// Client is the pooled HTTP transport.
type Client struct {
	http           *resty.Client
	limiter        *ratelimit.Limiter
	policy         retry.Policy
	breaker        *retry.Breaker
	requestTimeout time.Duration
	logRequests    bool
	logger         *slog.Logger

	dedupMu  sync.Mutex
	inflight map[string]*inflightEntry
	cleanup  chan string
	done     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

type inflightEntry struct {
	signal chan struct{} // closed when result/err are readable
	result []byte
	err    error
}

// New creates a transport from settings. Retries are disabled at the
// resty layer; the retry package owns them.
func New(cfg *config.Settings, logger *slog.Logger) *Client {
	httpTransport := &http.Transport{
		MaxIdleConns:        cfg.PoolConnections * cfg.PoolMaxsize,
		MaxIdleConnsPerHost: cfg.PoolMaxsize,
		MaxConnsPerHost:     0, // non-blocking pool: dial beyond idle capacity
		IdleConnTimeout:     90 * time.Second,
	}

	httpClient := resty.New().
		SetBaseURL(cfg.CLOBURL).
		SetTimeout(cfg.RequestTimeout).
		SetTransport(httpTransport).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")

	var limiter *ratelimit.Limiter
	if cfg.EnableRateLimiting {
		limiter = ratelimit.NewLimiter(config.RateLimits(), config.FallbackRateLimit(), cfg.RateLimitMargin)
	}

	c := &Client{
		http:    httpClient,
		limiter: limiter,
		policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   cfg.RetryBackoffMax,
			ExpBase:    cfg.RetryBackoffBase,
		},
		breaker:        retry.NewBreaker("http", cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		requestTimeout: cfg.RequestTimeout,
		logRequests:    cfg.LogRequests,
		logger:         logger.With("component", "transport"),
		inflight:       make(map[string]*inflightEntry),
		cleanup:        make(chan string, 1024),
		done:           make(chan struct{}),
	}

	c.wg.Add(1)
	go c.cleanupWorker()

	return c
}

// RateKey builds the canonical rate-limit key for an endpoint.
func RateKey(method, path string) string {
	return method + ":" + path
}

// Do executes a request. Identical concurrent GETs collapse onto one
// underlying HTTP call; POST/DELETE are never deduplicated.
func (c *Client) Do(ctx context.Context, req Request) error {
	if c.closed.Load() {
		return clierr.New(clierr.KindValidation, "transport", "client is closed")
	}

	if req.Method != http.MethodGet {
		body, err := c.execute(ctx, req)
		if err != nil {
			return err
		}
		return decodeResult(body, req.Result)
	}

	fp, err := Fingerprint(req.Method, req.Path, req.Query, req.Body)
	if err != nil {
		return clierr.Wrap(clierr.KindValidation, "transport", err)
	}

	c.dedupMu.Lock()
	entry, waiting := c.inflight[fp]
	if !waiting {
		entry = &inflightEntry{signal: make(chan struct{})}
		c.inflight[fp] = entry
	}
	c.dedupMu.Unlock()

	if waiting {
		timer := time.NewTimer(c.requestTimeout)
		defer timer.Stop()
		select {
		case <-entry.signal:
			if entry.err != nil {
				return entry.err
			}
			return decodeResult(entry.result, req.Result)
		case <-ctx.Done():
			return clierr.Wrap(clierr.KindTimeout, "transport", ctx.Err())
		case <-timer.C:
			// Leader is stuck past the request timeout: fall through
			// and issue the request ourselves, unregistered.
			c.logger.Warn("dedup wait timed out, re-executing", "fingerprint", fp, "path", req.Path)
			body, err := c.execute(ctx, req)
			if err != nil {
				return err
			}
			return decodeResult(body, req.Result)
		}
	}

	body, execErr := c.execute(ctx, req)
	entry.result = body
	entry.err = execErr
	close(entry.signal)
	c.scheduleCleanup(fp)

	if execErr != nil {
		return execErr
	}
	return decodeResult(body, req.Result)
}

// execute runs rate limiting, then the request through retry+breaker.
func (c *Client) execute(ctx context.Context, req Request) ([]byte, error) {
	if c.limiter != nil && req.RateKey != "" {
		acquireCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}
		if err := c.limiter.Acquire(acquireCtx, req.RateKey); err != nil {
			return nil, err
		}
	}

	var body []byte
	call := func() error {
		var err error
		body, err = c.roundTrip(ctx, req)
		return err
	}

	if !req.Retry {
		return body, c.policy.Once(call)
	}
	err := c.policy.Do(ctx, c.breaker, clierr.Retryable, call)
	return body, err
}

// roundTrip performs one HTTP exchange and maps the outcome.
func (c *Client) roundTrip(ctx context.Context, req Request) ([]byte, error) {
	r := c.http.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}
	if len(req.Headers) > 0 {
		r.SetHeaders(req.Headers)
	}

	url := req.Path
	if req.Base != "" {
		url = req.Base + req.Path
	}

	if c.logRequests {
		c.logger.Debug("http request", "method", req.Method, "path", req.Path)
	}

	resp, err := r.Execute(req.Method, url)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, clierr.Wrap(clierr.KindTimeout, req.Path, err)
		}
		return nil, clierr.Wrap(clierr.KindTransient, req.Path, err)
	}
	if mapped := mapStatus(req.Path, resp); mapped != nil {
		return nil, mapped
	}
	return resp.Body(), nil
}

// mapStatus converts HTTP failures to the error taxonomy. The raw status
// code rides along so callers can branch structurally (404 handling).
func mapStatus(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	var e *clierr.Error
	switch {
	case code < 400:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		e = clierr.New(clierr.KindAuth, op, "status %d: %s", code, errBody(resp))
	case code == http.StatusTooManyRequests:
		e = clierr.New(clierr.KindRateLimit, op, "status 429: %s", errBody(resp))
		if after := resp.Header().Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case code >= 500:
		e = clierr.New(clierr.KindTransient, op, "status %d: %s", code, errBody(resp))
	default:
		e = clierr.New(clierr.KindAPI, op, "status %d: %s", code, errBody(resp))
	}
	e.Status = code
	return e
}

// errBody extracts the server's error message when the body is the
// conventional {"error": "..."} shape, else returns the raw body.
func errBody(resp *resty.Response) string {
	var decoded struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body(), &decoded); err == nil && decoded.Error != "" {
		return decoded.Error
	}
	body := resp.String()
	if len(body) > 512 {
		body = body[:512]
	}
	return body
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}

func decodeResult(body []byte, result any) error {
	if result == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return clierr.Wrap(clierr.KindAPI, "decode_response", err)
	}
	return nil
}

// scheduleCleanup hands the fingerprint to the background worker, which
// deletes it after a short delay so waiters can still read the entry.
// If the queue is full the slot is dropped immediately; waiters already
// hold their entry pointer, so this only shortens the dedup window.
func (c *Client) scheduleCleanup(fp string) {
	select {
	case c.cleanup <- fp:
	default:
		c.dedupMu.Lock()
		delete(c.inflight, fp)
		c.dedupMu.Unlock()
	}
}

func (c *Client) cleanupWorker() {
	defer c.wg.Done()
	const settle = 100 * time.Millisecond

	for {
		select {
		case <-c.done:
			return
		case fp := <-c.cleanup:
			select {
			case <-c.done:
				return
			case <-time.After(settle):
			}
			c.dedupMu.Lock()
			delete(c.inflight, fp)
			c.dedupMu.Unlock()
		}
	}
}

// InflightLen reports the number of registered dedup slots (test hook).
func (c *Client) InflightLen() int {
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	return len(c.inflight)
}

// Close stops the cleanup worker and releases pooled connections. After
// Close no new requests are accepted.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.wg.Wait()
	if t, ok := c.http.GetClient().Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}
