package retry

import (
	"sync"
	"time"

	"polyclob/internal/clierr"
)

// breakerState is the circuit breaker state machine position.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a named circuit breaker. CLOSED passes all calls; after
// threshold consecutive failures it OPENs and fails calls immediately
// until timeout elapses, then HALF_OPEN admits a single probe whose
// outcome decides the next state. All state transitions happen under one
// lock so concurrent callers cannot race a transition.
type Breaker struct {
	mu          sync.Mutex
	name        string
	threshold   int
	timeout     time.Duration
	state       breakerState
	failures    int
	lastFailure time.Time
	probing     bool // a half-open probe is in flight
	now         func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, timeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Allow reports whether a call may proceed. In OPEN it returns a
// circuit-open error until the cool-down elapses; in HALF_OPEN only one
// probe is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.now().Sub(b.lastFailure) >= b.timeout {
			b.state = stateHalfOpen
			b.probing = true
			return nil
		}
		return clierr.New(clierr.KindCircuitOpen, b.name,
			"circuit open, retry after %s", b.timeout-b.now().Sub(b.lastFailure))
	case stateHalfOpen:
		if b.probing {
			return clierr.New(clierr.KindCircuitOpen, b.name, "half-open probe already in flight")
		}
		b.probing = true
		return nil
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.state = stateClosed
	b.failures = 0
}

// Failure records a failed call, tripping the breaker when the threshold
// is reached or a half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	b.failures++
	b.lastFailure = b.now()
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
	}
}

// State returns the breaker's current state name (for logs and stats).
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}
