// Package clierr defines the error taxonomy shared by every layer of the
// client. Each error carries a Kind that callers can switch on, and the
// retry layer consults Retryable to decide whether a failed call may be
// re-attempted.
package clierr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindValidation  Kind = iota // bad price/size/token/expiration — never retried
	KindAuth                    // bad key, bad signature, missing credentials — never retried
	KindRateLimit               // quota exceeded — retryable with backoff
	KindTimeout                 // transport-level timeout — retryable
	KindTransient               // 5xx or connection error — retryable
	KindCircuitOpen             // breaker is open — not retried in the same call
	KindAPI                     // non-transient API rejection (4xx with body)
	KindTrading                 // order rejected by the exchange
	KindBalance                 // reserved-balance bookkeeping bug — surfaced loudly
	KindStream                  // websocket connection/protocol failure
)

// String returns a stable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "authentication"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindCircuitOpen:
		return "circuit_open"
	case KindAPI:
		return "api"
	case KindTrading:
		return "trading"
	case KindBalance:
		return "balance_tracking"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// TradeReason is the sub-kind for KindTrading errors, mapped from the
// exchange's error strings in submission responses.
type TradeReason string

const (
	ReasonInsufficientBalance   TradeReason = "insufficient_balance"
	ReasonInsufficientAllowance TradeReason = "insufficient_allowance"
	ReasonTickViolation         TradeReason = "tick_size_violation"
	ReasonOrderDelayed          TradeReason = "order_delayed"
	ReasonOrderExpired          TradeReason = "order_expired"
	ReasonFOKNotFilled          TradeReason = "fok_not_filled"
	ReasonMarketNotReady        TradeReason = "market_not_ready"
	ReasonNonceConflict         TradeReason = "nonce_conflict"
	ReasonDuplicate             TradeReason = "duplicate_order"
	ReasonUnknown               TradeReason = "unknown"
)

// Error is the single error type surfaced by the client.
type Error struct {
	Kind       Kind
	Op         string        // operation that failed, e.g. "place_order"
	Message    string        // human-readable detail (already sanitized)
	Reason     TradeReason   // set for KindTrading
	Status     int           // HTTP status for errors mapped from a response
	RetryAfter time.Duration // set for KindRateLimit when the server hints
	Err        error         // wrapped cause
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy error with a message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Trading creates a KindTrading error with a sub-kind reason.
func Trading(op string, reason TradeReason, message string) *Error {
	return &Error{Kind: KindTrading, Op: op, Reason: reason, Message: message}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// (plain transport failures) report KindTransient so they stay retryable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// ReasonOf extracts the trading sub-kind, or ReasonUnknown.
func ReasonOf(err error) TradeReason {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return ReasonUnknown
}

// Retryable reports whether a failed call may be re-attempted. Connection
// errors, timeouts, transient API errors and rate limits are retryable;
// validation, auth and circuit-open failures never are.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindRateLimit, KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// StatusOf returns the HTTP status an error was mapped from, or 0 for
// errors that never touched the wire.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// RetryAfterOf returns the server-suggested retry delay, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// reasonPatterns maps lowercase substrings of exchange error messages to
// trading sub-kinds. Checked in order: more specific phrases first.
var reasonPatterns = []struct {
	substr string
	reason TradeReason
}{
	{"not enough balance", ReasonInsufficientBalance},
	{"insufficient balance", ReasonInsufficientBalance},
	{"allowance", ReasonInsufficientAllowance},
	{"invalid tick size", ReasonTickViolation},
	{"tick size", ReasonTickViolation},
	{"order is delayed", ReasonOrderDelayed},
	{"delayed", ReasonOrderDelayed},
	{"order has expired", ReasonOrderExpired},
	{"expired", ReasonOrderExpired},
	{"fok order not fully filled", ReasonFOKNotFilled},
	{"not fully filled", ReasonFOKNotFilled},
	{"market not ready", ReasonMarketNotReady},
	{"not accepting orders", ReasonMarketNotReady},
	{"invalid nonce", ReasonNonceConflict},
	{"nonce", ReasonNonceConflict},
	{"duplicated", ReasonDuplicate},
	{"duplicate", ReasonDuplicate},
}

// ClassifyTradeMessage maps an exchange error string to a TradeReason.
func ClassifyTradeMessage(msg string) TradeReason {
	lower := strings.ToLower(msg)
	for _, p := range reasonPatterns {
		if strings.Contains(lower, p.substr) {
			return p.reason
		}
	}
	return ReasonUnknown
}
