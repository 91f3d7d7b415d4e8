package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies every venue call outcome.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTransient
	KindRejected
	KindFatal
	KindCapabilityUnsupported
	KindInvalidQuantity
	KindInvalidIntent
	KindCircuitOpen
	KindRateLimited
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindRejected:
		return "REJECTED"
	case KindFatal:
		return "FATAL"
	case KindCapabilityUnsupported:
		return "CAPABILITY_UNSUPPORTED"
	case KindInvalidQuantity:
		return "INVALID_QUANTITY"
	case KindInvalidIntent:
		return "INVALID_INTENT"
	case KindCircuitOpen:
		return "CIRCUIT_OPEN"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Sentinels for errors.Is matching against a *CallError.
var (
	ErrTransient             = errors.New("transient venue failure")
	ErrRejected              = errors.New("rejected by venue")
	ErrFatal                 = errors.New("fatal venue failure")
	ErrCapabilityUnsupported = errors.New("capability unsupported")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInvalidIntent         = errors.New("invalid order intent")
	ErrCircuitOpen           = errors.New("circuit open")
	ErrRateLimited           = errors.New("rate limited")
	ErrNotFound              = errors.New("not found")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTransient:
		return ErrTransient
	case KindRejected:
		return ErrRejected
	case KindFatal:
		return ErrFatal
	case KindCapabilityUnsupported:
		return ErrCapabilityUnsupported
	case KindInvalidQuantity:
		return ErrInvalidQuantity
	case KindInvalidIntent:
		return ErrInvalidIntent
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindRateLimited:
		return ErrRateLimited
	case KindNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// CallError is the shared error vocabulary returned by adapters and the
// resilience layer.
type CallError struct {
	Kind  ErrorKind
	Venue string
	Op    string
	Code  string // venue error code, if any
	Msg   string
	Err   error
}

func (e *CallError) Error() string {
	s := fmt.Sprintf("%s %s/%s", e.Kind, e.Venue, e.Op)
	if e.Code != "" {
		s += " code=" + e.Code
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CallError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *CallError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// NewCallError builds a CallError.
func NewCallError(kind ErrorKind, venue, op, msg string, cause error) *CallError {
	return &CallError{Kind: kind, Venue: venue, Op: op, Msg: msg, Err: cause}
}

// Transient wraps cause as a retryable failure.
func Transient(venue, op string, cause error) error {
	return NewCallError(KindTransient, venue, op, "", cause)
}

// Rejected builds a business-rule rejection.
func Rejected(venue, op, code, msg string) error {
	return &CallError{Kind: KindRejected, Venue: venue, Op: op, Code: code, Msg: msg}
}

// Fatal wraps cause as a non-retryable failure that needs escalation.
func Fatal(venue, op string, cause error) error {
	return NewCallError(KindFatal, venue, op, "", cause)
}

// Unsupported reports an operation the venue cannot perform.
func Unsupported(venue, op, what string) error {
	return NewCallError(KindCapabilityUnsupported, venue, op, what, nil)
}

// KindOf classifies err. Deadlines and network timeouts are transient;
// anything unclassified is treated as fatal so it is never retried blindly.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	for _, k := range []ErrorKind{KindTransient, KindRejected, KindFatal, KindCapabilityUnsupported,
		KindInvalidQuantity, KindInvalidIntent, KindCircuitOpen, KindRateLimited, KindNotFound} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindFatal
}

// IsRetryable reports whether the resilience layer may retry err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Reason returns a short reason string for idempotency records.
func Reason(err error) string {
	var ce *CallError
	if errors.As(err, &ce) {
		if ce.Code != "" {
			return ce.Kind.String() + ":" + ce.Code
		}
		if ce.Msg != "" {
			return ce.Kind.String() + ":" + ce.Msg
		}
		return ce.Kind.String()
	}
	return KindOf(err).String()
}
