package service

import (
	"errors"
	"fmt"
)

// Kind classifies service errors so callers can map them to transport
// responses and clients can tell retriable from non-retriable failures.
type Kind string

const (
	// KindValidation: malformed, oversized or empty content, or a sender
	// outside the thread. Rejected synchronously, never retried or queued.
	KindValidation Kind = "validation"
	// KindRateLimit: too many messages or duplicate content. Rejected
	// synchronously with a distinguishable kind so clients can back off.
	KindRateLimit Kind = "rate_limit"
	// KindDelivery: recipient unreachable or a channel provider failure.
	// Absorbed internally; never surfaced as a failure of the send itself.
	KindDelivery Kind = "delivery"
	// KindRetryExhausted: an offline-queue entry ran out of attempts.
	KindRetryExhausted Kind = "retry_exhausted"
)

// Error is the service-level error with a taxonomy kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func rateLimitf(format string, args ...any) *Error {
	return &Error{Kind: KindRateLimit, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the taxonomy kind, or "" for untyped errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsRateLimit reports whether err is a rate-limit rejection.
func IsRateLimit(err error) bool { return KindOf(err) == KindRateLimit }
