package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Reason is a short machine-readable failure category.
type Reason string

const (
	ReasonUnknown     Reason = "unknown"
	ReasonRequest     Reason = "request"      // transport failure before a response arrived
	ReasonStatus      Reason = "status"       // non-2xx response
	ReasonDecode      Reason = "decode"       // malformed response body
	ReasonProvider    Reason = "provider"     // well-formed error reported by the provider
	ReasonRateLimited Reason = "rate_limited" // local limiter refused or timed out
	ReasonCanceled    Reason = "canceled"
)

// Error is returned by every transcriber in this package.
type Error struct {
	Provider   string
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same request may succeed.
func (e *Error) Retryable() bool {
	switch e.Reason {
	case ReasonRequest:
		return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	case ReasonStatus, ReasonProvider:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
	default:
		return false
	}
}

// ReasonOf extracts the failure category of err.
func ReasonOf(err error) Reason {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ReasonUnknown
}

// IsRetryable reports whether err is an inference error worth retrying.
func IsRetryable(err error) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Retryable()
	}
	return false
}

func requestError(provider string, err error) *Error {
	reason := ReasonRequest
	if errors.Is(err, context.Canceled) {
		reason = ReasonCanceled
	}
	return &Error{Provider: provider, Reason: reason, Err: err}
}
