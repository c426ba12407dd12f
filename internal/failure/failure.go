// Package failure defines the errors sqlgate synthesizes locally, as opposed
// to errors returned by a backend database. Callers use errors.Is against the
// sentinels in this package to tell "the proxy is protecting itself" apart
// from "the operation failed on the backend".
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, transport-neutral failure identifier.
type Code string

const (
	// CodeCircuitOpen reports that the operation's breaker is open.
	CodeCircuitOpen Code = "circuit_open"
	// CodeCapacityExhausted reports that no execution slot became free in time.
	CodeCapacityExhausted Code = "capacity_exhausted"
	// CodeTxnLimitExceeded reports that the XA branch limit was reached.
	CodeTxnLimitExceeded Code = "txn_limit_exceeded"
	// CodeInterrupted reports that the caller abandoned a wait.
	CodeInterrupted Code = "interrupted"
	// CodeNotFound reports an unknown datasource or transaction branch.
	CodeNotFound Code = "not_found"
	// CodeInvalid reports a malformed request.
	CodeInvalid Code = "invalid_request"
)

// StatusClientClosedRequest is the de-facto status for a request the client
// gave up on.
const StatusClientClosedRequest = 499

// Failure carries transport-neutral error details that adapters map to HTTP
// or other protocols.
type Failure struct {
	Code       Code
	Detail     string
	RetryAfter time.Duration
	HTTPStatus int // optional hint for HTTP adapters
	// Cause is the underlying error, if any. For circuit_open this is the
	// last backend error recorded for the operation.
	Cause error
	// Interrupted marks failures produced because the caller's context ended
	// while waiting, whatever the primary code.
	Interrupted bool
}

var (
	// ErrCircuitOpen matches any circuit_open failure.
	ErrCircuitOpen = &Failure{Code: CodeCircuitOpen}
	// ErrCapacityExhausted matches any capacity_exhausted failure.
	ErrCapacityExhausted = &Failure{Code: CodeCapacityExhausted}
	// ErrTxnLimitExceeded matches any txn_limit_exceeded failure.
	ErrTxnLimitExceeded = &Failure{Code: CodeTxnLimitExceeded}
	// ErrInterrupted matches interrupted failures and any failure flagged Interrupted.
	ErrInterrupted = &Failure{Code: CodeInterrupted}
	// ErrNotFound matches any not_found failure.
	ErrNotFound = &Failure{Code: CodeNotFound}
	// ErrInvalid matches any invalid_request failure.
	ErrInvalid = &Failure{Code: CodeInvalid}
)

func (f *Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return string(f.Code)
}

// Unwrap exposes the cause.
func (f *Failure) Unwrap() error {
	return f.Cause
}

// Is matches sentinel failures by code.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok || t == nil {
		return false
	}
	if t.Code == CodeInterrupted && f.Interrupted {
		return true
	}
	return t.Code == f.Code && t.Detail == ""
}

// As returns the first Failure in err's chain.
func As(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsLocal reports whether err was synthesized by sqlgate rather than returned
// by a backend.
func IsLocal(err error) bool {
	_, ok := As(err)
	return ok
}

// CircuitOpen builds the failure returned while an operation's breaker is open.
// retryAfter is the remaining cooldown.
func CircuitOpen(fingerprint string, last error, retryAfter time.Duration) *Failure {
	detail := "operation " + fingerprint + " is failing fast"
	if last != nil {
		detail += ": " + last.Error()
	}
	return &Failure{
		Code:       CodeCircuitOpen,
		Detail:     detail,
		RetryAfter: retryAfter,
		HTTPStatus: http.StatusServiceUnavailable,
		Cause:      last,
	}
}

// CapacityExhausted builds the failure returned when no slot was obtained.
func CapacityExhausted(lane string, timeout time.Duration) *Failure {
	return &Failure{
		Code:       CodeCapacityExhausted,
		Detail:     fmt.Sprintf("no %s slot available within %s", lane, timeout),
		RetryAfter: time.Second,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// TxnLimitExceeded builds the failure returned by the XA limiter. A non-nil
// cause marks the failure as interrupted.
func TxnLimitExceeded(limit int, timeout time.Duration, cause error) *Failure {
	return &Failure{
		Code:        CodeTxnLimitExceeded,
		Detail:      fmt.Sprintf("maximum of %d concurrent transaction branches reached (waited %s)", limit, timeout),
		RetryAfter:  time.Second,
		HTTPStatus:  http.StatusTooManyRequests,
		Cause:       cause,
		Interrupted: cause != nil,
	}
}

// Interrupted builds the failure returned when the caller cancels a wait.
func Interrupted(what string, cause error) *Failure {
	return &Failure{
		Code:        CodeInterrupted,
		Detail:      "wait for " + what + " cancelled",
		HTTPStatus:  StatusClientClosedRequest,
		Cause:       cause,
		Interrupted: true,
	}
}

// NotFound builds a not_found failure.
func NotFound(format string, args ...any) *Failure {
	return &Failure{Code: CodeNotFound, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusNotFound}
}

// Invalid builds an invalid_request failure.
func Invalid(format string, args ...any) *Failure {
	return &Failure{Code: CodeInvalid, Detail: fmt.Sprintf(format, args...), HTTPStatus: http.StatusBadRequest}
}
