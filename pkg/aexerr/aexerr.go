// Package aexerr defines the typed error taxonomy shared by the
// admission, ledger, and dispatch internals. Every user-facing failure
// on the request path is one of these codes; the HTTP layer is the
// only place that maps a Code to RFC 7807 wire fields (see pkg/api),
// mirroring this codebase's "tagged result, not exception" style.
package aexerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a specific failure mode on the admission/dispatch path.
type Code string

const (
	CodeAgentLocked         Code = "AGENT_LOCKED"
	CodeModelNotAllowed     Code = "MODEL_NOT_ALLOWED"
	CodeUnsupportedEndpoint Code = "UNSUPPORTED_ENDPOINT"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeExecutionInProgress Code = "EXECUTION_IN_PROGRESS"
	CodeScopeMismatch       Code = "SCOPE_MISMATCH"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodePolicyDenied        Code = "POLICY_DENIED"
	CodeInsufficientBudget  Code = "INSUFFICIENT_BUDGET"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalid             Code = "INVALID_REQUEST"
	CodeUpstream            Code = "UPSTREAM_ERROR"
	CodeInternal            Code = "INTERNAL"
)

// httpStatus is the fixed HTTP status for each code, per spec.md §4.2/§4.3.
var httpStatus = map[Code]int{
	CodeAgentLocked:         http.StatusLocked,
	CodeModelNotAllowed:     http.StatusForbidden,
	CodeUnsupportedEndpoint: http.StatusBadRequest,
	CodeIdempotencyConflict: http.StatusConflict,
	CodeExecutionInProgress: http.StatusConflict,
	CodeScopeMismatch:       http.StatusForbidden,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodePolicyDenied:        http.StatusForbidden,
	CodeInsufficientBudget:  http.StatusPaymentRequired,
	CodeNotFound:            http.StatusNotFound,
	CodeInvalid:             http.StatusBadRequest,
	CodeUpstream:            http.StatusBadGateway,
	CodeInternal:            http.StatusInternalServerError,
}

// Error is the tagged failure type threaded through the admission and
// dispatch pipeline instead of ad-hoc error strings or panics.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus returns the fixed status code for e.Code.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a tagged error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a tagged error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// As reports whether err (or something it wraps) is an *Error, and if
// so returns it — a thin convenience over errors.As for call sites
// that only need the typed error back.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
