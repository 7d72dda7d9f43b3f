// Package apperrors defines the closed error taxonomy used across the
// sync, ACL, OAuth, and organization-lifecycle pipelines. Every error
// surfaced to a caller carries one of these kinds so the HTTP layer and
// the retry logic can make decisions without type-switching on concrete
// error values.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a closed taxonomy of error categories. New kinds must be added
// here, never inferred from a message string.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPaymentRequired Kind = "payment_required"
	KindUsageLimit      Kind = "usage_limit"
	KindRateLimit       Kind = "rate_limit"
	KindRemoteProvider  Kind = "remote_provider"
	KindInvariant       Kind = "invariant"
)

// httpStatus maps each kind to its default HTTP status. Individual
// errors may override this via WithStatus.
var httpStatus = map[Kind]int{
	KindValidation:      http.StatusBadRequest,
	KindAuth:            http.StatusUnauthorized,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindPaymentRequired: http.StatusPaymentRequired,
	KindUsageLimit:      http.StatusTooManyRequests,
	KindRateLimit:       http.StatusTooManyRequests,
	KindRemoteProvider:  http.StatusBadGateway,
	KindInvariant:       http.StatusInternalServerError,
}

// Error is the single error type the rest of the module raises. It
// wraps an underlying cause (optional) and carries a kind, a
// caller-safe message, and structured details for the HTTP layer.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Details map[string]any
	cause   error
	retry   bool
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code to answer the caller with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the pipeline may retry the operation that
// produced this error (transient remote-provider errors only, per the
// §7 taxonomy — validation, auth, and invariant errors never retry).
func (e *Error) Retryable() bool { return e.retry }

// New creates a bare error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a bare error of the given kind with formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause, preserving
// it for unwrapping (logging may include it; API responses must not).
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured detail fields (e.g. {limit, current_usage})
// returned verbatim in the API error body.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithStatus overrides the default HTTP status for this kind.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// AsRetryable marks a remote-provider error as transient and eligible for
// the circuit-breaker/backoff retry path (§4.4.6).
func (e *Error) AsRetryable() *Error {
	e.retry = true
	return e
}

// KindOf reports the Kind of err when it is (or wraps) an *Error, so
// callers compare kinds without errors.Is(err, KindNotFound).
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.retry
	}
	return false
}

// Sanitize strips a cause and details down to a message safe to store on
// SyncJob.error or return to a caller — no stack traces, no secrets.
func Sanitize(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return fmt.Sprintf("%s: %s", ae.Kind, ae.Message)
	}
	return "internal error"
}

// Common sentinel-style constructors used throughout the pipeline.

func NoValidAuthentication() *Error {
	return New(KindAuth, "no_valid_authentication")
}

func OrganizationContextRequired() *Error {
	return New(KindValidation, "organization_context_required").WithStatus(http.StatusBadRequest)
}

func OrgAccessDenied(orgID string) *Error {
	return Newf(KindAuth, "organization access denied: %s", orgID).WithStatus(http.StatusForbidden)
}

func SyncFailure(cause error, message string) *Error {
	return Wrap(KindInvariant, cause, message)
}

func UsageLimitExceeded(limit, current int64) *Error {
	return New(KindUsageLimit, "usage limit exceeded").WithDetails(map[string]any{
		"limit":         limit,
		"current_usage": current,
	})
}

func PaymentRequired(action string) *Error {
	return Newf(KindPaymentRequired, "billing status restricts action %q", action)
}
