// Package apierr implements bloop's five-kind error taxonomy, mapping
// each kind to an HTTP status code at the boundary.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the five members of bloop's error taxonomy.
type Kind int

const (
	// KindInternal covers pool acquisition failures, writer exceptions
	// after retries, columnar timeouts, and unexpected database errors.
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
)

func (k Kind) status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is bloop's canonical error type. Handlers type-assert or use
// errors.As to recover it and translate to an HTTP response; anything
// that isn't an *Error is treated as KindInternal with an opaque body.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int { return e.Kind.status() }

// Validation builds a 400 with a human-readable reason: size overruns,
// missing required fields, malformed JSON, bad sort field, out-of-range
// scores, bad percentile/FTS query, invalid slug.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds a 401: bad/expired HMAC or bearer, missing scope.
func Unauthorized(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbidden builds a 403: admin-only endpoint hit by a non-admin.
func Forbidden(format string, args ...interface{}) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a 404: unknown fingerprint, trace, rule, channel, project.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal builds a 500 wrapping cause. The message is logged with the
// root cause; the HTTP body stays opaque (see httpapi's writeError).
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// As recovers a *Error from err, or wraps err as an opaque Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("internal error", err)
}
