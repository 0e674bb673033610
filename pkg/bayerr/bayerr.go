// Package bayerr defines the single error type every component raises.
// Raw driver, adapter, or storage errors never cross a component boundary
// unwrapped; they are always converted into an *Error here first.
package bayerr

import (
	"fmt"
	"net/http"
)

// Error is the canonical platform error shape, rendered by the API layer as
// {error: {code, message, details, request_id}}.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns a copy of e with one more detail key set.
func (e *Error) WithDetail(key string, value any) *Error {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

func newErr(code, msg string, status int) *Error {
	return &Error{Code: code, Message: msg, HTTPStatus: status}
}

// Wrap attaches a lower-level error as the cause of a platform error without
// letting its type or message leak past Error().
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.cause = cause
	return &out
}

func NotFound(msg string) *Error             { return newErr("not_found", msg, http.StatusNotFound) }
func FileNotFound(msg string) *Error         { return newErr("file_not_found", msg, http.StatusNotFound) }
func Unauthorized(msg string) *Error         { return newErr("unauthorized", msg, http.StatusUnauthorized) }
func Forbidden(msg string) *Error            { return newErr("forbidden", msg, http.StatusForbidden) }
func Validation(msg string) *Error           { return newErr("validation_error", msg, http.StatusBadRequest) }
func InvalidPath(msg string) *Error          { return newErr("invalid_path", msg, http.StatusBadRequest) }
func CapabilityNotSupported(msg string) *Error {
	return newErr("capability_not_supported", msg, http.StatusBadRequest)
}
func Conflict(msg string) *Error          { return newErr("conflict", msg, http.StatusConflict) }
func SandboxExpired(msg string) *Error    { return newErr("sandbox_expired", msg, http.StatusConflict) }
func SandboxTTLInfinite(msg string) *Error {
	return newErr("sandbox_ttl_infinite", msg, http.StatusConflict)
}
func IdempotencyConflict(msg string) *Error {
	return newErr("idempotency_conflict", msg, http.StatusConflict)
}
func SessionNotReady(msg string) *Error { return newErr("session_not_ready", msg, http.StatusServiceUnavailable) }
func Locked(msg string) *Error          { return newErr("locked", msg, http.StatusLocked) }
func Timeout(msg string) *Error         { return newErr("timeout", msg, http.StatusGatewayTimeout) }
func ShipError(msg string) *Error       { return newErr("ship_error", msg, http.StatusBadGateway) }
func Internal(msg string) *Error        { return newErr("internal_error", msg, http.StatusInternalServerError) }

// As reports whether err is (or wraps) a *bayerr.Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if err == nil {
		return nil, false
	}
	if be, ok := err.(*Error); ok {
		return be, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if be, ok := err.(*Error); ok {
			e = be
			return e, true
		}
	}
	return nil, false
}
