package errors

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RouteNotFound reports an unknown route identifier.
func RouteNotFound(id uuid.UUID) *Error {
	return Newf(KindRouteNotFound, "route not found: %s", id)
}

// LinkNotFound reports an unknown or disabled pinned link.
func LinkNotFound(id uuid.UUID) *Error {
	return Newf(KindLinkNotFound, "link not found: %s", id).WithLink(id)
}

// LinkUnavailable reports that no eligible link remains for a route.
func LinkUnavailable(routeID uuid.UUID) *Error {
	return Newf(KindLinkUnavailable, "no link available for route %s", routeID)
}

// CircuitBreakerOpen reports a fast-failed call with the remaining open
// window as the retry hint.
func CircuitBreakerOpen(linkID uuid.UUID, remaining time.Duration) *Error {
	return Newf(KindCircuitBreakerOpen, "circuit breaker open for link %s", linkID).
		WithLink(linkID).
		WithRetryAfter(remaining)
}

// ConnectionTimeout reports a timeout during connection establishment.
func ConnectionTimeout(cause error) *Error {
	return Wrap(cause, KindConnectionTimeout, "connection timeout")
}

// RequestTimeout reports a whole-request timeout.
func RequestTimeout(cause error) *Error {
	return Wrap(cause, KindRequestTimeout, "request timeout")
}

// RateLimitExceeded reports a local token-bucket rejection.
func RateLimitExceeded(retryAfter time.Duration) *Error {
	return New(KindRateLimitExceeded, "rate limit exceeded").WithRetryAfter(retryAfter)
}

// PayloadTooLarge reports a payload exceeding a configured cap.
func PayloadTooLarge(size, limit int64) *Error {
	return Newf(KindPayloadTooLarge, "payload too large: %d bytes exceeds limit of %d bytes", size, limit)
}

// ProtocolError reports a wire-level violation.
func ProtocolError(message string) *Error {
	return New(KindProtocolError, fmt.Sprintf("protocol error: %s", message))
}

// AuthenticationFailed reports a credential failure. Not retriable by
// default.
func AuthenticationFailed(message string) *Error {
	return Newf(KindAuthenticationFailed, "authentication failed: %s", message)
}

// SecretNotFound reports missing credential material.
func SecretNotFound(ref uuid.UUID) *Error {
	return Newf(KindSecretNotFound, "secret not found: %s", ref)
}

// DownstreamError reports a non-2xx downstream response surfaced as an
// error (used by the breaker path; callers normally receive the response
// itself).
func DownstreamError(statusCode int, retryAfter time.Duration) *Error {
	e := Newf(KindDownstreamError, "downstream error: status %d", statusCode).WithStatus(statusCode)
	if retryAfter > 0 {
		e = e.WithRetryAfter(retryAfter)
	}
	return e
}

// PluginUnavailable reports that no registered plugin covers the route's
// required protocols and auth type.
func PluginUnavailable(protocol, authType string) *Error {
	return Newf(KindPluginUnavailable, "no plugin for protocol %q and auth type %q", protocol, authType)
}

// StreamAborted reports a stream that terminated with an abort.
func StreamAborted(reason string, bytesReceived int64, resumable bool) *Error {
	return Newf(KindStreamAborted, "stream aborted: %s after %d bytes (resumable=%t)",
		reason, bytesReceived, resumable)
}

// Validation reports invalid caller input.
func Validation(field, message string) *Error {
	return Newf(KindValidation, "validation failed on %s: %s", field, message)
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return Wrap(cause, KindInternal, "internal error")
}
