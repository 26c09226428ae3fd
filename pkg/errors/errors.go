// Package errors defines the structured error taxonomy of the outbound
// invocation engine. Every engine failure carries a Kind, a default
// retriable hint, and optionally a retry-after duration propagated from rate
// limiters, circuit breakers, or the downstream service.
//
// The retriable hint is advisory: the engine only retries when the caller's
// RetryIntent explicitly lists a matching condition.
package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an engine error. Kinds are stable identifiers; callers
// match on them to drive retry and fallback behavior.
type Kind string

const (
	KindRouteNotFound        Kind = "route_not_found"
	KindLinkNotFound         Kind = "link_not_found"
	KindLinkUnavailable      Kind = "link_unavailable"
	KindCircuitBreakerOpen   Kind = "circuit_breaker_open"
	KindConnectionTimeout    Kind = "connection_timeout"
	KindRequestTimeout       Kind = "request_timeout"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindPayloadTooLarge      Kind = "payload_too_large"
	KindProtocolError        Kind = "protocol_error"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindSecretNotFound       Kind = "secret_not_found"
	KindDownstreamError      Kind = "downstream_error"
	KindPluginUnavailable    Kind = "plugin_unavailable"
	KindStreamAborted        Kind = "stream_aborted"
	KindValidation           Kind = "validation"
	KindInternal             Kind = "internal"
)

// retriableByDefault lists kinds whose failures are transient in nature.
// AuthenticationFailed and ProtocolError are deliberately absent.
var retriableByDefault = map[Kind]bool{
	KindLinkUnavailable:    true,
	KindCircuitBreakerOpen: true,
	KindConnectionTimeout:  true,
	KindRequestTimeout:     true,
	KindRateLimitExceeded:  true,
	KindDownstreamError:    true,
}

// EngineError is the error surface exposed by the engine.
type EngineError interface {
	error

	// Kind returns the stable error classification.
	Kind() Kind

	// Retriable reports whether this class of failure is transient. The
	// engine still requires an explicit caller RetryIntent to act on it.
	Retriable() bool

	// RetryAfter returns a wait hint and whether one is present.
	RetryAfter() (time.Duration, bool)

	// LinkID returns the link involved, if any.
	LinkID() uuid.UUID

	// StatusCode returns the downstream HTTP status for DownstreamError,
	// zero otherwise.
	StatusCode() int

	// Unwrap returns the underlying cause.
	Unwrap() error
}

// Error is the concrete EngineError implementation. Constructors below fill
// it in; the With* methods derive modified copies.
type Error struct {
	kind       Kind
	message    string
	detail     string
	retryAfter time.Duration
	hasRetry   bool
	linkID     uuid.UUID
	statusCode int
	cause      error
}

// New creates an EngineError of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Newf creates an EngineError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new EngineError.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

func (e *Error) Error() string {
	msg := e.message
	if e.detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.detail)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Kind returns the error classification.
func (e *Error) Kind() Kind { return e.kind }

// Retriable reports the default transience of this kind.
func (e *Error) Retriable() bool { return retriableByDefault[e.kind] }

// RetryAfter returns the wait hint attached to the error.
func (e *Error) RetryAfter() (time.Duration, bool) { return e.retryAfter, e.hasRetry }

// LinkID returns the link the error relates to, or uuid.Nil.
func (e *Error) LinkID() uuid.UUID { return e.linkID }

// StatusCode returns the downstream status for DownstreamError, else zero.
func (e *Error) StatusCode() int { return e.statusCode }

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail returns a copy carrying additional detail text.
func (e *Error) WithDetail(detail string) *Error {
	c := *e
	if c.detail != "" {
		c.detail = fmt.Sprintf("%s; %s", c.detail, detail)
	} else {
		c.detail = detail
	}
	return &c
}

// WithRetryAfter returns a copy carrying a wait hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.retryAfter = d
	c.hasRetry = true
	return &c
}

// WithLink returns a copy associated with a link.
func (e *Error) WithLink(id uuid.UUID) *Error {
	c := *e
	c.linkID = id
	return &c
}

// WithStatus returns a copy carrying a downstream status code.
func (e *Error) WithStatus(code int) *Error {
	c := *e
	c.statusCode = code
	return &c
}

// Is matches errors by kind so callers can use errors.Is with sentinel
// *Error values.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.kind == t.kind
	}
	return false
}

// As delegates to the standard library so callers need only this package.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// KindOf extracts the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var ee EngineError
	if errors.As(err, &ee) {
		return ee.Kind()
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ee EngineError
	return errors.As(err, &ee) && ee.Kind() == kind
}

// RetryAfterOf extracts the retry-after hint of err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ee EngineError
	if errors.As(err, &ee) {
		return ee.RetryAfter()
	}
	return 0, false
}
