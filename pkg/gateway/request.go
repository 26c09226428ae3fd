package gateway

import (
	"time"

	"github.com/google/uuid"
)

// InvokeRequest describes one outbound call.
type InvokeRequest struct {
	// RouteID identifies the destination route.
	RouteID uuid.UUID
	// LinkID optionally pins a specific link. When set, strategy selection
	// is skipped but the link must be enabled, belong to the route, and its
	// circuit breaker is still consulted.
	LinkID uuid.UUID
	// Method is the HTTP method; defaults to GET when empty.
	Method Method
	// Path is appended to the route's base URL.
	Path string
	// Query parameters, URL-encoded by the plugin.
	Query map[string]string
	// Headers are merged into the outbound request after auth headers.
	Headers map[string]string
	// Body is the request payload; nil for body-less methods.
	Body []byte
	// Timeout overrides the link/engine request timeout when positive.
	Timeout time.Duration
	// Scopes are credential scopes requested from the identity provider.
	Scopes []string
	// Retry is the caller-declared retry policy. The zero value means no
	// retries ever happen.
	Retry RetryIntent
}

// InvokeResponse is the result of a successful attempt. A non-2xx downstream
// status is still delivered as a response, not an error.
type InvokeResponse struct {
	// StatusCode is the downstream HTTP status.
	StatusCode int
	// Headers from the downstream response.
	Headers map[string]string
	// Body is the full response payload.
	Body []byte
	// Duration covers the whole invocation including selection and auth.
	Duration time.Duration
	// LinkID identifies the link that carried the call.
	LinkID uuid.UUID
	// RetryAfter propagates a downstream Retry-After hint, if present.
	RetryAfter time.Duration
	// Attempt is the 1-based attempt number that produced this response.
	Attempt int
}

// Identity names the caller on whose behalf the invocation runs. It keys the
// token cache and sticky-session selection.
type Identity struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
}
