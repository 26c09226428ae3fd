package gateway

import (
	"time"

	"github.com/google/uuid"
)

// Method is an HTTP method for outbound requests.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
)

// Well-known wire protocol identifiers a Route may require and a plugin may
// support.
const (
	ProtocolHTTP11 = "http/1.1"
	ProtocolHTTP2  = "http/2"
	ProtocolHTTP3  = "http/3"
	ProtocolSSE    = "sse"
)

// Well-known auth type identifiers.
const (
	AuthBearerToken       = "bearer_token"
	AuthAPIKeyHeader      = "api_key_header"
	AuthAPIKeyQuery       = "api_key_query"
	AuthOAuth2ClientCreds = "oauth2_client_creds"
)

// Well-known link selection strategy identifiers.
const (
	StrategyPriority   = "priority"
	StrategySticky     = "sticky_session"
	StrategyRoundRobin = "round_robin"
)

// Route is a logical outbound destination. It is immutable for the duration
// of an invocation; mutation happens only through the external configuration
// store.
type Route struct {
	// ID uniquely identifies the route.
	ID uuid.UUID
	// TenantID is the tenant owning this route.
	TenantID uuid.UUID
	// BaseURL is the downstream base address; request paths are appended.
	BaseURL string
	// RequiredProtocols lists the wire protocols a plugin must support to
	// serve this route.
	RequiredProtocols []string
	// AuthType identifies the authentication mechanism required downstream.
	AuthType string
	// RateLimit configures the per-(tenant, route) token bucket. A zero
	// value disables rate limiting for the route.
	RateLimit RateLimitPolicy
	// CreatedAt and UpdatedAt are maintained by the configuration store.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RateLimitPolicy configures a route's token bucket.
type RateLimitPolicy struct {
	// RequestsPerMinute is the sustained refill rate. Zero disables limiting.
	RequestsPerMinute int
	// Burst is the bucket capacity. Defaults to RequestsPerMinute/6 with a
	// floor of 1 when left zero.
	Burst int
}

// Enabled reports whether the policy imposes any limit.
func (p RateLimitPolicy) Enabled() bool {
	return p.RequestsPerMinute > 0
}

// Link is one credentialed network path realizing a Route. Many links may
// serve one route; exactly one is chosen per invocation.
type Link struct {
	// ID uniquely identifies the link.
	ID uuid.UUID
	// TenantID is the tenant owning this link.
	TenantID uuid.UUID
	// RouteID is the route this link serves.
	RouteID uuid.UUID
	// SecretRef references credential material in the secret store.
	SecretRef uuid.UUID
	// Enabled gates the link out of selection entirely when false.
	Enabled bool
	// Priority orders links during selection; lower wins.
	Priority int
	// Strategy selects the link-selection algorithm for the route
	// (StrategyPriority, StrategySticky or StrategyRoundRobin).
	Strategy string
	// ConnectTimeout bounds connection establishment. Zero falls back to
	// the engine default.
	ConnectTimeout time.Duration
	// RequestTimeout bounds the whole request. Zero falls back to the
	// engine default.
	RequestTimeout time.Duration
	// Breaker overrides the engine's circuit breaker thresholds for this
	// link. Zero fields fall back to engine defaults.
	Breaker BreakerPolicy
	// CreatedAt and UpdatedAt are maintained by the configuration store.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BreakerPolicy carries per-link circuit breaker thresholds.
type BreakerPolicy struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures. Zero means use the engine default.
	FailureThreshold int
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive trial successes. Zero means use the engine default.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before admitting a
	// trial call. Zero means use the engine default.
	OpenTimeout time.Duration
}

// Secret is resolved credential material.
type Secret struct {
	// ID of the secret record.
	ID uuid.UUID
	// AuthType identifies how the value is applied to a request.
	AuthType string
	// Value holds the credential itself.
	Value string
	// Metadata carries auxiliary data, e.g. the header name for an API key.
	Metadata map[string]string
	// ExpiresAt is the instant the credential stops being valid; zero means
	// it does not expire.
	ExpiresAt time.Time
}
