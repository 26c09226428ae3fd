// Package oagw provides an outbound invocation engine: policy-governed
// outbound API calls with link selection, circuit breaking, rate limiting,
// credential resolution and stream supervision.
package oagw

import (
	"github.com/gatewaykit/oagw-go/pkg/audit"
	"github.com/gatewaykit/oagw-go/pkg/engine"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
	"github.com/gatewaykit/oagw-go/pkg/logging"
	"github.com/gatewaykit/oagw-go/pkg/plugin"
	"github.com/gatewaykit/oagw-go/pkg/plugin/httpplugin"
	"github.com/gatewaykit/oagw-go/pkg/store"
)

// Version represents the current version of the module
const Version = "1.0.0"

// These exports provide direct access to the core components
var (
	// NewEngine creates a new invocation engine
	NewEngine = engine.New

	// DefaultEngineConfig returns the engine defaults
	DefaultEngineConfig = engine.DefaultConfig

	// NewRegistry creates a new plugin registry
	NewRegistry = plugin.NewRegistry

	// NewHTTPPlugin creates the default HTTP plugin
	NewHTTPPlugin = httpplugin.New

	// DefaultHTTPPluginConfig returns the HTTP plugin defaults
	DefaultHTTPPluginConfig = httpplugin.DefaultConfig

	// NewMemoryStore creates an in-memory config store
	NewMemoryStore = store.NewMemoryStore

	// NewAuditRecorder creates an audit recorder
	NewAuditRecorder = audit.NewRecorder

	// NewLogger creates a structured logger
	NewLogger = logging.New
)

// Well-known identifiers re-exported for callers
const (
	ProtocolHTTP11 = gateway.ProtocolHTTP11
	ProtocolHTTP2  = gateway.ProtocolHTTP2
	ProtocolHTTP3  = gateway.ProtocolHTTP3
	ProtocolSSE    = gateway.ProtocolSSE

	AuthBearerToken       = gateway.AuthBearerToken
	AuthAPIKeyHeader      = gateway.AuthAPIKeyHeader
	AuthAPIKeyQuery       = gateway.AuthAPIKeyQuery
	AuthOAuth2ClientCreds = gateway.AuthOAuth2ClientCreds

	StrategyPriority   = gateway.StrategyPriority
	StrategySticky     = gateway.StrategySticky
	StrategyRoundRobin = gateway.StrategyRoundRobin
)

// Retry conditions and scopes
const (
	RetryOnConnectionTimeout = gateway.RetryOnConnectionTimeout
	RetryOnRequestTimeout    = gateway.RetryOnRequestTimeout
	RetryOnConnectError      = gateway.RetryOnConnectError
	RetryOnRateLimited       = gateway.RetryOnRateLimited
	RetryOnStatus5xx         = gateway.RetryOnStatus5xx
	RetryOnStatus429         = gateway.RetryOnStatus429

	ScopeSameLink      = gateway.ScopeSameLink
	ScopeDifferentLink = gateway.ScopeDifferentLink
	ScopeReroute       = gateway.ScopeReroute
)
