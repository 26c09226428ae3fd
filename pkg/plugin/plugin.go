// Package plugin defines the transport/auth plugin contract of the engine
// and the capability registry used to select an implementation per route.
//
// A plugin executes outbound calls for the routes whose required wire
// protocols and auth type fall inside its declared capability. No dynamic
// loading is involved: implementations register at wiring time and selection
// filters the registry snapshot.
package plugin

import (
	"context"

	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// Capability declares what a plugin can do. Selection picks the
// lowest-priority plugin whose capability covers the route.
type Capability struct {
	// Name identifies the plugin; also the deterministic tie-breaker.
	Name string
	// Protocols lists supported unary wire protocols.
	Protocols []string
	// StreamProtocols lists supported streaming protocols.
	StreamProtocols []string
	// AuthTypes lists auth mechanisms the plugin can apply.
	AuthTypes []string
	// Priority orders candidates; lower wins.
	Priority int
}

// SupportsProtocol reports whether the capability covers proto for unary or
// streaming use.
func (c Capability) SupportsProtocol(proto string) bool {
	for _, p := range c.Protocols {
		if p == proto {
			return true
		}
	}
	for _, p := range c.StreamProtocols {
		if p == proto {
			return true
		}
	}
	return false
}

// SupportsAuthType reports whether the capability covers the auth mechanism.
func (c Capability) SupportsAuthType(authType string) bool {
	for _, a := range c.AuthTypes {
		if a == authType {
			return true
		}
	}
	return false
}

// Covers reports whether the capability is a superset of the route's
// protocol and auth requirements.
func (c Capability) Covers(route *gateway.Route) bool {
	for _, proto := range route.RequiredProtocols {
		if !c.SupportsProtocol(proto) {
			return false
		}
	}
	return c.SupportsAuthType(route.AuthType)
}

// RawStream is a plugin's streamed response before the engine's pipeline
// wraps it. Recv blocks for the next chunk; it returns io.EOF on natural
// completion and an error for abnormal termination. Close releases the
// underlying connection and is safe to call concurrently with Recv.
type RawStream interface {
	Recv(ctx context.Context) (*gateway.StreamChunk, error)
	Close() error
}

// Plugin executes outbound calls. Implementations must be safe for
// concurrent use; the engine shares one instance across all invocations.
//
// InvokeUnary performs one attempt. It returns a response for any completed
// HTTP exchange, including non-2xx statuses; errors are reserved for calls
// that produced no downstream response.
//
// InvokeStream opens a streamed exchange and returns the raw stream; the
// engine never retries it.
type Plugin interface {
	Capability() Capability
	InvokeUnary(ctx context.Context, link *gateway.Link, route *gateway.Route, secret *gateway.Secret, req *gateway.InvokeRequest) (*gateway.InvokeResponse, error)
	InvokeStream(ctx context.Context, link *gateway.Link, route *gateway.Route, secret *gateway.Secret, req *gateway.InvokeRequest) (RawStream, error)
}
