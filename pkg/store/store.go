// Package store defines the read-only configuration lookup the engine
// depends on, plus an in-memory implementation for tests and local wiring.
//
// Route and link persistence is an external concern: production deployments
// back this interface with whatever the host application uses, and the
// engine never mutates configuration.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// ConfigStore resolves routes and links by identifier.
type ConfigStore interface {
	// Route returns the route with the given ID, or an error with kind
	// RouteNotFound.
	Route(ctx context.Context, id uuid.UUID) (*gateway.Route, error)

	// Link returns the link with the given ID, or an error with kind
	// LinkNotFound.
	Link(ctx context.Context, id uuid.UUID) (*gateway.Link, error)

	// LinksForRoute returns all links configured for the route, enabled or
	// not, in unspecified order.
	LinksForRoute(ctx context.Context, routeID uuid.UUID) ([]*gateway.Link, error)
}
