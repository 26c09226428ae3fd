package gateway

import "github.com/google/uuid"

// HealthStatus summarizes the availability of a route or link.
type HealthStatus string

const (
	// HealthHealthy means the path is fully operational.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded means some links of a route are unavailable.
	HealthDegraded HealthStatus = "degraded"
	// HealthUnhealthy means no link of a route is available.
	HealthUnhealthy HealthStatus = "unhealthy"
	// HealthCircuitOpen means the link's circuit breaker is open.
	HealthCircuitOpen HealthStatus = "circuit_open"
)

// LinkHealth is the health of a single link.
type LinkHealth struct {
	LinkID uuid.UUID
	Status HealthStatus
}

// RouteHealth aggregates link health for a route.
type RouteHealth struct {
	RouteID uuid.UUID
	Status  HealthStatus
	Links   []LinkHealth
}
