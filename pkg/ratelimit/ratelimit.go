// Package ratelimit implements the per-(tenant, route) token bucket used by
// the invocation engine.
//
// Buckets refill continuously at the route's configured rate. A failed
// acquisition returns a retry-after hint derived from the current token
// deficit and the refill rate, so the hint shrinks as time passes.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

type key struct {
	tenant uuid.UUID
	route  uuid.UUID
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	ratePerSec float64
	lastRefill time.Time
	lastUsed   time.Time
}

// Limiter tracks token buckets per (tenant, route). Safe for concurrent use.
type Limiter struct {
	now func() time.Time

	mu      sync.RWMutex
	buckets map[key]*bucket
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates an empty limiter.
func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		now:     time.Now,
		buckets: make(map[key]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reservation represents one admitted request. Release returns the token to
// the bucket when the reserved call never reached the network, e.g. on
// cancellation before the plugin was invoked.
type Reservation struct {
	b        *bucket
	released bool
	mu       sync.Mutex
}

// Release returns the reserved token. Safe to call at most once; later calls
// are no-ops.
func (r *Reservation) Release() {
	if r == nil || r.b == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.released = true

	r.b.mu.Lock()
	r.b.tokens = minf(r.b.tokens+1, r.b.burst)
	r.b.mu.Unlock()
}

// TryAcquire attempts to take one token for (tenant, route) under the given
// policy. On success it returns a non-nil reservation. On rejection it
// returns the duration after which one token will be available.
//
// A policy with no limit configured always admits and returns a nil
// reservation.
func (l *Limiter) TryAcquire(tenantID, routeID uuid.UUID, policy gateway.RateLimitPolicy) (*Reservation, time.Duration, bool) {
	if !policy.Enabled() {
		return nil, 0, true
	}

	b := l.bucketFor(tenantID, routeID, policy)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Continuous refill since the last observation.
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		b.tokens = minf(b.tokens+elapsed.Seconds()*b.ratePerSec, b.burst)
		b.lastRefill = now
	}
	b.lastUsed = now

	if b.tokens >= 1 {
		b.tokens--
		return &Reservation{b: b}, 0, true
	}

	deficit := 1 - b.tokens
	retryAfter := time.Duration(deficit / b.ratePerSec * float64(time.Second))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return nil, retryAfter, false
}

func (l *Limiter) bucketFor(tenantID, routeID uuid.UUID, policy gateway.RateLimitPolicy) *bucket {
	k := key{tenant: tenantID, route: routeID}

	l.mu.RLock()
	b, ok := l.buckets[k]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[k]; ok {
		return b
	}

	burst := policy.Burst
	if burst <= 0 {
		burst = policy.RequestsPerMinute / 6
		if burst < 1 {
			burst = 1
		}
	}
	b = &bucket{
		tokens:     float64(burst),
		burst:      float64(burst),
		ratePerSec: float64(policy.RequestsPerMinute) / 60,
		lastRefill: l.now(),
		lastUsed:   l.now(),
	}
	l.buckets[k] = b
	return b
}

// PruneIdle drops buckets not touched within maxIdle and returns how many
// were removed. Buckets recreate lazily at full burst, which is acceptable
// for keys idle that long.
func (l *Limiter) PruneIdle(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
