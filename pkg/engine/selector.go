package engine

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gatewaykit/oagw-go/pkg/breaker"
	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// stickyKey identifies a sticky-session assignment.
type stickyKey struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	routeID  uuid.UUID
}

// linkSelector picks a link for each attempt. Round-robin counters and
// sticky assignments are internal shared state, safe for concurrent use.
type linkSelector struct {
	breakers *breaker.Table

	mu       sync.Mutex
	counters map[uuid.UUID]*atomic.Uint64
	sticky   map[stickyKey]uuid.UUID
}

func newLinkSelector(breakers *breaker.Table) *linkSelector {
	return &linkSelector{
		breakers: breakers,
		counters: make(map[uuid.UUID]*atomic.Uint64),
		sticky:   make(map[stickyKey]uuid.UUID),
	}
}

// Select filters disabled and circuit-open links, then applies the route's
// strategy. exclude removes one link from consideration (retry on a
// different link) unless it is the only candidate left.
func (s *linkSelector) Select(route *gateway.Route, links []*gateway.Link, id gateway.Identity, exclude uuid.UUID) (*gateway.Link, error) {
	candidates, openDropped := s.eligible(route, links)
	if len(candidates) == 0 {
		// When enabled links exist but every breaker is open, report the
		// open breaker with the soonest reopen as a retry-after hint.
		if len(openDropped) > 0 {
			soonest := openDropped[0]
			remaining := s.breakers.Remaining(route.ID, soonest)
			for _, linkID := range openDropped[1:] {
				if r := s.breakers.Remaining(route.ID, linkID); r < remaining {
					soonest, remaining = linkID, r
				}
			}
			return nil, errors.CircuitBreakerOpen(soonest, remaining)
		}
		return nil, errors.LinkUnavailable(route.ID)
	}

	if exclude != uuid.Nil {
		filtered := candidates[:0:0]
		for _, l := range candidates {
			if l.ID != exclude {
				filtered = append(filtered, l)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	// Stable order: priority, then link ID. Makes every strategy
	// deterministic for identical input state.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})

	switch candidates[0].Strategy {
	case gateway.StrategyRoundRobin:
		return s.roundRobin(route.ID, candidates), nil
	case gateway.StrategySticky:
		return s.stickySelect(route.ID, candidates, id), nil
	default:
		return candidates[0], nil
	}
}

func (s *linkSelector) eligible(route *gateway.Route, links []*gateway.Link) (candidates []*gateway.Link, openDropped []uuid.UUID) {
	candidates = make([]*gateway.Link, 0, len(links))
	for _, l := range links {
		if !l.Enabled {
			continue
		}
		if s.breakers.State(route.ID, l.ID) == breaker.Open {
			openDropped = append(openDropped, l.ID)
			continue
		}
		candidates = append(candidates, l)
	}
	return candidates, openDropped
}

func (s *linkSelector) roundRobin(routeID uuid.UUID, candidates []*gateway.Link) *gateway.Link {
	s.mu.Lock()
	counter, ok := s.counters[routeID]
	if !ok {
		counter = new(atomic.Uint64)
		s.counters[routeID] = counter
	}
	s.mu.Unlock()

	n := counter.Add(1) - 1
	return candidates[int(n%uint64(len(candidates)))]
}

func (s *linkSelector) stickySelect(routeID uuid.UUID, candidates []*gateway.Link, id gateway.Identity) *gateway.Link {
	key := stickyKey{tenantID: id.TenantID, userID: id.UserID, routeID: routeID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.sticky[key]; ok {
		for _, l := range candidates {
			if l.ID == prev {
				return l
			}
		}
	}

	// Previous assignment gone or ineligible; fall back to priority order
	// and pin the new choice.
	chosen := candidates[0]
	s.sticky[key] = chosen.ID
	return chosen
}

// Forget drops the sticky assignment for an identity on a route. Used when
// a pinned link fails so the next call re-selects.
func (s *linkSelector) Forget(routeID uuid.UUID, id gateway.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sticky, stickyKey{tenantID: id.TenantID, userID: id.UserID, routeID: routeID})
}
