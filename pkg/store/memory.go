package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// MemoryStore implements ConfigStore with in-memory maps. It is the default
// for tests and examples; production deployments wrap their own config
// source instead.
type MemoryStore struct {
	mu     sync.RWMutex
	routes map[uuid.UUID]*gateway.Route
	links  map[uuid.UUID]*gateway.Link
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes: make(map[uuid.UUID]*gateway.Route),
		links:  make(map[uuid.UUID]*gateway.Link),
	}
}

// PutRoute inserts or replaces a route.
func (s *MemoryStore) PutRoute(r *gateway.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.routes[r.ID] = &cp
}

// PutLink inserts or replaces a link.
func (s *MemoryStore) PutLink(l *gateway.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.links[l.ID] = &cp
}

// DeleteLink removes a link.
func (s *MemoryStore) DeleteLink(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, id)
}

// Route implements ConfigStore.
func (s *MemoryStore) Route(_ context.Context, id uuid.UUID) (*gateway.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routes[id]
	if !ok {
		return nil, errors.RouteNotFound(id)
	}
	cp := *r
	return &cp, nil
}

// Link implements ConfigStore.
func (s *MemoryStore) Link(_ context.Context, id uuid.UUID) (*gateway.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[id]
	if !ok {
		return nil, errors.LinkNotFound(id)
	}
	cp := *l
	return &cp, nil
}

// LinksForRoute implements ConfigStore.
func (s *MemoryStore) LinksForRoute(_ context.Context, routeID uuid.UUID) ([]*gateway.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.Link
	for _, l := range s.links {
		if l.RouteID == routeID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}
