package plugin

import (
	"sort"
	"sync"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// Registry holds the installed plugins. Registration happens at wiring time;
// selection reads a snapshot, so invocations never block registrations.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{}
	for _, p := range plugins {
		r.Register(p)
	}
	return r
}

// Register adds a plugin to the registry.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// Snapshot returns the current plugin list.
func (r *Registry) Snapshot() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Select picks the plugin serving the route: the lowest-priority candidate
// whose capability covers the route's required protocols and auth type, ties
// broken by capability name. It is a pure function of (route, registry
// snapshot).
func (r *Registry) Select(route *gateway.Route) (Plugin, error) {
	candidates := r.Snapshot()

	matches := candidates[:0]
	for _, p := range candidates {
		if p.Capability().Covers(route) {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		proto := ""
		if len(route.RequiredProtocols) > 0 {
			proto = route.RequiredProtocols[0]
		}
		return nil, errors.PluginUnavailable(proto, route.AuthType)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		ci, cj := matches[i].Capability(), matches[j].Capability()
		if ci.Priority != cj.Priority {
			return ci.Priority < cj.Priority
		}
		return ci.Name < cj.Name
	})
	return matches[0], nil
}
