// Package tokencache caches resolved credentials keyed by invocation
// context.
//
// Concurrent misses for the same key are collapsed into a single external
// resolution via singleflight; later callers wait for the first result
// instead of issuing redundant identity-provider calls. Entries expire by a
// TTL derived from credential expiry and are evicted least-recently-used
// under capacity pressure.
package tokencache

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// Key identifies one cached credential.
type Key struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	RouteID  uuid.UUID
	AuthType string
	Scopes   []string
}

// String renders a canonical cache key; scope order does not matter.
func (k Key) String() string {
	scopes := append([]string(nil), k.Scopes...)
	sort.Strings(scopes)
	var sb strings.Builder
	sb.WriteString(k.TenantID.String())
	sb.WriteByte('|')
	sb.WriteString(k.UserID.String())
	sb.WriteByte('|')
	sb.WriteString(k.RouteID.String())
	sb.WriteByte('|')
	sb.WriteString(k.AuthType)
	sb.WriteByte('|')
	sb.WriteString(strings.Join(scopes, ","))
	return sb.String()
}

// ResolveFunc fetches a credential from the external identity or secret
// provider. The returned expiry may be zero for non-expiring credentials.
type ResolveFunc func(ctx context.Context) (gateway.Secret, time.Time, error)

// Config sizes the cache and shapes TTL derivation.
type Config struct {
	// MaxEntries caps the number of cached credentials; LRU eviction
	// applies beyond it.
	MaxEntries int `json:"max_entries"`
	// MaxTTL caps the derived TTL regardless of credential expiry.
	MaxTTL time.Duration `json:"max_ttl"`
	// SafetyMargin is subtracted from the credential expiry so cached
	// entries never outlive their token.
	SafetyMargin time.Duration `json:"safety_margin"`
}

// DefaultConfig returns the standard cache sizing.
func DefaultConfig() Config {
	return Config{
		MaxEntries:   1024,
		MaxTTL:       15 * time.Minute,
		SafetyMargin: 60 * time.Second,
	}
}

type entry struct {
	key       string
	secret    gateway.Secret
	expiresAt time.Time
}

// Cache is a TTL+LRU credential cache with deduplicated resolution.
type Cache struct {
	cfg   Config
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache with the given config; zero fields take defaults.
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = def.MaxTTL
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	c := &Cache{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrResolve returns the cached credential for key, resolving it at most
// once per key across concurrent callers on a miss.
func (c *Cache) GetOrResolve(ctx context.Context, key Key, resolve ResolveFunc) (gateway.Secret, error) {
	ks := key.String()

	if sec, ok := c.lookup(ks); ok {
		return sec, nil
	}

	v, err, _ := c.group.Do(ks, func() (interface{}, error) {
		// A concurrent caller may have populated the entry between the
		// miss and the flight start.
		if sec, ok := c.lookup(ks); ok {
			return sec, nil
		}
		sec, expiry, err := resolve(ctx)
		if err != nil {
			return gateway.Secret{}, err
		}
		c.store(ks, sec, expiry)
		return sec, nil
	})
	if err != nil {
		return gateway.Secret{}, err
	}
	return v.(gateway.Secret), nil
}

// Invalidate drops the entry for key, if present. Used after downstream
// authentication failures so the next call re-resolves.
func (c *Cache) Invalidate(key Key) {
	ks := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[ks]; ok {
		c.removeLocked(el)
	}
	c.group.Forget(ks)
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(ks string) (gateway.Secret, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[ks]
	if !ok {
		return gateway.Secret{}, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeLocked(el)
		return gateway.Secret{}, false
	}
	c.lru.MoveToFront(el)
	return e.secret, true
}

// ttlFor derives the entry TTL: min(expiry − now − margin, MaxTTL). A
// non-positive result means the credential is too close to expiry to cache.
func (c *Cache) ttlFor(expiry time.Time) time.Duration {
	ttl := c.cfg.MaxTTL
	if !expiry.IsZero() {
		untilExpiry := expiry.Sub(c.now()) - c.cfg.SafetyMargin
		if untilExpiry < ttl {
			ttl = untilExpiry
		}
	}
	return ttl
}

func (c *Cache) store(ks string, sec gateway.Secret, expiry time.Time) {
	ttl := c.ttlFor(expiry)
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[ks]; ok {
		e := el.Value.(*entry)
		e.secret = sec
		e.expiresAt = c.now().Add(ttl)
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&entry{key: ks, secret: sec, expiresAt: c.now().Add(ttl)})
	c.entries[ks] = el

	for len(c.entries) > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.entries, e.key)
}
