// Package auth resolves the credential material each invocation carries to
// the plugin. Static secrets come from the external secret store; derived
// tokens (OAuth2 client credentials) are exchanged through the identity
// provider and cached with an expiry-aware TTL.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// SecretProvider is the external secret store boundary.
type SecretProvider interface {
	// ResolveSecret fetches credential material by reference. Missing
	// references yield an error with kind SecretNotFound.
	ResolveSecret(ctx context.Context, ref uuid.UUID) (gateway.Secret, error)
}

// IdentityProvider is the external token-exchange boundary.
type IdentityProvider interface {
	// ExchangeToken trades the caller's identity for a downstream token
	// scoped to the route.
	ExchangeToken(ctx context.Context, identity gateway.Identity, route *gateway.Route, scopes []string) (token string, expiry time.Time, err error)
}

// StaticSecretProvider is a map-backed SecretProvider for tests and local
// wiring.
type StaticSecretProvider struct {
	mu      sync.RWMutex
	secrets map[uuid.UUID]gateway.Secret
}

// NewStaticSecretProvider creates an empty provider.
func NewStaticSecretProvider() *StaticSecretProvider {
	return &StaticSecretProvider{secrets: make(map[uuid.UUID]gateway.Secret)}
}

// Put stores a secret under ref.
func (p *StaticSecretProvider) Put(ref uuid.UUID, secret gateway.Secret) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secrets[ref] = secret
}

// ResolveSecret implements SecretProvider.
func (p *StaticSecretProvider) ResolveSecret(_ context.Context, ref uuid.UUID) (gateway.Secret, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.secrets[ref]
	if !ok {
		return gateway.Secret{}, errors.SecretNotFound(ref)
	}
	return s, nil
}
