package auth

import (
	"context"
	"time"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
	"github.com/gatewaykit/oagw-go/pkg/logging"
	"github.com/gatewaykit/oagw-go/pkg/tokencache"
)

// Resolver produces the credential for one invocation.
//
// Bearer tokens and API keys are static: the link's secret reference is
// resolved through the SecretProvider on every call. OAuth2 client
// credentials are derived: the resolver exchanges the caller's identity for
// a downstream token and caches it keyed by (tenant, user, route, auth type,
// scopes), deduplicating concurrent exchanges per key.
type Resolver struct {
	secrets  SecretProvider
	identity IdentityProvider
	cache    *tokencache.Cache
	log      logging.Logger
}

// NewResolver wires a resolver. identity may be nil when no route uses
// derived credentials; cache may be nil to disable caching (each call then
// exchanges anew).
func NewResolver(secrets SecretProvider, identity IdentityProvider, cache *tokencache.Cache, log logging.Logger) *Resolver {
	if log == nil {
		log = logging.NewNop()
	}
	return &Resolver{
		secrets:  secrets,
		identity: identity,
		cache:    cache,
		log:      log.WithFields(logging.String("component", "auth_resolver")),
	}
}

// Credentials resolves the secret the plugin applies to the outbound
// request.
func (r *Resolver) Credentials(ctx context.Context, id gateway.Identity, route *gateway.Route, link *gateway.Link, scopes []string) (gateway.Secret, error) {
	switch route.AuthType {
	case gateway.AuthOAuth2ClientCreds:
		return r.derived(ctx, id, route, scopes)
	default:
		return r.static(ctx, route, link)
	}
}

// Invalidate drops a cached derived credential, forcing the next call to
// re-exchange. Called after downstream authentication failures.
func (r *Resolver) Invalidate(id gateway.Identity, route *gateway.Route, scopes []string) {
	if r.cache == nil {
		return
	}
	r.cache.Invalidate(tokencache.Key{
		TenantID: id.TenantID,
		UserID:   id.UserID,
		RouteID:  route.ID,
		AuthType: route.AuthType,
		Scopes:   scopes,
	})
}

func (r *Resolver) static(ctx context.Context, route *gateway.Route, link *gateway.Link) (gateway.Secret, error) {
	if r.secrets == nil {
		return gateway.Secret{}, errors.AuthenticationFailed("no secret provider configured")
	}
	sec, err := r.secrets.ResolveSecret(ctx, link.SecretRef)
	if err != nil {
		return gateway.Secret{}, err
	}
	if sec.AuthType == "" {
		sec.AuthType = route.AuthType
	}
	return sec, nil
}

func (r *Resolver) derived(ctx context.Context, id gateway.Identity, route *gateway.Route, scopes []string) (gateway.Secret, error) {
	if r.identity == nil {
		return gateway.Secret{}, errors.AuthenticationFailed("no identity provider configured")
	}

	exchange := func(ctx context.Context) (gateway.Secret, time.Time, error) {
		token, expiry, err := r.identity.ExchangeToken(ctx, id, route, scopes)
		if err != nil {
			return gateway.Secret{}, time.Time{}, err
		}
		r.log.Debug("token exchanged",
			logging.Stringer("route_id", route.ID),
			logging.Stringer("tenant_id", id.TenantID))
		return gateway.Secret{AuthType: route.AuthType, Value: token, ExpiresAt: expiry}, expiry, nil
	}

	if r.cache == nil {
		sec, _, err := exchange(ctx)
		return sec, err
	}

	key := tokencache.Key{
		TenantID: id.TenantID,
		UserID:   id.UserID,
		RouteID:  route.ID,
		AuthType: route.AuthType,
		Scopes:   scopes,
	}
	return r.cache.GetOrResolve(ctx, key, exchange)
}
