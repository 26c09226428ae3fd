package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
	"github.com/gatewaykit/oagw-go/pkg/tokencache"
)

type fakeIdentity struct {
	calls  atomic.Int64
	token  string
	expiry time.Time
	err    error
}

func (f *fakeIdentity) ExchangeToken(context.Context, gateway.Identity, *gateway.Route, []string) (string, time.Time, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return f.token, f.expiry, nil
}

func bearerRoute() *gateway.Route {
	return &gateway.Route{ID: uuid.New(), AuthType: gateway.AuthBearerToken}
}

func oauthRoute() *gateway.Route {
	return &gateway.Route{ID: uuid.New(), AuthType: gateway.AuthOAuth2ClientCreds}
}

func TestStaticSecretResolution(t *testing.T) {
	secrets := NewStaticSecretProvider()
	ref := uuid.New()
	secrets.Put(ref, gateway.Secret{Value: "key-123", Metadata: map[string]string{"header_name": "X-API-Key"}})

	r := NewResolver(secrets, nil, nil, nil)
	route := bearerRoute()
	link := &gateway.Link{ID: uuid.New(), SecretRef: ref}

	sec, err := r.Credentials(context.Background(), gateway.Identity{}, route, link, nil)
	require.NoError(t, err)
	assert.Equal(t, "key-123", sec.Value)
	assert.Equal(t, gateway.AuthBearerToken, sec.AuthType, "auth type inherited from route")
}

func TestStaticSecretMissing(t *testing.T) {
	r := NewResolver(NewStaticSecretProvider(), nil, nil, nil)
	link := &gateway.Link{ID: uuid.New(), SecretRef: uuid.New()}

	_, err := r.Credentials(context.Background(), gateway.Identity{}, bearerRoute(), link, nil)
	assert.True(t, errors.IsKind(err, errors.KindSecretNotFound))
}

func TestDerivedTokenCached(t *testing.T) {
	idp := &fakeIdentity{token: "jwt-abc", expiry: time.Now().Add(time.Hour)}
	cache := tokencache.New(tokencache.DefaultConfig())
	r := NewResolver(nil, idp, cache, nil)

	route := oauthRoute()
	identity := gateway.Identity{TenantID: uuid.New(), UserID: uuid.New()}
	link := &gateway.Link{ID: uuid.New()}

	for i := 0; i < 3; i++ {
		sec, err := r.Credentials(context.Background(), identity, route, link, []string{"read"})
		require.NoError(t, err)
		assert.Equal(t, "jwt-abc", sec.Value)
	}
	assert.Equal(t, int64(1), idp.calls.Load())
}

func TestDerivedTokenScopesSplitCacheKeys(t *testing.T) {
	idp := &fakeIdentity{token: "jwt-abc", expiry: time.Now().Add(time.Hour)}
	cache := tokencache.New(tokencache.DefaultConfig())
	r := NewResolver(nil, idp, cache, nil)

	route := oauthRoute()
	identity := gateway.Identity{TenantID: uuid.New(), UserID: uuid.New()}
	link := &gateway.Link{ID: uuid.New()}

	_, err := r.Credentials(context.Background(), identity, route, link, []string{"read"})
	require.NoError(t, err)
	_, err = r.Credentials(context.Background(), identity, route, link, []string{"read", "write"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), idp.calls.Load())
}

func TestConcurrentDerivedResolutionsDeduplicated(t *testing.T) {
	idp := &fakeIdentity{token: "jwt-abc", expiry: time.Now().Add(time.Hour)}
	cache := tokencache.New(tokencache.DefaultConfig())
	r := NewResolver(nil, idp, cache, nil)

	route := oauthRoute()
	identity := gateway.Identity{TenantID: uuid.New(), UserID: uuid.New()}
	link := &gateway.Link{ID: uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Credentials(context.Background(), identity, route, link, []string{"read"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), idp.calls.Load())
}

func TestInvalidateForcesReExchange(t *testing.T) {
	idp := &fakeIdentity{token: "jwt-abc", expiry: time.Now().Add(time.Hour)}
	cache := tokencache.New(tokencache.DefaultConfig())
	r := NewResolver(nil, idp, cache, nil)

	route := oauthRoute()
	identity := gateway.Identity{TenantID: uuid.New(), UserID: uuid.New()}
	link := &gateway.Link{ID: uuid.New()}
	scopes := []string{"read"}

	_, err := r.Credentials(context.Background(), identity, route, link, scopes)
	require.NoError(t, err)

	r.Invalidate(identity, route, scopes)

	_, err = r.Credentials(context.Background(), identity, route, link, scopes)
	require.NoError(t, err)
	assert.Equal(t, int64(2), idp.calls.Load())
}

func TestMissingProvidersFailClosed(t *testing.T) {
	r := NewResolver(nil, nil, nil, nil)
	link := &gateway.Link{ID: uuid.New()}

	_, err := r.Credentials(context.Background(), gateway.Identity{}, bearerRoute(), link, nil)
	assert.True(t, errors.IsKind(err, errors.KindAuthenticationFailed))

	_, err = r.Credentials(context.Background(), gateway.Identity{}, oauthRoute(), link, nil)
	assert.True(t, errors.IsKind(err, errors.KindAuthenticationFailed))
}
