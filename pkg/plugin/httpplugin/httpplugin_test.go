package httpplugin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

func testRoute(baseURL, authType string) *gateway.Route {
	return &gateway.Route{
		ID:                uuid.New(),
		TenantID:          uuid.New(),
		BaseURL:           baseURL,
		RequiredProtocols: []string{gateway.ProtocolHTTP11},
		AuthType:          authType,
	}
}

func testLink(route *gateway.Route) *gateway.Link {
	return &gateway.Link{
		ID:       uuid.New(),
		TenantID: route.TenantID,
		RouteID:  route.ID,
		Enabled:  true,
		Priority: 1,
	}
}

func TestInvokeUnaryBearerAuth(t *testing.T) {
	var gotAuth, gotUA, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil)
	route := testRoute(srv.URL, gateway.AuthBearerToken)
	secret := &gateway.Secret{AuthType: gateway.AuthBearerToken, Value: "tok-123"}

	resp, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodGet,
		Path:    "/v1/items",
		Query:   map[string]string{"limit": "10"},
	})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "oagw/1.0", gotUA)
	assert.Equal(t, "/v1/items", gotPath)
	assert.Equal(t, "10", gotQuery)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestInvokeUnaryAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Custom-Key")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil)
	route := testRoute(srv.URL, gateway.AuthAPIKeyHeader)
	secret := &gateway.Secret{
		AuthType: gateway.AuthAPIKeyHeader,
		Value:    "key-789",
		Metadata: map[string]string{"header": "X-Custom-Key"},
	}

	resp, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodDelete,
		Path:    "/v1/items/42",
	})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, "key-789", gotKey)
}

func TestInvokeUnaryAPIKeyQuery(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil)
	route := testRoute(srv.URL, gateway.AuthAPIKeyQuery)
	secret := &gateway.Secret{AuthType: gateway.AuthAPIKeyQuery, Value: "qk-1"}

	_, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodGet,
		Path:    "/v1/ping",
	})
	require.NoError(t, err)
	assert.Equal(t, "qk-1", gotKey)
}

func TestInvokeUnaryNon2xxIsAResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down for maintenance"))
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil)
	route := testRoute(srv.URL, gateway.AuthBearerToken)
	secret := &gateway.Secret{AuthType: gateway.AuthBearerToken, Value: "t"}

	resp, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodGet,
		Path:    "/v1/items",
	})
	require.NoError(t, err, "non-2xx statuses are responses, not errors")
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "down for maintenance", string(resp.Body))
	assert.Equal(t, 17*time.Second, resp.RetryAfter)
}

func TestInvokeUnaryRequestBody(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil)
	route := testRoute(srv.URL, gateway.AuthBearerToken)
	secret := &gateway.Secret{AuthType: gateway.AuthBearerToken, Value: "t"}

	resp, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodPost,
		Path:    "/v1/items",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{"name":"widget"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, `{"name":"widget"}`, string(gotBody))
}

func TestInvokeUnaryPayloadCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxResponseBytes = 1024
	p := New(cfg, nil)
	route := testRoute(srv.URL, gateway.AuthBearerToken)
	secret := &gateway.Secret{AuthType: gateway.AuthBearerToken, Value: "t"}

	_, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodGet,
		Path:    "/big",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindPayloadTooLarge, errors.KindOf(err))
}

func TestInvokeUnaryRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := New(DefaultConfig(), nil)
	route := testRoute(srv.URL, gateway.AuthBearerToken)
	secret := &gateway.Secret{AuthType: gateway.AuthBearerToken, Value: "t"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.InvokeUnary(ctx, testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodGet,
		Path:    "/slow",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindRequestTimeout, errors.KindOf(err))
}

func TestInvokeUnaryConnectFailure(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	p := New(DefaultConfig(), nil)
	route := testRoute(addr, gateway.AuthBearerToken)
	secret := &gateway.Secret{AuthType: gateway.AuthBearerToken, Value: "t"}

	_, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodGet,
		Path:    "/v1/items",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindLinkUnavailable, errors.KindOf(err))
}

func TestInvokeUnaryUnsupportedAuthType(t *testing.T) {
	p := New(DefaultConfig(), nil)
	route := testRoute("http://localhost:1", "mtls")
	secret := &gateway.Secret{AuthType: "mtls", Value: "t"}

	_, err := p.InvokeUnary(context.Background(), testLink(route), route, secret, &gateway.InvokeRequest{
		RouteID: route.ID,
		Method:  gateway.MethodGet,
		Path:    "/",
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthenticationFailed, errors.KindOf(err))
}

func TestBuildURLJoinsPaths(t *testing.T) {
	cases := []struct {
		base, path, want string
	}{
		{"https://api.example.com", "/v1/items", "https://api.example.com/v1/items"},
		{"https://api.example.com/", "/v1/items", "https://api.example.com/v1/items"},
		{"https://api.example.com/tenant", "v1/items", "https://api.example.com/tenant/v1/items"},
	}
	for _, tc := range cases {
		got, err := buildURL(tc.base, tc.path, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.InDelta(t, float64(90*time.Second), float64(got), float64(5*time.Second))
}
