// Package httpplugin is the default outbound plugin. It speaks plain HTTP
// for unary invocations and server-sent events for streams, and covers the
// bearer-token and API-key auth schemes.
package httpplugin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
	"github.com/gatewaykit/oagw-go/pkg/logging"
	"github.com/gatewaykit/oagw-go/pkg/plugin"
)

const (
	// defaultAPIKeyHeader is used when the secret does not name one.
	defaultAPIKeyHeader = "X-API-Key"
	// defaultAPIKeyParam is used when the secret does not name one.
	defaultAPIKeyParam = "api_key"

	defaultConnectTimeout   = 10 * time.Second
	defaultMaxResponseBytes = 16 << 20
)

// Config tunes the HTTP plugin.
type Config struct {
	// MaxResponseBytes caps unary response bodies.
	MaxResponseBytes int64 `json:"max_response_bytes"`

	// UserAgent is sent on every request.
	UserAgent string `json:"user_agent"`

	// MaxIdleConnsPerHost tunes the shared transports.
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
}

// DefaultConfig returns the plugin defaults.
func DefaultConfig() Config {
	return Config{
		MaxResponseBytes:    defaultMaxResponseBytes,
		UserAgent:           "oagw/1.0",
		MaxIdleConnsPerHost: 32,
	}
}

// Plugin invokes downstream services over HTTP. Safe for concurrent use.
type Plugin struct {
	cfg Config
	log logging.Logger

	// clients are keyed by connect timeout since the dial deadline is
	// baked into the transport.
	mu      sync.Mutex
	clients map[time.Duration]*http.Client
}

// New creates the HTTP plugin.
func New(cfg Config, log logging.Logger) *Plugin {
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 32
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Plugin{
		cfg:     cfg,
		log:     log,
		clients: make(map[time.Duration]*http.Client),
	}
}

// Capability declares broad protocol and auth coverage at fallback
// priority, so purpose-built plugins win when registered.
func (p *Plugin) Capability() plugin.Capability {
	return plugin.Capability{
		Name:            "http-default",
		Protocols:       []string{gateway.ProtocolHTTP11, gateway.ProtocolHTTP2, gateway.ProtocolSSE},
		StreamProtocols: []string{gateway.ProtocolSSE},
		AuthTypes: []string{
			gateway.AuthBearerToken,
			gateway.AuthAPIKeyHeader,
			gateway.AuthAPIKeyQuery,
			gateway.AuthOAuth2ClientCreds,
		},
		Priority: 1000,
	}
}

func (p *Plugin) clientFor(link *gateway.Link) *http.Client {
	connectTimeout := link.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[connectTimeout]; ok {
		return c
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: p.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &http.Client{Transport: transport}
	p.clients[connectTimeout] = c
	return c
}

// InvokeUnary performs one HTTP exchange. Any completed exchange comes back
// as a response, including non-2xx statuses.
func (p *Plugin) InvokeUnary(ctx context.Context, link *gateway.Link, route *gateway.Route, secret *gateway.Secret, req *gateway.InvokeRequest) (*gateway.InvokeResponse, error) {
	httpReq, err := p.buildRequest(ctx, route, secret, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	httpResp, err := p.clientFor(link).Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, p.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if int64(len(body)) > p.cfg.MaxResponseBytes {
		return nil, errors.PayloadTooLarge(int64(len(body)), p.cfg.MaxResponseBytes)
	}

	resp := &gateway.InvokeResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    flattenHeaders(httpResp.Header),
		Body:       body,
		Duration:   time.Since(start),
		RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
	}
	return resp, nil
}

// InvokeStream opens a server-sent events stream. A non-2xx status on the
// open is an error, not a stream.
func (p *Plugin) InvokeStream(ctx context.Context, link *gateway.Link, route *gateway.Route, secret *gateway.Secret, req *gateway.InvokeRequest) (plugin.RawStream, error) {
	httpReq, err := p.buildRequest(ctx, route, secret, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	httpResp, err := p.clientFor(link).Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"))
		_ = httpResp.Body.Close()
		return nil, errors.DownstreamError(httpResp.StatusCode, retryAfter)
	}

	return newSSEStream(httpResp.Body), nil
}

func (p *Plugin) buildRequest(ctx context.Context, route *gateway.Route, secret *gateway.Secret, req *gateway.InvokeRequest) (*http.Request, error) {
	target, err := buildURL(route.BaseURL, req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid request")
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if p.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", p.cfg.UserAgent)
	}

	if err := applyAuth(httpReq, route, secret); err != nil {
		return nil, err
	}
	return httpReq, nil
}

func buildURL(baseURL, path string, query map[string]string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, errors.KindValidation, "invalid base url")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")

	if len(query) > 0 {
		values := u.Query()
		for k, v := range query {
			values.Set(k, v)
		}
		u.RawQuery = values.Encode()
	}
	return u.String(), nil
}

// applyAuth injects the credential. OAuth2 client-credential secrets carry
// an access token by the time they reach the plugin and go on the wire as a
// bearer token.
func applyAuth(httpReq *http.Request, route *gateway.Route, secret *gateway.Secret) error {
	authType := secret.AuthType
	if authType == "" {
		authType = route.AuthType
	}

	switch authType {
	case gateway.AuthBearerToken, gateway.AuthOAuth2ClientCreds:
		httpReq.Header.Set("Authorization", "Bearer "+secret.Value)

	case gateway.AuthAPIKeyHeader:
		header := secret.Metadata["header"]
		if header == "" {
			header = defaultAPIKeyHeader
		}
		httpReq.Header.Set(header, secret.Value)

	case gateway.AuthAPIKeyQuery:
		param := secret.Metadata["param"]
		if param == "" {
			param = defaultAPIKeyParam
		}
		values := httpReq.URL.Query()
		values.Set(param, secret.Value)
		httpReq.URL.RawQuery = values.Encode()

	default:
		return errors.AuthenticationFailed(fmt.Sprintf("unsupported auth type %q", authType))
	}
	return nil
}

// classifyTransportError maps transport failures onto the engine taxonomy.
// A caller-deadline expiry is a request timeout; a dial-deadline expiry is a
// connection timeout; anything else that kept the call from completing is a
// connection failure.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.RequestTimeout(err)
	}
	if ctx.Err() == context.Canceled {
		return errors.Wrap(err, errors.KindInternal, "request cancelled")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.ConnectionTimeout(err)
	}
	return errors.Wrap(err, errors.KindLinkUnavailable, "connection failed")
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
