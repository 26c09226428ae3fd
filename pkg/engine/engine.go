// Package engine executes outbound invocations: rate limiting, link and
// plugin selection, credential resolution, circuit breaking, caller-declared
// retries and stream supervision.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/gatewaykit/oagw-go/pkg/audit"
	"github.com/gatewaykit/oagw-go/pkg/auth"
	"github.com/gatewaykit/oagw-go/pkg/breaker"
	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
	"github.com/gatewaykit/oagw-go/pkg/logging"
	"github.com/gatewaykit/oagw-go/pkg/observability"
	"github.com/gatewaykit/oagw-go/pkg/plugin"
	"github.com/gatewaykit/oagw-go/pkg/ratelimit"
	"github.com/gatewaykit/oagw-go/pkg/store"
	"github.com/gatewaykit/oagw-go/pkg/stream"
	"github.com/gatewaykit/oagw-go/pkg/tokencache"
)

// Deps are the engine's collaborators. Store and Plugins are required;
// everything else degrades gracefully when absent.
type Deps struct {
	Store    store.ConfigStore
	Plugins  *plugin.Registry
	Secrets  auth.SecretProvider
	Identity auth.IdentityProvider
	Audit    audit.Sink
	Metrics  *observability.Metrics
	Tracing  *observability.TracingProvider
	Logger   logging.Logger

	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// Engine is the invocation executor. Safe for concurrent use.
type Engine struct {
	cfg      Config
	store    store.ConfigStore
	plugins  *plugin.Registry
	resolver *auth.Resolver
	breakers *breaker.Table
	limiter  *ratelimit.Limiter
	selector *linkSelector
	recorder *audit.Recorder
	metrics  *observability.Metrics
	tracing  *observability.TracingProvider
	log      logging.Logger
	now      func() time.Time
}

// New builds an engine from cfg and deps.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.Validation("store", "config store is required")
	}
	if deps.Plugins == nil {
		return nil, errors.Validation("plugins", "plugin registry is required")
	}

	cfg = cfg.withDefaults()

	log := deps.Logger
	if log == nil {
		log = logging.NewNop()
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	breakerOpts := []breaker.Option{breaker.WithClock(now)}
	hook := transitionHook(log, deps.Metrics)
	if hook != nil {
		breakerOpts = append(breakerOpts, breaker.WithTransitionHook(hook))
	}
	breakers := breaker.NewTable(cfg.Breaker, breakerOpts...)

	cache := tokencache.New(cfg.TokenCache, tokencache.WithClock(now))

	var auditOpts []audit.Option
	if deps.Metrics != nil {
		auditOpts = append(auditOpts, audit.WithDropHook(deps.Metrics.RecordAuditDrop))
	}

	return &Engine{
		cfg:      cfg,
		store:    deps.Store,
		plugins:  deps.Plugins,
		resolver: auth.NewResolver(deps.Secrets, deps.Identity, cache, log),
		breakers: breakers,
		limiter:  ratelimit.NewLimiter(ratelimit.WithClock(now)),
		selector: newLinkSelector(breakers),
		recorder: audit.NewRecorder(deps.Audit, cfg.Audit, log, auditOpts...),
		metrics:  deps.Metrics,
		tracing:  deps.Tracing,
		log:      log,
		now:      now,
	}, nil
}

func transitionHook(log logging.Logger, metrics *observability.Metrics) func(uuid.UUID, uuid.UUID, breaker.State, breaker.State) {
	var metricsHook func(uuid.UUID, uuid.UUID, breaker.State, breaker.State)
	if metrics != nil {
		metricsHook = metrics.BreakerHook()
	}
	return func(routeID, linkID uuid.UUID, from, to breaker.State) {
		log.Info("circuit breaker transition",
			logging.String("route_id", routeID.String()),
			logging.String("link_id", linkID.String()),
			logging.Stringer("from", from),
			logging.Stringer("to", to))
		if metricsHook != nil {
			metricsHook(routeID, linkID, from, to)
		}
	}
}

// Close stops background work. In-flight invocations are unaffected.
func (e *Engine) Close() error {
	return e.recorder.Close()
}

// InvokeUnary executes a unary outbound invocation for the given identity.
// Downstream non-2xx responses are returned as responses, not errors. The
// engine retries only when req.Retry asks for it.
func (e *Engine) InvokeUnary(ctx context.Context, id gateway.Identity, req *gateway.InvokeRequest) (*gateway.InvokeResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	route, err := e.store.Route(ctx, req.RouteID)
	if err != nil {
		return nil, err
	}

	if req.Retry.MaxAttempts > 1 {
		return e.invokeWithRetry(ctx, id, route, req)
	}

	resp, err := e.attempt(ctx, id, route, req, req.LinkID, uuid.Nil, 1)
	if err != nil {
		return nil, err
	}
	resp.Attempt = 1
	return resp, nil
}

// InvokeStream opens a streaming invocation and returns its event sequence.
// Stream invocations are never retried; resumable aborts carry a hint for
// the caller to issue a fresh invocation with.
func (e *Engine) InvokeStream(ctx context.Context, id gateway.Identity, req *gateway.InvokeRequest) (<-chan gateway.StreamEvent, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	route, err := e.store.Route(ctx, req.RouteID)
	if err != nil {
		return nil, err
	}

	start := e.now()

	rsv, err := e.reserve(id, route)
	if err != nil {
		e.record(ctx, id, route, uuid.Nil, req, 0, e.now().Sub(start), 1, true, err)
		return nil, err
	}

	link, p, secret, err := e.prepare(ctx, id, route, req, req.LinkID, uuid.Nil)
	if err != nil {
		rsv.release()
		e.record(ctx, id, route, linkOf(err), req, 0, e.now().Sub(start), 1, true, err)
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		rsv.release()
		e.breakers.ReleaseTrial(route.ID, link.ID)
		return nil, errors.Wrap(ctxErr, errors.KindInternal, "invocation cancelled before dispatch")
	}

	openCtx, finish := e.startSpan(ctx, route, link, req)
	raw, err := p.InvokeStream(openCtx, link, route, &secret, req)
	duration := e.now().Sub(start)
	finish(err)
	if err != nil {
		err = coerceError(err, link.ID)
		if feedsBreaker(errors.KindOf(err)) {
			e.breakers.RecordFailure(route.ID, link.ID, link.Breaker)
		} else {
			e.breakers.ReleaseTrial(route.ID, link.ID)
		}
		if errors.KindOf(err) == errors.KindAuthenticationFailed {
			e.resolver.Invalidate(id, route, req.Scopes)
		}
		e.record(ctx, id, route, link.ID, req, 0, duration, 1, true, err)
		e.observe(route.ID, errorOutcome(err), duration)
		return nil, err
	}

	// The remote accepted the stream; that is the breaker-visible outcome.
	// Mid-stream failures surface to the caller as aborts.
	e.breakers.RecordSuccess(route.ID, link.ID, link.Breaker)
	if err := e.record(ctx, id, route, link.ID, req, 0, duration, 1, true, nil); err != nil {
		_ = raw.Close()
		e.observe(route.ID, errorOutcome(err), duration)
		return nil, err
	}
	e.observe(route.ID, "stream_open", duration)

	events := stream.Run(ctx, raw, e.cfg.Stream, e.log)
	if e.metrics == nil {
		return events, nil
	}
	return e.observeStream(ctx, events), nil
}

// observeStream counts chunks, bytes and aborts as events pass through. The
// forwarder gives up on cancellation so an abandoned consumer cannot strand
// it mid-send.
func (e *Engine) observeStream(ctx context.Context, in <-chan gateway.StreamEvent) <-chan gateway.StreamEvent {
	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		for ev := range in {
			switch {
			case ev.Chunk != nil:
				e.metrics.RecordStreamChunk(len(ev.Chunk.Data))
			case ev.Abort != nil:
				e.metrics.RecordStreamAbort(string(ev.Abort.Reason))
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RouteHealth reports per-link breaker-derived health and an aggregate for
// the route.
func (e *Engine) RouteHealth(ctx context.Context, routeID uuid.UUID) (*gateway.RouteHealth, error) {
	route, err := e.store.Route(ctx, routeID)
	if err != nil {
		return nil, err
	}
	links, err := e.store.LinksForRoute(ctx, route.ID)
	if err != nil {
		return nil, err
	}

	health := &gateway.RouteHealth{RouteID: route.ID}
	available, degraded := 0, 0
	for _, l := range links {
		status := gateway.HealthUnhealthy
		if l.Enabled {
			status = e.breakers.Health(route.ID, l.ID)
		}
		switch status {
		case gateway.HealthHealthy:
			available++
		case gateway.HealthDegraded:
			available++
			degraded++
		}
		health.Links = append(health.Links, gateway.LinkHealth{LinkID: l.ID, Status: status})
	}

	switch {
	case len(links) == 0 || available == 0:
		health.Status = gateway.HealthUnhealthy
	case degraded > 0 || available < len(links):
		health.Status = gateway.HealthDegraded
	default:
		health.Status = gateway.HealthHealthy
	}
	return health, nil
}

// reservation wraps an optional rate-limit token.
type reservation struct {
	res *ratelimit.Reservation
}

func (r reservation) release() {
	if r.res != nil {
		r.res.Release()
	}
}

func (e *Engine) reserve(id gateway.Identity, route *gateway.Route) (reservation, error) {
	if !route.RateLimit.Enabled() {
		return reservation{}, nil
	}
	res, retryAfter, ok := e.limiter.TryAcquire(id.TenantID, route.ID, route.RateLimit)
	if !ok {
		if e.metrics != nil {
			e.metrics.RecordRateLimitRejection(route.ID)
		}
		return reservation{}, errors.RateLimitExceeded(retryAfter)
	}
	return reservation{res: res}, nil
}

// prepare runs link selection, breaker admission, plugin selection and
// credential resolution for one attempt.
func (e *Engine) prepare(ctx context.Context, id gateway.Identity, route *gateway.Route, req *gateway.InvokeRequest, pin, exclude uuid.UUID) (*gateway.Link, plugin.Plugin, gateway.Secret, error) {
	var zero gateway.Secret

	link, err := e.pickLink(ctx, id, route, pin, exclude)
	if err != nil {
		return nil, nil, zero, err
	}
	if link.ConnectTimeout <= 0 {
		l := *link
		l.ConnectTimeout = e.cfg.DefaultConnectTimeout
		link = &l
	}

	if allowed, remaining := e.breakers.Allow(route.ID, link.ID, link.Breaker); !allowed {
		return nil, nil, zero, errors.CircuitBreakerOpen(link.ID, remaining)
	}

	// From here on the breaker may have admitted a half-open trial; a
	// failure that never reaches the link must hand the slot back.
	p, err := e.plugins.Select(route)
	if err != nil {
		e.breakers.ReleaseTrial(route.ID, link.ID)
		return nil, nil, zero, err
	}

	secret, err := e.resolver.Credentials(ctx, id, route, link, req.Scopes)
	if err != nil {
		e.breakers.ReleaseTrial(route.ID, link.ID)
		return nil, nil, zero, err
	}
	return link, p, secret, nil
}

// attempt performs one complete unary attempt.
func (e *Engine) attempt(ctx context.Context, id gateway.Identity, route *gateway.Route, req *gateway.InvokeRequest, pin, exclude uuid.UUID, attemptNo int) (*gateway.InvokeResponse, error) {
	start := e.now()

	rsv, err := e.reserve(id, route)
	if err != nil {
		e.record(ctx, id, route, uuid.Nil, req, 0, e.now().Sub(start), attemptNo, false, err)
		return nil, err
	}

	link, p, secret, err := e.prepare(ctx, id, route, req, pin, exclude)
	if err != nil {
		rsv.release()
		e.record(ctx, id, route, linkOf(err), req, 0, e.now().Sub(start), attemptNo, false, err)
		e.observe(route.ID, errorOutcome(err), e.now().Sub(start))
		return nil, err
	}

	// Cancellation before dispatch returns the rate-limit token and any
	// half-open trial slot.
	if ctxErr := ctx.Err(); ctxErr != nil {
		rsv.release()
		e.breakers.ReleaseTrial(route.ID, link.ID)
		return nil, errors.Wrap(ctxErr, errors.KindInternal, "invocation cancelled before dispatch")
	}

	callCtx, cancel := e.callContext(ctx, req, link)
	defer cancel()
	callCtx, finish := e.startSpan(callCtx, route, link, req)

	resp, err := p.InvokeUnary(callCtx, link, route, &secret, req)
	duration := e.now().Sub(start)
	finish(err)

	if err != nil {
		err = coerceError(err, link.ID)
		if feedsBreaker(errors.KindOf(err)) {
			e.breakers.RecordFailure(route.ID, link.ID, link.Breaker)
		} else {
			e.breakers.ReleaseTrial(route.ID, link.ID)
		}
		if errors.KindOf(err) == errors.KindAuthenticationFailed {
			e.resolver.Invalidate(id, route, req.Scopes)
		}
		e.record(ctx, id, route, link.ID, req, 0, duration, attemptNo, false, err)
		e.observe(route.ID, errorOutcome(err), duration)
		return nil, err
	}

	resp.LinkID = link.ID
	resp.Duration = duration

	// Downstream 5xx still comes back to the caller but counts as a
	// breaker failure.
	if resp.StatusCode >= 500 {
		e.breakers.RecordFailure(route.ID, link.ID, link.Breaker)
	} else {
		e.breakers.RecordSuccess(route.ID, link.ID, link.Breaker)
	}

	// A downstream 401 means the cached derived credential is no good;
	// drop it so the next call re-exchanges.
	if resp.StatusCode == 401 {
		e.resolver.Invalidate(id, route, req.Scopes)
	}

	if err := e.record(ctx, id, route, link.ID, req, resp.StatusCode, duration, attemptNo, false, nil); err != nil {
		e.observe(route.ID, errorOutcome(err), duration)
		return nil, err
	}
	e.observe(route.ID, statusOutcome(resp.StatusCode), duration)
	return resp, nil
}

func (e *Engine) pickLink(ctx context.Context, id gateway.Identity, route *gateway.Route, pin, exclude uuid.UUID) (*gateway.Link, error) {
	if pin != uuid.Nil {
		link, err := e.store.Link(ctx, pin)
		if err != nil {
			return nil, err
		}
		if link.RouteID != route.ID {
			return nil, errors.Validation("link_id", "link does not belong to the requested route")
		}
		if !link.Enabled {
			return nil, errors.LinkUnavailable(route.ID).WithLink(link.ID)
		}
		return link, nil
	}

	links, err := e.store.LinksForRoute(ctx, route.ID)
	if err != nil {
		return nil, err
	}
	return e.selector.Select(route, links, id, exclude)
}

// callContext applies the request timeout. Precedence: request override,
// link setting, engine default. Connect timeouts are enforced inside the
// plugin transport.
func (e *Engine) callContext(ctx context.Context, req *gateway.InvokeRequest, link *gateway.Link) (context.Context, context.CancelFunc) {
	timeout := e.cfg.DefaultRequestTimeout
	if link.RequestTimeout > 0 {
		timeout = link.RequestTimeout
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	return context.WithTimeout(ctx, timeout)
}

// record delivers the attempt's audit record. The returned error is non-nil
// only in fail-closed mode, where the invocation must not outrun the audit
// trail; callers on already-failing paths may ignore it.
func (e *Engine) record(ctx context.Context, id gateway.Identity, route *gateway.Route, linkID uuid.UUID, req *gateway.InvokeRequest, status int, duration time.Duration, attempt int, isStream bool, invokeErr error) error {
	rec := audit.Record{
		Time:       e.now(),
		TenantID:   id.TenantID,
		RouteID:    route.ID,
		LinkID:     linkID,
		Method:     string(req.Method),
		Path:       req.Path,
		StatusCode: status,
		Duration:   duration,
		Attempt:    attempt,
		Stream:     isStream,
	}
	if invokeErr != nil {
		rec.ErrorKind = string(errors.KindOf(invokeErr))
	}
	if err := e.recorder.Record(ctx, rec); err != nil {
		e.log.Error("audit record rejected",
			logging.String("route_id", route.ID.String()),
			logging.ErrorField(err))
		return err
	}
	return nil
}

// startSpan opens a client span around the plugin dispatch and injects the
// trace context into the outbound headers. The returned finish callback
// records the dispatch error, if any, and ends the span.
func (e *Engine) startSpan(ctx context.Context, route *gateway.Route, link *gateway.Link, req *gateway.InvokeRequest) (context.Context, func(error)) {
	if e.tracing == nil {
		return ctx, func(error) {}
	}
	ctx, span := e.tracing.StartInvocationSpan(ctx, route.ID, link.ID, string(req.Method))
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	e.tracing.Inject(ctx, propagation.MapCarrier(req.Headers))
	return ctx, func(invokeErr error) {
		if invokeErr != nil {
			e.tracing.RecordError(ctx, invokeErr)
		}
		span.End()
	}
}

func (e *Engine) observe(routeID uuid.UUID, outcome string, duration time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordInvocation(routeID, outcome, duration)
	}
}

func validateRequest(req *gateway.InvokeRequest) error {
	if req == nil {
		return errors.Validation("request", "request is required")
	}
	if req.RouteID == uuid.Nil {
		return errors.Validation("route_id", "route id is required")
	}
	if req.Method == "" {
		return errors.Validation("method", "method is required")
	}
	return nil
}

// coerceError guarantees the engine's error surface: anything a plugin
// returns that is not already classified becomes Internal, and the failing
// link is attached when missing.
func coerceError(err error, linkID uuid.UUID) error {
	var engErr *errors.Error
	if !errors.As(err, &engErr) {
		engErr = errors.Internal(err)
	}
	if engErr.LinkID() == uuid.Nil {
		engErr = engErr.WithLink(linkID)
	}
	return engErr
}

// feedsBreaker reports whether an error kind counts as a link failure.
// Local rejections (rate limit, validation, auth plumbing) do not.
func feedsBreaker(kind errors.Kind) bool {
	switch kind {
	case errors.KindConnectionTimeout,
		errors.KindRequestTimeout,
		errors.KindLinkUnavailable,
		errors.KindProtocolError,
		errors.KindDownstreamError:
		return true
	default:
		return false
	}
}

func linkOf(err error) uuid.UUID {
	var engErr *errors.Error
	if errors.As(err, &engErr) {
		return engErr.LinkID()
	}
	return uuid.Nil
}

func errorOutcome(err error) string {
	return string(errors.KindOf(err))
}

func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
