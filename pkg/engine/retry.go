package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// invokeWithRetry drives up to MaxAttempts unary attempts. Each decision to
// retry requires the matching condition in the caller's RetryIntent; the
// engine never retries on its own initiative.
func (e *Engine) invokeWithRetry(ctx context.Context, id gateway.Identity, route *gateway.Route, req *gateway.InvokeRequest) (*gateway.InvokeResponse, error) {
	intent := req.Retry

	var lastErr error
	prevLink := uuid.Nil

	for attempt := 1; attempt <= intent.MaxAttempts; attempt++ {
		if attempt > 1 {
			if intent.Budget != nil && !intent.Budget.TryAcquire() {
				break
			}
			if err := e.waitBackoff(ctx, intent, attempt, lastErr); err != nil {
				return nil, err
			}
			if intent.Scope == gateway.ScopeReroute {
				// Re-read route config so a reroute retry observes
				// updated links and policies.
				fresh, err := e.store.Route(ctx, route.ID)
				if err != nil {
					return nil, err
				}
				route = fresh
			}
		}

		pin, exclude := e.retryTarget(req, intent, attempt, prevLink)
		resp, err := e.attempt(ctx, id, route, req, pin, exclude, attempt)
		if err == nil {
			if resp.StatusCode >= 400 && attempt < intent.MaxAttempts && statusRetryable(intent, resp.StatusCode) {
				e.recordRetry(route.ID, statusCondition(resp.StatusCode))
				prevLink = resp.LinkID
				lastErr = errors.DownstreamError(resp.StatusCode, resp.RetryAfter)
				continue
			}
			resp.Attempt = attempt
			return resp, nil
		}

		lastErr = err
		if lid := linkOf(err); lid != uuid.Nil {
			prevLink = lid
		}
		cond, ok := retryCondition(err)
		if !ok || !intent.Allows(cond) {
			return nil, err
		}
		if attempt < intent.MaxAttempts {
			e.recordRetry(route.ID, cond)
		}
	}
	return nil, lastErr
}

// retryTarget decides which link the next attempt may use, honoring the
// caller's scope and any explicit LinkID pin.
func (e *Engine) retryTarget(req *gateway.InvokeRequest, intent gateway.RetryIntent, attempt int, prevLink uuid.UUID) (pin, exclude uuid.UUID) {
	if req.LinkID != uuid.Nil {
		return req.LinkID, uuid.Nil
	}
	if attempt == 1 {
		return uuid.Nil, uuid.Nil
	}
	switch intent.Scope {
	case gateway.ScopeSameLink:
		return prevLink, uuid.Nil
	case gateway.ScopeDifferentLink:
		return uuid.Nil, prevLink
	default:
		// Reroute and the zero scope both re-run full selection.
		return uuid.Nil, uuid.Nil
	}
}

// waitBackoff sleeps for the configured backoff before attempt n. A
// retry-after hint from the previous failure raises the floor.
func (e *Engine) waitBackoff(ctx context.Context, intent gateway.RetryIntent, attempt int, lastErr error) error {
	delay := intent.Backoff.Delay(attempt - 1)
	if ra, ok := errors.RetryAfterOf(lastErr); ok && ra > delay {
		delay = ra
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindInternal, "retry wait cancelled")
	}
}

func (e *Engine) recordRetry(routeID uuid.UUID, cond gateway.RetryOn) {
	if e.metrics != nil {
		e.metrics.RecordRetry(routeID, string(cond))
	}
}

// retryCondition maps an error kind onto the caller-declarable retry
// condition, or reports that the failure is never retriable.
func retryCondition(err error) (gateway.RetryOn, bool) {
	var engErr *errors.Error
	if !errors.As(err, &engErr) {
		return "", false
	}
	switch engErr.Kind() {
	case errors.KindConnectionTimeout:
		return gateway.RetryOnConnectionTimeout, true
	case errors.KindRequestTimeout:
		return gateway.RetryOnRequestTimeout, true
	case errors.KindLinkUnavailable, errors.KindCircuitBreakerOpen:
		return gateway.RetryOnConnectError, true
	case errors.KindRateLimitExceeded:
		return gateway.RetryOnRateLimited, true
	case errors.KindDownstreamError:
		if engErr.StatusCode() == 429 {
			return gateway.RetryOnStatus429, true
		}
		return gateway.RetryOnStatus5xx, true
	default:
		return "", false
	}
}

func statusRetryable(intent gateway.RetryIntent, status int) bool {
	if status == 429 {
		return intent.Allows(gateway.RetryOnStatus429)
	}
	return status >= 500 && intent.Allows(gateway.RetryOnStatus5xx)
}

func statusCondition(status int) gateway.RetryOn {
	if status == 429 {
		return gateway.RetryOnStatus429
	}
	return gateway.RetryOnStatus5xx
}
