package gateway

import (
	"math"
	"sync/atomic"
	"time"
)

// RetryOn names an error condition the caller declares retryable. The engine
// never retries on its own initiative; an empty set means no retries.
type RetryOn string

const (
	// RetryOnConnectionTimeout retries connection-establishment timeouts.
	RetryOnConnectionTimeout RetryOn = "connection_timeout"
	// RetryOnRequestTimeout retries whole-request timeouts.
	RetryOnRequestTimeout RetryOn = "request_timeout"
	// RetryOnConnectError retries transport-level connection failures.
	RetryOnConnectError RetryOn = "connect_error"
	// RetryOnRateLimited retries local rate-limit rejections.
	RetryOnRateLimited RetryOn = "rate_limited"
	// RetryOnStatus5xx retries downstream 5xx responses.
	RetryOnStatus5xx RetryOn = "status_5xx"
	// RetryOnStatus429 retries downstream 429 responses.
	RetryOnStatus429 RetryOn = "status_429"
)

// RetryScope controls which link serves a retry attempt.
type RetryScope string

const (
	// ScopeSameLink reuses the link of the failed attempt.
	ScopeSameLink RetryScope = "same_link"
	// ScopeDifferentLink prefers any other eligible link, falling back to
	// the same one only when it is the sole survivor.
	ScopeDifferentLink RetryScope = "different_link"
	// ScopeReroute re-runs full strategy selection each attempt.
	ScopeReroute RetryScope = "reroute"
)

// RetryIntent is the caller-supplied retry policy carried on each request.
// The zero value performs exactly one attempt.
type RetryIntent struct {
	// MaxAttempts bounds total attempts including the first. Values below 1
	// are treated as 1.
	MaxAttempts int
	// RetryOn lists the error conditions that may trigger a retry.
	RetryOn []RetryOn
	// Scope controls link selection across attempts. The zero value re-runs
	// full selection each attempt; unlike ScopeReroute it does not reload
	// route configuration between attempts.
	Scope RetryScope
	// Backoff shapes the delay between attempts.
	Backoff Backoff
	// Budget optionally caps retries across many requests sharing it.
	Budget *RetryBudget
}

// Allows reports whether the intent declares the given condition retryable.
func (ri RetryIntent) Allows(cond RetryOn) bool {
	for _, c := range ri.RetryOn {
		if c == cond {
			return true
		}
	}
	return false
}

// BackoffShape selects the delay curve between retry attempts.
type BackoffShape string

const (
	BackoffNone        BackoffShape = "none"
	BackoffFixed       BackoffShape = "fixed"
	BackoffLinear      BackoffShape = "linear"
	BackoffExponential BackoffShape = "exponential"
)

// Backoff is a value-object description of the delay between attempts.
type Backoff struct {
	// Shape selects the curve; the zero value means no delay.
	Shape BackoffShape
	// Initial is the base delay (the fixed delay for BackoffFixed).
	Initial time.Duration
	// Increment is the per-attempt addition for BackoffLinear.
	Increment time.Duration
	// Multiplier is the per-attempt factor for BackoffExponential; values
	// below 1 are treated as 2.
	Multiplier float64
	// Max caps the computed delay when positive.
	Max time.Duration
}

// Delay returns the pause before retry attempt n (0-based: n=0 is the delay
// between the first and second attempts).
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	var d time.Duration
	switch b.Shape {
	case BackoffFixed:
		d = b.Initial
	case BackoffLinear:
		d = b.Initial + time.Duration(n)*b.Increment
	case BackoffExponential:
		m := b.Multiplier
		if m < 1 {
			m = 2
		}
		f := float64(b.Initial) * math.Pow(m, float64(n))
		if f > math.MaxInt64 {
			f = math.MaxInt64
		}
		d = time.Duration(f)
	default:
		return 0
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// RetryBudget caps the total number of retries across all requests that share
// it. Safe for concurrent use.
type RetryBudget struct {
	remaining atomic.Int64
}

// NewRetryBudget creates a budget allowing n retries in total.
func NewRetryBudget(n int) *RetryBudget {
	b := &RetryBudget{}
	b.remaining.Store(int64(n))
	return b
}

// TryAcquire consumes one retry from the budget, reporting whether one was
// available.
func (b *RetryBudget) TryAcquire() bool {
	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// Remaining returns the number of retries left in the budget.
func (b *RetryBudget) Remaining() int {
	n := b.remaining.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
