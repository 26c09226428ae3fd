// Package breaker implements the per-(route, link) circuit breaker table.
//
// Each key holds an independent three-state machine (closed, open,
// half-open). State is created lazily on first observation and updated under
// a per-key mutex, so invocations on unrelated links never contend.
package breaker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// State identifies a breaker position.
type State int

const (
	// Closed admits all calls and counts consecutive failures.
	Closed State = iota
	// Open rejects calls until the open window elapses.
	Open
	// HalfOpen admits exactly one trial call at a time.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config carries the engine-level breaker defaults. Per-link policies
// override individual fields.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker.
	FailureThreshold int `json:"failure_threshold"`
	// SuccessThreshold is the consecutive trial-success count that closes a
	// half-open breaker.
	SuccessThreshold int `json:"success_threshold"`
	// OpenTimeout is how long an open breaker rejects calls before
	// admitting a trial.
	OpenTimeout time.Duration `json:"open_timeout"`
}

// DefaultConfig returns the standard breaker thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

func (c Config) merge(p gateway.BreakerPolicy) Config {
	out := c
	if p.FailureThreshold > 0 {
		out.FailureThreshold = p.FailureThreshold
	}
	if p.SuccessThreshold > 0 {
		out.SuccessThreshold = p.SuccessThreshold
	}
	if p.OpenTimeout > 0 {
		out.OpenTimeout = p.OpenTimeout
	}
	return out
}

type key struct {
	route uuid.UUID
	link  uuid.UUID
}

type entry struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openUntil time.Time
	probing   bool
}

// Table tracks breaker state per (route, link).
type Table struct {
	defaults Config
	now      func() time.Time

	mu      sync.RWMutex
	entries map[key]*entry

	// onTransition, when set, is called outside the entry lock after a
	// state change. Used for metrics.
	onTransition func(routeID, linkID uuid.UUID, from, to State)
}

// Option configures a Table.
type Option func(*Table)

// WithClock injects a clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// WithTransitionHook registers a callback invoked after every state change.
func WithTransitionHook(fn func(routeID, linkID uuid.UUID, from, to State)) Option {
	return func(t *Table) { t.onTransition = fn }
}

// NewTable creates a breaker table with the given defaults.
func NewTable(defaults Config, opts ...Option) *Table {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if defaults.SuccessThreshold <= 0 {
		defaults.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if defaults.OpenTimeout <= 0 {
		defaults.OpenTimeout = DefaultConfig().OpenTimeout
	}
	t := &Table{
		defaults: defaults,
		now:      time.Now,
		entries:  make(map[key]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) entryFor(routeID, linkID uuid.UUID, policy gateway.BreakerPolicy) *entry {
	k := key{route: routeID, link: linkID}

	t.mu.RLock()
	e, ok := t.entries[k]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[k]; ok {
		return e
	}
	e = &entry{cfg: t.defaults.merge(policy), state: Closed}
	t.entries[k] = e
	return e
}

// Allow decides whether a call on (route, link) may proceed. When the
// breaker rejects, the returned duration is the remaining open window to be
// used as a retry-after hint. An open breaker whose window has elapsed
// transitions to half-open and admits a single trial call; concurrent
// callers are rejected until the trial completes.
func (t *Table) Allow(routeID, linkID uuid.UUID, policy gateway.BreakerPolicy) (bool, time.Duration) {
	e := t.entryFor(routeID, linkID, policy)
	now := t.now()

	e.mu.Lock()
	switch e.state {
	case Closed:
		e.mu.Unlock()
		return true, 0

	case Open:
		if now.Before(e.openUntil) {
			remaining := e.openUntil.Sub(now)
			e.mu.Unlock()
			return false, remaining
		}
		// Window elapsed: this caller becomes the half-open trial.
		e.state = HalfOpen
		e.successes = 0
		e.probing = true
		e.mu.Unlock()
		t.notify(routeID, linkID, Open, HalfOpen)
		return true, 0

	case HalfOpen:
		if e.probing {
			remaining := e.cfg.OpenTimeout
			e.mu.Unlock()
			return false, remaining
		}
		e.probing = true
		e.mu.Unlock()
		return true, 0
	}

	e.mu.Unlock()
	return false, 0
}

// ReleaseTrial returns an unused half-open trial slot without recording an
// outcome. The executor calls it when an admitted call never produced a
// breaker-visible result, so the slot is not held forever by a selection or
// credential failure.
func (t *Table) ReleaseTrial(routeID, linkID uuid.UUID) {
	t.mu.RLock()
	e, ok := t.entries[key{route: routeID, link: linkID}]
	t.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.state == HalfOpen {
		e.probing = false
	}
	e.mu.Unlock()
}

// RecordSuccess feeds a successful invocation outcome into the breaker.
func (t *Table) RecordSuccess(routeID, linkID uuid.UUID, policy gateway.BreakerPolicy) {
	e := t.entryFor(routeID, linkID, policy)

	e.mu.Lock()
	from := e.state
	switch e.state {
	case Closed:
		e.failures = 0
	case HalfOpen:
		e.probing = false
		e.successes++
		if e.successes >= e.cfg.SuccessThreshold {
			e.state = Closed
			e.failures = 0
			e.successes = 0
		}
	case Open:
		// Late result from a call admitted before the trip; ignore.
	}
	to := e.state
	e.mu.Unlock()

	if from != to {
		t.notify(routeID, linkID, from, to)
	}
}

// RecordFailure feeds a failed invocation outcome into the breaker.
func (t *Table) RecordFailure(routeID, linkID uuid.UUID, policy gateway.BreakerPolicy) {
	e := t.entryFor(routeID, linkID, policy)
	now := t.now()

	e.mu.Lock()
	from := e.state
	switch e.state {
	case Closed:
		e.failures++
		if e.failures >= e.cfg.FailureThreshold {
			e.state = Open
			e.openUntil = now.Add(e.cfg.OpenTimeout)
			e.failures = 0
			e.successes = 0
		}
	case HalfOpen:
		e.probing = false
		e.state = Open
		e.openUntil = now.Add(e.cfg.OpenTimeout)
		e.failures = 0
		e.successes = 0
	case Open:
		// Late failure while already open; keep the existing window.
	}
	to := e.state
	e.mu.Unlock()

	if from != to {
		t.notify(routeID, linkID, from, to)
	}
}

// State returns the current breaker state for (route, link). Unknown keys
// report Closed. An open breaker whose window has elapsed reports HalfOpen,
// matching what Allow would do.
func (t *Table) State(routeID, linkID uuid.UUID) State {
	t.mu.RLock()
	e, ok := t.entries[key{route: routeID, link: linkID}]
	t.mu.RUnlock()
	if !ok {
		return Closed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Open && !t.now().Before(e.openUntil) {
		return HalfOpen
	}
	return e.state
}

// Remaining returns the unexpired portion of the open window for
// (route, link), zero when the breaker is not open. It never admits a
// half-open trial.
func (t *Table) Remaining(routeID, linkID uuid.UUID) time.Duration {
	t.mu.RLock()
	e, ok := t.entries[key{route: routeID, link: linkID}]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Open {
		return 0
	}
	if remaining := e.openUntil.Sub(t.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Health maps breaker state onto a link health status.
func (t *Table) Health(routeID, linkID uuid.UUID) gateway.HealthStatus {
	switch t.State(routeID, linkID) {
	case Open:
		return gateway.HealthCircuitOpen
	case HalfOpen:
		return gateway.HealthDegraded
	default:
		return gateway.HealthHealthy
	}
}

func (t *Table) notify(routeID, linkID uuid.UUID, from, to State) {
	if t.onTransition != nil {
		t.onTransition(routeID, linkID, from, to)
	}
}
