// Package audit delivers invocation records to a sink without stalling the
// invocation path beyond a bounded latency budget.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/logging"
)

// Record captures the outcome of a single invocation attempt.
type Record struct {
	Time     time.Time
	TenantID uuid.UUID
	RouteID  uuid.UUID
	LinkID   uuid.UUID
	Method   string
	Path     string

	// StatusCode is the downstream status, zero when the call never
	// reached the remote.
	StatusCode int
	Duration   time.Duration
	Attempt    int
	Stream     bool

	// ErrorKind is empty on success.
	ErrorKind string
}

// Sink receives audit records. Implementations may block; the recorder
// shields callers from slow sinks.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Mode selects the delivery guarantee when the recorder's buffer is full.
type Mode string

const (
	// BestEffort drops the record when the buffer is full.
	BestEffort Mode = "best_effort"
	// Guaranteed blocks up to the latency budget, then hands the record to
	// a background enqueue so the caller is never stalled indefinitely.
	Guaranteed Mode = "guaranteed"
	// FailClosed returns an error to the caller when the record cannot be
	// enqueued within the latency budget.
	FailClosed Mode = "fail_closed"
)

// Config configures the recorder.
type Config struct {
	Mode Mode `json:"mode"`
	// Buffer is the in-flight record queue size.
	Buffer int `json:"buffer"`
	// LatencyBudget bounds how long Record may block the caller.
	LatencyBudget time.Duration `json:"latency_budget"`
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		Mode:          BestEffort,
		Buffer:        256,
		LatencyBudget: 25 * time.Millisecond,
	}
}

// Recorder drains records to the sink on a background goroutine.
type Recorder struct {
	sink Sink
	cfg  Config
	log  logging.Logger

	ch     chan Record
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once

	// onDrop is invoked when a best-effort record is lost.
	onDrop func()
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDropHook registers a callback for dropped best-effort records.
func WithDropHook(fn func()) Option {
	return func(r *Recorder) { r.onDrop = fn }
}

// NewRecorder starts a recorder draining to sink. A nil sink yields a
// recorder that discards everything.
func NewRecorder(sink Sink, cfg Config, log logging.Logger, opts ...Option) *Recorder {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = 25 * time.Millisecond
	}
	if cfg.Mode == "" {
		cfg.Mode = BestEffort
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	r := &Recorder{
		sink:   sink,
		cfg:    cfg,
		log:    log,
		ch:     make(chan Record, cfg.Buffer),
		ctx:    ctx,
		cancel: cancel,
		group:  g,
	}
	for _, opt := range opts {
		opt(r)
	}

	if sink != nil {
		g.Go(func() error { return r.drain(ctx) })
	}
	return r
}

func (r *Recorder) drain(ctx context.Context) error {
	for {
		select {
		case rec := <-r.ch:
			if err := r.sink.Record(ctx, rec); err != nil {
				r.log.Warn("audit sink write failed",
					logging.String("route_id", rec.RouteID.String()),
					logging.ErrorField(err))
			}
		case <-ctx.Done():
			// Flush whatever is already buffered.
			for {
				select {
				case rec := <-r.ch:
					if err := r.sink.Record(context.Background(), rec); err != nil {
						r.log.Warn("audit sink write failed during flush",
							logging.ErrorField(err))
					}
				default:
					return nil
				}
			}
		}
	}
}

// Record enqueues rec according to the configured mode. Only FailClosed can
// return an error.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if r.sink == nil {
		return nil
	}

	select {
	case r.ch <- rec:
		return nil
	default:
	}

	switch r.cfg.Mode {
	case BestEffort:
		if r.onDrop != nil {
			r.onDrop()
		}
		r.log.Debug("audit record dropped",
			logging.String("route_id", rec.RouteID.String()))
		return nil

	case Guaranteed:
		timer := time.NewTimer(r.cfg.LatencyBudget)
		defer timer.Stop()
		select {
		case r.ch <- rec:
			return nil
		case <-timer.C:
			// Budget spent; finish the enqueue off the caller's path.
			r.deferEnqueue(rec)
			return nil
		case <-ctx.Done():
			r.deferEnqueue(rec)
			return nil
		}

	case FailClosed:
		timer := time.NewTimer(r.cfg.LatencyBudget)
		defer timer.Stop()
		select {
		case r.ch <- rec:
			return nil
		case <-timer.C:
			return errors.New(errors.KindInternal, "audit backlog exceeded latency budget")
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.KindInternal, "audit enqueue cancelled")
		}

	default:
		return nil
	}
}

// deferEnqueue retries the enqueue on a background goroutine so the caller
// returns within the latency budget. The record is abandoned if the recorder
// closes first.
func (r *Recorder) deferEnqueue(rec Record) {
	r.group.Go(func() error {
		select {
		case r.ch <- rec:
		case <-r.ctx.Done():
		}
		return nil
	})
}

// Close stops the drain goroutine after flushing buffered records.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		err = r.group.Wait()
	})
	return err
}
