// Package stream turns a plugin's raw stream into the engine's bounded,
// cancellable sequence of StreamEvent items.
//
// The pipeline enforces an idle timeout and an inflight byte budget, and
// converts transport failures into exactly one terminal StreamAbort. It
// never resumes or retries: a consumer wanting to continue after a resumable
// abort issues a brand-new invocation carrying the abort's resume hint.
package stream

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
	"github.com/gatewaykit/oagw-go/pkg/logging"
	"github.com/gatewaykit/oagw-go/pkg/plugin"
)

// Config bounds one streamed invocation.
type Config struct {
	// IdleTimeout aborts the stream when no chunk arrives within it.
	IdleTimeout time.Duration `json:"idle_timeout"`
	// MaxBytes aborts the stream when cumulative payload exceeds it.
	// Zero means unbounded.
	MaxBytes int64 `json:"max_bytes"`
	// Buffer is the capacity of the delivered event channel.
	Buffer int `json:"buffer"`
}

// DefaultConfig returns the standard streaming bounds.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: 60 * time.Second,
		MaxBytes:    64 << 20, // 64 MiB
		Buffer:      16,
	}
}

type recvResult struct {
	chunk *gateway.StreamChunk
	err   error
}

// Run consumes raw on a background goroutine and returns the bounded event
// sequence. The returned channel closes after natural completion, after the
// single terminal abort, or silently when ctx is cancelled. The raw stream
// is always closed before the channel closes.
func Run(ctx context.Context, raw plugin.RawStream, cfg Config, log logging.Logger) <-chan gateway.StreamEvent {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}

	out := make(chan gateway.StreamEvent, cfg.Buffer)
	go pump(ctx, raw, cfg, log, out)
	return out
}

func pump(ctx context.Context, raw plugin.RawStream, cfg Config, log logging.Logger, out chan<- gateway.StreamEvent) {
	defer close(out)

	done := make(chan struct{})
	defer close(done)
	// Closing the raw stream unblocks a Recv pending in the reader
	// goroutine.
	defer raw.Close()

	recvCh := make(chan recvResult)
	go func() {
		for {
			chunk, err := raw.Recv(ctx)
			select {
			case recvCh <- recvResult{chunk: chunk, err: err}:
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var received int64
	var lastEventID string

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			// Cancellation ends the sequence without an abort.
			return

		case <-idle.C:
			log.Warn("stream idle timeout",
				logging.Duration("idle_timeout", cfg.IdleTimeout),
				logging.Int64("bytes_received", received))
			emit(ctx, out, abortEvent(gateway.StreamAbort{
				Reason:        gateway.AbortTimeout,
				BytesReceived: received,
				Resumable:     lastEventID != "",
				ResumeHint:    lastEventID,
				Detail:        "no chunk within idle timeout",
			}))
			return

		case res := <-recvCh:
			if res.err != nil {
				if stderrors.Is(res.err, io.EOF) {
					return
				}
				if ctx.Err() != nil {
					// The failed Recv raced with cancellation; end
					// silently per the cancellation contract.
					return
				}
				emit(ctx, out, abortEvent(classify(res.err, received, lastEventID)))
				return
			}

			chunk := res.chunk
			if chunk == nil {
				continue
			}
			received += int64(len(chunk.Data))
			if chunk.EventID != "" {
				lastEventID = chunk.EventID
			}

			if cfg.MaxBytes > 0 && received > cfg.MaxBytes {
				emit(ctx, out, abortEvent(gateway.StreamAbort{
					Reason:        gateway.AbortProtocol,
					BytesReceived: received,
					Resumable:     false,
					Detail:        "byte budget exceeded",
				}))
				return
			}

			if !emit(ctx, out, gateway.StreamEvent{Chunk: chunk}) {
				return
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.IdleTimeout)
		}
	}
}

func emit(ctx context.Context, out chan<- gateway.StreamEvent, ev gateway.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func abortEvent(a gateway.StreamAbort) gateway.StreamEvent {
	return gateway.StreamEvent{Abort: &a}
}

// classify maps a raw stream error onto an abort. Network-level failures
// are resumable when an SSE event id was seen; auth and protocol failures
// never are.
func classify(err error, received int64, lastEventID string) gateway.StreamAbort {
	abort := gateway.StreamAbort{
		BytesReceived: received,
		Detail:        err.Error(),
	}
	switch errors.KindOf(err) {
	case errors.KindAuthenticationFailed:
		abort.Reason = gateway.AbortAuth
	case errors.KindConnectionTimeout, errors.KindRequestTimeout:
		abort.Reason = gateway.AbortTimeout
		abort.Resumable = lastEventID != ""
		abort.ResumeHint = lastEventID
	case errors.KindProtocolError, errors.KindPayloadTooLarge:
		abort.Reason = gateway.AbortProtocol
	default:
		abort.Reason = gateway.AbortNetwork
		abort.Resumable = lastEventID != ""
		abort.ResumeHint = lastEventID
	}
	return abort
}
