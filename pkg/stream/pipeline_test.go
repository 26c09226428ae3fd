package stream

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaykit/oagw-go/pkg/errors"
	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

// scriptedStream feeds pre-programmed results to the pipeline.
type scriptedStream struct {
	ch        chan recvResult
	closeOnce sync.Once
	closed    chan struct{}
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{
		ch:     make(chan recvResult, 16),
		closed: make(chan struct{}),
	}
}

func (s *scriptedStream) push(chunk *gateway.StreamChunk, err error) {
	s.ch <- recvResult{chunk: chunk, err: err}
}

func (s *scriptedStream) Recv(ctx context.Context) (*gateway.StreamChunk, error) {
	select {
	case r := <-s.ch:
		return r.chunk, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *scriptedStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func collect(t *testing.T, events <-chan gateway.StreamEvent) []gateway.StreamEvent {
	t.Helper()
	var out []gateway.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestNaturalCompletion(t *testing.T) {
	raw := newScriptedStream()
	raw.push(&gateway.StreamChunk{Data: []byte("hello ")}, nil)
	raw.push(&gateway.StreamChunk{Data: []byte("world")}, nil)
	raw.push(nil, io.EOF)

	events := Run(context.Background(), raw, DefaultConfig(), nil)
	got := collect(t, events)

	require.Len(t, got, 2)
	assert.Equal(t, "hello ", string(got[0].Chunk.Data))
	assert.Equal(t, "world", string(got[1].Chunk.Data))
	assert.True(t, raw.isClosed())
}

func TestNetworkFailureYieldsSingleAbort(t *testing.T) {
	raw := newScriptedStream()
	raw.push(&gateway.StreamChunk{Data: []byte("part"), EventID: "evt-7"}, nil)
	raw.push(nil, stderrors.New("connection reset by peer"))

	events := Run(context.Background(), raw, DefaultConfig(), nil)
	got := collect(t, events)

	require.Len(t, got, 2)
	require.NotNil(t, got[1].Abort)
	abort := got[1].Abort
	assert.Equal(t, gateway.AbortNetwork, abort.Reason)
	assert.Equal(t, int64(4), abort.BytesReceived)
	assert.True(t, abort.Resumable)
	assert.Equal(t, "evt-7", abort.ResumeHint)
}

func TestNetworkFailureWithoutEventIDNotResumable(t *testing.T) {
	raw := newScriptedStream()
	raw.push(&gateway.StreamChunk{Data: []byte("part")}, nil)
	raw.push(nil, stderrors.New("broken pipe"))

	events := Run(context.Background(), raw, DefaultConfig(), nil)
	got := collect(t, events)

	require.Len(t, got, 2)
	require.NotNil(t, got[1].Abort)
	assert.False(t, got[1].Abort.Resumable)
	assert.Empty(t, got[1].Abort.ResumeHint)
}

func TestAuthFailureAbortReason(t *testing.T) {
	raw := newScriptedStream()
	raw.push(nil, errors.AuthenticationFailed("token rejected mid-stream"))

	events := Run(context.Background(), raw, DefaultConfig(), nil)
	got := collect(t, events)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Abort)
	assert.Equal(t, gateway.AbortAuth, got[0].Abort.Reason)
	assert.False(t, got[0].Abort.Resumable)
}

func TestIdleTimeoutAborts(t *testing.T) {
	raw := newScriptedStream()
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond

	events := Run(context.Background(), raw, cfg, nil)
	got := collect(t, events)

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Abort)
	assert.Equal(t, gateway.AbortTimeout, got[0].Abort.Reason)
	assert.True(t, raw.isClosed())
}

func TestIdleTimerResetsOnChunks(t *testing.T) {
	raw := newScriptedStream()
	cfg := DefaultConfig()
	cfg.IdleTimeout = 120 * time.Millisecond

	events := Run(context.Background(), raw, cfg, nil)

	// Keep feeding below the idle threshold, then let it expire.
	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		raw.push(&gateway.StreamChunk{Data: []byte("x")}, nil)
	}
	got := collect(t, events)

	require.Len(t, got, 4)
	for i := 0; i < 3; i++ {
		assert.NotNil(t, got[i].Chunk)
	}
	require.NotNil(t, got[3].Abort)
	assert.Equal(t, gateway.AbortTimeout, got[3].Abort.Reason)
}

func TestByteBudgetAborts(t *testing.T) {
	raw := newScriptedStream()
	raw.push(&gateway.StreamChunk{Data: make([]byte, 600)}, nil)
	raw.push(&gateway.StreamChunk{Data: make([]byte, 600)}, nil)

	cfg := DefaultConfig()
	cfg.MaxBytes = 1000

	events := Run(context.Background(), raw, cfg, nil)
	got := collect(t, events)

	require.Len(t, got, 2)
	assert.NotNil(t, got[0].Chunk)
	require.NotNil(t, got[1].Abort)
	assert.Equal(t, gateway.AbortProtocol, got[1].Abort.Reason)
	assert.Equal(t, int64(1200), got[1].Abort.BytesReceived)
}

func TestCancellationEndsStreamSilently(t *testing.T) {
	raw := newScriptedStream()
	ctx, cancel := context.WithCancel(context.Background())

	events := Run(ctx, raw, DefaultConfig(), nil)
	cancel()

	got := collect(t, events)
	for _, ev := range got {
		assert.Nil(t, ev.Abort, "cancellation must not produce an abort")
	}
	assert.Eventually(t, raw.isClosed, time.Second, 10*time.Millisecond)
}

func TestNoEventsAfterAbort(t *testing.T) {
	raw := newScriptedStream()
	raw.push(nil, stderrors.New("reset"))
	raw.push(&gateway.StreamChunk{Data: []byte("late")}, nil)

	events := Run(context.Background(), raw, DefaultConfig(), nil)
	got := collect(t, events)

	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Abort)
}
