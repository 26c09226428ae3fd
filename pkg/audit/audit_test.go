package audit

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
)

// memorySink collects records; optionally blocks until released.
type memorySink struct {
	mu      sync.Mutex
	records []Record
	block   chan struct{}
}

func (s *memorySink) Record(_ context.Context, rec Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestRecordDelivered(t *testing.T) {
	sink := &memorySink{}
	r := NewRecorder(sink, DefaultConfig(), nil)

	rec := Record{
		Time:       time.Now(),
		RouteID:    uuid.New(),
		LinkID:     uuid.New(),
		Method:     "GET",
		Path:       "/v1/things",
		StatusCode: 200,
		Duration:   12 * time.Millisecond,
		Attempt:    1,
	}
	require.NoError(t, r.Record(context.Background(), rec))

	assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Close())
}

func TestBestEffortDropsOnFullBuffer(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	var dropped atomic.Int64

	cfg := Config{Mode: BestEffort, Buffer: 1, LatencyBudget: 5 * time.Millisecond}
	r := NewRecorder(sink, cfg, nil, WithDropHook(func() { dropped.Add(1) }))

	// First record is taken by the drain goroutine and blocks inside the
	// sink, second fills the buffer, third must be dropped.
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Record(context.Background(), Record{RouteID: uuid.New()}))
	}

	assert.Eventually(t, func() bool { return dropped.Load() >= 1 }, time.Second, 5*time.Millisecond)
	close(sink.block)
	require.NoError(t, r.Close())
}

func TestGuaranteedNeverFailsCaller(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	cfg := Config{Mode: Guaranteed, Buffer: 1, LatencyBudget: 5 * time.Millisecond}
	r := NewRecorder(sink, cfg, nil)

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Record(context.Background(), Record{RouteID: uuid.New()}))
	}
	// Each overflowing call may block for at most the budget.
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(sink.block)
	assert.Eventually(t, func() bool { return sink.count() == 5 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, r.Close())
}

func TestFailClosedReturnsErrorOnOverflow(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	cfg := Config{Mode: FailClosed, Buffer: 1, LatencyBudget: 5 * time.Millisecond}
	r := NewRecorder(sink, cfg, nil)

	var overflowErr error
	for i := 0; i < 4; i++ {
		if err := r.Record(context.Background(), Record{RouteID: uuid.New()}); err != nil {
			overflowErr = err
			break
		}
	}
	require.Error(t, overflowErr)
	assert.Equal(t, errors.KindInternal, errors.KindOf(overflowErr))

	close(sink.block)
	require.NoError(t, r.Close())
}

func TestNilSinkDiscards(t *testing.T) {
	r := NewRecorder(nil, DefaultConfig(), nil)
	require.NoError(t, r.Record(context.Background(), Record{RouteID: uuid.New()}))
	require.NoError(t, r.Close())
}

func TestCloseFlushesBuffered(t *testing.T) {
	sink := &memorySink{}
	cfg := Config{Mode: BestEffort, Buffer: 64, LatencyBudget: 5 * time.Millisecond}
	r := NewRecorder(sink, cfg, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Record(context.Background(), Record{RouteID: uuid.New()}))
	}
	require.NoError(t, r.Close())
	assert.Equal(t, 10, sink.count())
}
