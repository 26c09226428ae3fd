package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryIntentZeroValue(t *testing.T) {
	var ri RetryIntent
	assert.Equal(t, 0, ri.MaxAttempts)
	assert.False(t, ri.Allows(RetryOnConnectionTimeout))
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"none", Backoff{}, 3, 0},
		{"fixed", Backoff{Shape: BackoffFixed, Initial: 50 * time.Millisecond}, 5, 50 * time.Millisecond},
		{"linear first", Backoff{Shape: BackoffLinear, Initial: 100 * time.Millisecond, Increment: 50 * time.Millisecond}, 0, 100 * time.Millisecond},
		{"linear third", Backoff{Shape: BackoffLinear, Initial: 100 * time.Millisecond, Increment: 50 * time.Millisecond}, 2, 200 * time.Millisecond},
		{"linear capped", Backoff{Shape: BackoffLinear, Initial: 100 * time.Millisecond, Increment: 100 * time.Millisecond, Max: 250 * time.Millisecond}, 9, 250 * time.Millisecond},
		{"exponential first", Backoff{Shape: BackoffExponential, Initial: 100 * time.Millisecond, Multiplier: 2}, 0, 100 * time.Millisecond},
		{"exponential second", Backoff{Shape: BackoffExponential, Initial: 100 * time.Millisecond, Multiplier: 2}, 1, 200 * time.Millisecond},
		{"exponential capped", Backoff{Shape: BackoffExponential, Initial: 100 * time.Millisecond, Multiplier: 2, Max: 5 * time.Second}, 10, 5 * time.Second},
		{"negative attempt", Backoff{Shape: BackoffExponential, Initial: 100 * time.Millisecond, Multiplier: 2}, -4, 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Delay(tt.attempt))
		})
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	b := NewRetryBudget(2)
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
	assert.Equal(t, 0, b.Remaining())
}

func TestRetryBudgetConcurrent(t *testing.T) {
	const budget = 100
	b := NewRetryBudget(budget)

	var granted sync.WaitGroup
	var count atomic64
	for i := 0; i < 4*budget; i++ {
		granted.Add(1)
		go func() {
			defer granted.Done()
			if b.TryAcquire() {
				count.inc()
			}
		}()
	}
	granted.Wait()

	assert.Equal(t, int64(budget), count.load())
	assert.Equal(t, 0, b.Remaining())
}

// atomic64 is a tiny counter helper for concurrency tests.
type atomic64 struct {
	mu sync.Mutex
	n  int64
}

func (a *atomic64) inc() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *atomic64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
