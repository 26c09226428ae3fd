package tokencache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewaykit/oagw-go/pkg/gateway"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testKey() Key {
	return Key{
		TenantID: uuid.New(),
		UserID:   uuid.New(),
		RouteID:  uuid.New(),
		AuthType: gateway.AuthBearerToken,
		Scopes:   []string{"read", "write"},
	}
}

func staticResolver(value string, expiry time.Time, calls *atomic.Int64) ResolveFunc {
	return func(context.Context) (gateway.Secret, time.Time, error) {
		if calls != nil {
			calls.Add(1)
		}
		return gateway.Secret{Value: value}, expiry, nil
	}
}

func TestKeyCanonicalScopeOrder(t *testing.T) {
	a := testKey()
	b := a
	b.Scopes = []string{"write", "read"}
	assert.Equal(t, a.String(), b.String())

	c := a
	c.Scopes = []string{"read"}
	assert.NotEqual(t, a.String(), c.String())
}

func TestHitAvoidsResolution(t *testing.T) {
	clock := newFakeClock()
	cache := New(DefaultConfig(), WithClock(clock.Now))
	key := testKey()
	var calls atomic.Int64
	resolve := staticResolver("tok", clock.Now().Add(time.Hour), &calls)

	for i := 0; i < 5; i++ {
		sec, err := cache.GetOrResolve(context.Background(), key, resolve)
		require.NoError(t, err)
		assert.Equal(t, "tok", sec.Value)
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestTTLDerivedFromExpiryWithSafetyMargin(t *testing.T) {
	clock := newFakeClock()
	cache := New(Config{MaxTTL: 2 * time.Hour, SafetyMargin: 60 * time.Second}, WithClock(clock.Now))
	key := testKey()
	var calls atomic.Int64
	resolve := staticResolver("tok", clock.Now().Add(3600*time.Second), &calls)

	_, err := cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)

	// 3540s in, the entry is still live.
	clock.Advance(3539 * time.Second)
	_, err = cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// At 3540s the safety margin has consumed the remainder.
	clock.Advance(1 * time.Second)
	_, err = cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestMaxTTLCapsLongLivedTokens(t *testing.T) {
	clock := newFakeClock()
	cache := New(Config{MaxTTL: time.Minute, SafetyMargin: time.Second}, WithClock(clock.Now))
	key := testKey()
	var calls atomic.Int64
	resolve := staticResolver("tok", clock.Now().Add(24*time.Hour), &calls)

	_, err := cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	_, err = cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestNearExpiryTokenNotCached(t *testing.T) {
	clock := newFakeClock()
	cache := New(Config{MaxTTL: time.Hour, SafetyMargin: 60 * time.Second}, WithClock(clock.Now))
	key := testKey()
	var calls atomic.Int64
	resolve := staticResolver("tok", clock.Now().Add(30*time.Second), &calls)

	_, err := cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)
	_, err = cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
	assert.Zero(t, cache.Len())
}

func TestConcurrentMissesResolveOnce(t *testing.T) {
	clock := newFakeClock()
	cache := New(DefaultConfig(), WithClock(clock.Now))
	key := testKey()

	var calls atomic.Int64
	started := make(chan struct{})
	resolve := func(context.Context) (gateway.Secret, time.Time, error) {
		calls.Add(1)
		<-started // hold the flight open until everyone has joined
		return gateway.Secret{Value: "tok"}, clock.Now().Add(time.Hour), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sec, err := cache.GetOrResolve(context.Background(), key, resolve)
			require.NoError(t, err)
			results[i] = sec.Value
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(started)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "tok", v)
	}
}

func TestResolutionErrorNotCached(t *testing.T) {
	clock := newFakeClock()
	cache := New(DefaultConfig(), WithClock(clock.Now))
	key := testKey()

	var calls atomic.Int64
	failing := func(context.Context) (gateway.Secret, time.Time, error) {
		calls.Add(1)
		return gateway.Secret{}, time.Time{}, errors.New("idp unavailable")
	}

	_, err := cache.GetOrResolve(context.Background(), key, failing)
	require.Error(t, err)
	_, err = cache.GetOrResolve(context.Background(), key, failing)
	require.Error(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestLRUEviction(t *testing.T) {
	clock := newFakeClock()
	cache := New(Config{MaxEntries: 2, MaxTTL: time.Hour, SafetyMargin: time.Second}, WithClock(clock.Now))

	keys := []Key{testKey(), testKey(), testKey()}
	var calls atomic.Int64
	resolve := staticResolver("tok", clock.Now().Add(time.Hour), &calls)

	_, err := cache.GetOrResolve(context.Background(), keys[0], resolve)
	require.NoError(t, err)
	_, err = cache.GetOrResolve(context.Background(), keys[1], resolve)
	require.NoError(t, err)

	// Touch keys[0] so keys[1] becomes the eviction candidate.
	_, err = cache.GetOrResolve(context.Background(), keys[0], resolve)
	require.NoError(t, err)

	_, err = cache.GetOrResolve(context.Background(), keys[2], resolve)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.Len())

	before := calls.Load()
	_, err = cache.GetOrResolve(context.Background(), keys[0], resolve)
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load(), "survivor still cached")

	_, err = cache.GetOrResolve(context.Background(), keys[1], resolve)
	require.NoError(t, err)
	assert.Equal(t, before+1, calls.Load(), "evicted key re-resolves")
}

func TestInvalidate(t *testing.T) {
	clock := newFakeClock()
	cache := New(DefaultConfig(), WithClock(clock.Now))
	key := testKey()
	var calls atomic.Int64
	resolve := staticResolver("tok", clock.Now().Add(time.Hour), &calls)

	_, err := cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)
	cache.Invalidate(key)

	_, err = cache.GetOrResolve(context.Background(), key, resolve)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}
