package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTTL struct{ d time.Duration }

func (f fixedTTL) TTLFor(kind string) time.Duration { return f.d }

func newTestCache(t *testing.T, ttl time.Duration, maxBytes int64) *Cache {
	t.Helper()
	c, err := New(nil, fixedTTL{d: ttl}, 4096, maxBytes, DefaultEvictionWeights(), 2*time.Second)
	require.NoError(t, err)
	return c
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	key := Key{Kind: KindDetect, Version: 1, ImageHash: "h1", ParamFingerprint: "p1"}
	require.NoError(t, c.Put(context.Background(), key, []byte("artifact"), 0))

	data, ok := c.Get(context.Background(), key)
	require.True(t, ok)
	assert.Equal(t, []byte("artifact"), data)
}

func TestGetOnMissReturnsFalse(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	_, ok := c.Get(context.Background(), Key{Kind: KindDetect, ImageHash: "nope"})
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond, 0)
	key := Key{Kind: KindDetect, ImageHash: "h2"}
	require.NoError(t, c.Put(context.Background(), key, []byte("x"), 20*time.Millisecond))

	_, ok := c.Get(context.Background(), key)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(context.Background(), key)
	assert.False(t, ok, "entry should be expired past its TTL")
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	key := Key{Kind: KindDetect, ImageHash: "h3"}

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte("computed"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data, _, err := c.GetOrCompute(context.Background(), key, time.Hour, compute)
			require.NoError(t, err)
			results[idx] = data
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, []byte("computed"), r)
	}
}

func TestGetOrComputeErrorIsNotCached(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	key := Key{Kind: KindDetect, ImageHash: "h4"}

	_, _, err := c.GetOrCompute(context.Background(), key, time.Hour, func(ctx context.Context) ([]byte, error) {
		return nil, fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, ok := c.Get(context.Background(), key)
	assert.False(t, ok, "a failed computation must not populate the cache")
}

func TestGetOrComputeWaiterTimeoutDoesNotAbortComputation(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	c.sfTimeout = 10 * time.Millisecond
	key := Key{Kind: KindDetect, ImageHash: "h5"}

	_, _, err := c.GetOrCompute(context.Background(), key, time.Hour, func(ctx context.Context) ([]byte, error) {
		time.Sleep(60 * time.Millisecond)
		return []byte("late"), nil
	})
	require.Error(t, err)

	time.Sleep(100 * time.Millisecond)
	data, ok := c.Get(context.Background(), key)
	require.True(t, ok, "the detached computation should still populate the cache for later callers")
	assert.Equal(t, []byte("late"), data)
}

func TestInvalidateVersionRequiresRedis(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	_, err := c.InvalidateVersion(context.Background(), KindDetect)
	require.Error(t, err)
}

func TestEvictionKeepsUsageUnderBudget(t *testing.T) {
	c := newTestCache(t, time.Hour, 1000)
	for i := 0; i < 20; i++ {
		key := Key{Kind: KindDetect, ImageHash: fmt.Sprintf("h%d", i)}
		require.NoError(t, c.Put(context.Background(), key, make([]byte, 100), time.Hour))
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(1000))
	assert.Greater(t, stats.Evictions, int64(0))
}

func TestEvictionPrefersLowestScore(t *testing.T) {
	c := newTestCache(t, time.Hour, 250)
	// extract has the highest kind weight and should be protected; batch has
	// the lowest and should be evicted first when space is tight.
	require.NoError(t, c.Put(context.Background(), Key{Kind: KindExtract, ImageHash: "keep"}, make([]byte, 100), time.Hour))
	require.NoError(t, c.Put(context.Background(), Key{Kind: KindBatch, ImageHash: "evict-me"}, make([]byte, 100), time.Hour))
	require.NoError(t, c.Put(context.Background(), Key{Kind: KindBatch, ImageHash: "evict-me-2"}, make([]byte, 100), time.Hour))

	_, keepOK := c.Get(context.Background(), Key{Kind: KindExtract, ImageHash: "keep"})
	assert.True(t, keepOK)
}

func TestStatsHitRate(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	key := Key{Kind: KindDetect, ImageHash: "h6"}
	require.NoError(t, c.Put(context.Background(), key, []byte("x"), time.Hour))

	c.Get(context.Background(), key)
	c.Get(context.Background(), Key{Kind: KindDetect, ImageHash: "missing"})

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}
