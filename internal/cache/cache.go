// Package cache implements the Result Cache: a two-tier store
// (in-process LRU fronting a remote KV store) with per-kind TTL, version
// stamping, scored LRU eviction, and single-flight stampede suppression.
// The in-process tier uses github.com/hashicorp/golang-lru/v2; the remote
// tier uses github.com/redis/go-redis/v9; stampede suppression uses
// golang.org/x/sync/singleflight — all three follow the "policy object
// wraps an operation" idiom also used by internal/breaker.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/parkvision/visionsvc/internal/apperrors"
	"github.com/parkvision/visionsvc/internal/logging"
	"github.com/parkvision/visionsvc/internal/metrics"
)

// entry is one cached artifact plus its bookkeeping.
type entry struct {
	key          Key
	artifact     []byte
	createdAt    time.Time
	lastAccessAt time.Time
	ttl          time.Duration
	sizeBytes    int64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// EvictionWeights is the scoring policy of the eviction formula.
type EvictionWeights struct {
	TTL     float64
	Kind    float64
	Recency float64
}

// DefaultEvictionWeights returns the baseline eviction weights.
func DefaultEvictionWeights() EvictionWeights {
	return EvictionWeights{TTL: 0.3, Kind: 0.4, Recency: 0.3}
}

// kindWeight assigns relative "protect me" priority per kind; extract/segment
// are the most expensive to recompute.
var kindWeight = map[Kind]float64{
	KindExtract:  1.0,
	KindSegment:  0.9,
	KindNature:   0.6,
	KindAnnotate: 0.5,
	KindDetect:   0.4,
	KindFaces:    0.4,
	KindBatch:    0.1,
}

// PerKindStats is one row of Stats().per_kind.
type PerKindStats struct {
	Hits, Misses, Evictions int64
}

// Stats is the Stats() result.
type Stats struct {
	Hits, Misses, Evictions int64
	Bytes                   int64
	HitRate                 float64
	PerKind                 map[Kind]PerKindStats
}

// TTLSource resolves a kind to its configured TTL (internal/config's
// CacheConfig.TTLFor satisfies this).
type TTLSource interface {
	TTLFor(kind string) time.Duration
}

// Cache is the Result Cache.
type Cache struct {
	local  *lru.Cache[string, *entry]
	redis  *redis.Client
	sf     *singleflight.Group
	ttls   TTLSource
	weights EvictionWeights
	maxBytes int64
	sfTimeout time.Duration

	mu         sync.Mutex
	totalBytes int64
	statsMu    sync.Mutex
	hits       int64
	misses     int64
	evictions  int64
	perKind    map[Kind]*PerKindStats
}

// New builds a Cache. localCapacity bounds the number of entries the
// in-process LRU tracks (a count cap on top of the byte-budget eviction,
// so a storm of tiny keys can't grow the index unboundedly); maxBytes<=0
// falls back to a default of 512 MiB.
func New(redisClient *redis.Client, ttls TTLSource, localCapacity int, maxBytes int64, weights EvictionWeights, singleFlightTimeout time.Duration) (*Cache, error) {
	if localCapacity <= 0 {
		localCapacity = 4096
	}
	if maxBytes <= 0 {
		maxBytes = 512 * 1024 * 1024
	}
	if singleFlightTimeout == 0 {
		singleFlightTimeout = 60 * time.Second
	}

	local, err := lru.New[string, *entry](localCapacity)
	if err != nil {
		return nil, err
	}

	return &Cache{
		local:     local,
		redis:     redisClient,
		sf:        &singleflight.Group{},
		ttls:      ttls,
		weights:   weights,
		maxBytes:  maxBytes,
		sfTimeout: singleFlightTimeout,
		perKind:   make(map[Kind]*PerKindStats),
	}, nil
}

// Get returns the live artifact for key, or ok=false on MISS/EXPIRED. Redis
// unreachability degrades to MISS under a fail-open contract; it is never
// surfaced as an error to callers.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool) {
	encoded := key.Encode()

	if e, ok := c.local.Get(encoded); ok {
		if e.expired(time.Now()) {
			c.local.Remove(encoded)
		} else {
			c.touch(e)
			c.recordHit(key.Kind)
			return e.artifact, true
		}
	}

	if c.redis == nil {
		c.recordMiss(key.Kind)
		return nil, false
	}

	ioCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	data, err := c.redis.Get(ioCtx, encoded).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warnf("cache: redis get failed, degrading to MISS: %v", err)
		}
		c.recordMiss(key.Kind)
		return nil, false
	}

	e := &entry{
		key:          key,
		artifact:     data,
		createdAt:    time.Now(),
		lastAccessAt: time.Now(),
		ttl:          c.ttlFor(key.Kind),
		sizeBytes:    int64(len(data)),
	}
	c.insertLocal(encoded, e)
	c.recordHit(key.Kind)
	return data, true
}

// Put writes artifact under key with the given ttl (0 uses the configured
// default for key.Kind) to both tiers. Redis failures are logged and
// swallowed — a Put that can't reach the remote tier still populates the
// local tier so the writer's own subsequent reads stay warm.
func (c *Cache) Put(ctx context.Context, key Key, artifact []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttlFor(key.Kind)
	}
	encoded := key.Encode()
	e := &entry{
		key:          key,
		artifact:     artifact,
		createdAt:    time.Now(),
		lastAccessAt: time.Now(),
		ttl:          ttl,
		sizeBytes:    int64(len(artifact)),
	}
	c.insertLocal(encoded, e)

	if c.redis != nil {
		ioCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := c.redis.Set(ioCtx, encoded, artifact, ttl).Err(); err != nil {
			logging.Warnf("cache: redis put failed (local tier still populated): %v", err)
		}
	}

	c.evictIfOverBudget()
	return nil
}

// Touch updates last_access_at on HIT (called internally by Get; exposed so
// callers that fetch by another path, e.g. Warm, can still mark freshness).
func (c *Cache) Touch(key Key) {
	if e, ok := c.local.Peek(key.Encode()); ok {
		c.touch(e)
	}
}

func (c *Cache) touch(e *entry) {
	c.mu.Lock()
	e.lastAccessAt = time.Now()
	c.mu.Unlock()
}

// ComputeFunc produces a fresh artifact for a MISS.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// GetOrCompute implements the stampede-suppression contract:
// concurrent callers for the same key share one computation. The waiter
// side honors ctx / the configured single-flight timeout; if neither the
// computation nor ctx resolve it within that time, the caller gets
// TimeoutError while the computation keeps running in the background so a
// later caller can still observe its result.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, ttl time.Duration, compute ComputeFunc) (artifact []byte, fromCache bool, err error) {
	if data, ok := c.Get(ctx, key); ok {
		return data, true, nil
	}

	encoded := key.Encode()
	resultCh := c.sf.DoChan(encoded, func() (any, error) {
		// Deliberately detached from the caller's ctx: the computation must
		// survive a waiter's timeout so later callers still benefit from it.
		data, computeErr := compute(context.Background())
		if computeErr != nil {
			return nil, computeErr
		}
		if putErr := c.Put(context.Background(), key, data, ttl); putErr != nil {
			logging.Warnf("cache: post-compute put failed: %v", putErr)
		}
		return data, nil
	})

	timeout := c.sfTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		return nil, false, apperrors.Timeout("cache.GetOrCompute: caller context")
	case <-timer.C:
		return nil, false, apperrors.Timeout("cache.GetOrCompute: single_flight_timeout exceeded")
	}
}

// InvalidateVersion bumps the version counter for kind. Subsequent Gets
// against the prior version's keys simply no longer match any key a caller
// constructs (callers always build keys from the current version), so they
// observe MISS.
func (c *Cache) InvalidateVersion(ctx context.Context, kind Kind) (newVersion int, err error) {
	if c.redis == nil {
		return 0, apperrors.Cache("invalidate_version", errRedisUnavailable)
	}
	ioCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	counterKey := versionCounterKey(kind)
	// Seed a missing counter with CurrentVersion's default of 1 so the first
	// bump moves keys from v1 to v2.
	if err := c.redis.SetNX(ioCtx, counterKey, 1, 0).Err(); err != nil {
		return 0, apperrors.Cache("invalidate_version", err)
	}
	v, err := c.redis.Incr(ioCtx, counterKey).Result()
	if err != nil {
		return 0, apperrors.Cache("invalidate_version", err)
	}
	return int(v), nil
}

// CurrentVersion returns the live version counter for kind (defaulting to 1
// when no InvalidateVersion has ever run for it).
func (c *Cache) CurrentVersion(ctx context.Context, kind Kind) int {
	if c.redis == nil {
		return 1
	}
	ioCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	v, err := c.redis.Get(ioCtx, versionCounterKey(kind)).Int()
	if err != nil {
		return 1
	}
	if v == 0 {
		return 1
	}
	return v
}

func versionCounterKey(kind Kind) string { return "version:" + string(kind) }

var errRedisUnavailable = apperrors.ErrServiceUnavailable

// Stats reports cache-wide and per-kind counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	perKind := make(map[Kind]PerKindStats, len(c.perKind))
	for k, v := range c.perKind {
		perKind[k] = *v
	}

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	c.mu.Lock()
	bytes := c.totalBytes
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Bytes:     bytes,
		HitRate:   hitRate,
		PerKind:   perKind,
	}
}

// Warm pre-computes entries for the given (hash, kind) pairs using compute,
// skipping any that are already live.
func (c *Cache) Warm(ctx context.Context, keys []Key, ttl time.Duration, compute func(ctx context.Context, key Key) ([]byte, error)) {
	for _, k := range keys {
		key := k
		if _, ok := c.Get(ctx, key); ok {
			continue
		}
		if _, _, err := c.GetOrCompute(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
			return compute(ctx, key)
		}); err != nil {
			logging.Warnf("cache: warm failed for %s: %v", key.Encode(), err)
		}
	}
}

// Cleanup purges expired entries from the local tier (the remote tier
// expires entries natively via its own TTL).
func (c *Cache) Cleanup() (purged int) {
	now := time.Now()
	for _, encoded := range c.local.Keys() {
		e, ok := c.local.Peek(encoded)
		if !ok {
			continue
		}
		if e.expired(now) {
			c.local.Remove(encoded)
			purged++
		}
	}
	return purged
}

// ClearForHash removes every cached entry for imageHash across all kinds and
// versions (ClearCache with an image_hash). The local tier is scanned
// directly since each entry retains its own Key; the remote tier is SCANned
// with a MATCH glob on the fixed "{kind}:v{version}:{hash}:{fp}" encoding, so
// only keys for this hash are deleted.
func (c *Cache) ClearForHash(ctx context.Context, imageHash string) (removed int) {
	for _, encoded := range c.local.Keys() {
		e, ok := c.local.Peek(encoded)
		if !ok {
			continue
		}
		if e.key.ImageHash == imageHash {
			c.local.Remove(encoded)
			c.mu.Lock()
			c.totalBytes -= e.sizeBytes
			c.mu.Unlock()
			removed++
		}
	}

	if c.redis == nil {
		return removed
	}
	pattern := "*:*:" + imageHash + ":*"
	iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logging.Warnf("cache: clear-for-hash scan failed: %v", err)
		return removed
	}
	if len(keys) == 0 {
		return removed
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		logging.Warnf("cache: clear-for-hash delete failed: %v", err)
		return removed
	}
	return removed + len(keys)
}

// Clear removes every cached entry (ClearCache with no image_hash).
func (c *Cache) Clear(ctx context.Context) (removed int) {
	removed = c.local.Len()
	c.local.Purge()
	c.mu.Lock()
	c.totalBytes = 0
	c.mu.Unlock()

	if c.redis == nil {
		return removed
	}
	iter := c.redis.Scan(ctx, 0, "*:v*:*:*", 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logging.Warnf("cache: clear scan failed: %v", err)
		return removed
	}
	if len(keys) == 0 {
		return removed
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		logging.Warnf("cache: clear delete failed: %v", err)
		return removed
	}
	return removed + len(keys)
}

func (c *Cache) ttlFor(kind Kind) time.Duration {
	if c.ttls == nil {
		return time.Hour
	}
	return c.ttls.TTLFor(string(kind))
}

func (c *Cache) insertLocal(encoded string, e *entry) {
	c.mu.Lock()
	if old, ok := c.local.Peek(encoded); ok {
		c.totalBytes -= old.sizeBytes
	}
	c.totalBytes += e.sizeBytes
	c.mu.Unlock()

	c.local.Add(encoded, e)
	metrics.CacheBytes.Set(float64(c.totalBytes))
}

// evictIfOverBudget implements LRU-with-scoring eviction: when
// total size exceeds max_bytes, entries are evicted in ascending
// eviction-priority-score order until usage <= 0.8 * max_bytes.
func (c *Cache) evictIfOverBudget() {
	c.mu.Lock()
	over := c.totalBytes > c.maxBytes
	c.mu.Unlock()
	if !over {
		return
	}

	type scored struct {
		key   string
		score float64
		size  int64
		kind  Kind
	}

	now := time.Now()
	keys := c.local.Keys()
	candidates := make([]scored, 0, len(keys))

	var oldestAccess, newestAccess time.Time
	entries := make(map[string]*entry, len(keys))
	for _, k := range keys {
		e, ok := c.local.Peek(k)
		if !ok {
			continue
		}
		entries[k] = e
		if oldestAccess.IsZero() || e.lastAccessAt.Before(oldestAccess) {
			oldestAccess = e.lastAccessAt
		}
		if e.lastAccessAt.After(newestAccess) {
			newestAccess = e.lastAccessAt
		}
	}

	accessSpan := newestAccess.Sub(oldestAccess).Seconds()

	for k, e := range entries {
		remainingTTL := e.ttl - now.Sub(e.createdAt)
		ttlRatio := 0.0
		if e.ttl > 0 {
			ttlRatio = remainingTTL.Seconds() / e.ttl.Seconds()
			if ttlRatio < 0 {
				ttlRatio = 0
			}
		}
		kw := kindWeight[e.key.Kind]

		recency := 1.0
		if accessSpan > 0 {
			recency = e.lastAccessAt.Sub(oldestAccess).Seconds() / accessSpan
		}

		score := c.weights.TTL*ttlRatio + c.weights.Kind*kw + c.weights.Recency*recency
		candidates = append(candidates, scored{key: k, score: score, size: e.sizeBytes, kind: e.key.Kind})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	target := int64(float64(c.maxBytes) * 0.8)
	var freed int64
	var evicted int

	c.mu.Lock()
	current := c.totalBytes
	c.mu.Unlock()

	for _, cand := range candidates {
		if current <= target {
			break
		}
		c.local.Remove(cand.key)
		c.mu.Lock()
		c.totalBytes -= cand.size
		current = c.totalBytes
		c.mu.Unlock()
		freed += cand.size
		evicted++

		c.statsMu.Lock()
		c.evictions++
		pk := c.kindStats(cand.kind)
		pk.Evictions++
		c.statsMu.Unlock()
		metrics.CacheEvictions.WithLabelValues(string(cand.kind)).Inc()
	}

	if evicted > 0 {
		logging.Infof("cache: evicted %d entries, freed %d bytes", evicted, freed)
		metrics.CacheBytes.Set(float64(current))
	}
}

func (c *Cache) recordHit(kind Kind) {
	c.statsMu.Lock()
	c.hits++
	c.kindStats(kind).Hits++
	c.statsMu.Unlock()
	metrics.CacheHits.WithLabelValues(string(kind)).Inc()
}

func (c *Cache) recordMiss(kind Kind) {
	c.statsMu.Lock()
	c.misses++
	c.kindStats(kind).Misses++
	c.statsMu.Unlock()
	metrics.CacheMisses.WithLabelValues(string(kind)).Inc()
}

// kindStats must be called with statsMu held.
func (c *Cache) kindStats(kind Kind) *PerKindStats {
	pk, ok := c.perKind[kind]
	if !ok {
		pk = &PerKindStats{}
		c.perKind[kind] = pk
	}
	return pk
}
