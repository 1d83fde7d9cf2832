// Package cache provides the sharded, TTL bounded result cache that sits
// in front of the datastore, with an optional second level beneath it.
package cache

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const shardCount = 32

var (
	// ErrCacheUnavailable marks a failed second-level cache operation. It
	// is logged and counted, never returned to query callers.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrNotFound is returned by L2 implementations on a miss.
	ErrNotFound = errors.New("cache entry not found")
)

// Config defines cache configuration
type Config struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries" yaml:"max_entries"`
	MinLatency    time.Duration `mapstructure:"min_latency" yaml:"min_latency"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	L2            L2Config      `mapstructure:"l2" yaml:"l2"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		TTL:           5 * time.Minute,
		MaxEntries:    10000,
		MinLatency:    10 * time.Millisecond,
		SweepInterval: time.Minute,
		L2:            DefaultL2Config(),
	}
}

// L2 is a second-level byte cache beneath the in-process shards.
type L2 interface {
	// Get returns the value and its absolute expiry, or ErrNotFound.
	Get(key string) ([]byte, time.Time, error)
	Set(key string, value []byte, expires time.Time) error
	Close() error
}

// Codec converts cached values to and from L2 payloads.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
}

// Stats tracks cache performance
type Stats struct {
	Hits        atomic.Uint64
	Misses      atomic.Uint64
	Sets        atomic.Uint64
	Evictions   atomic.Uint64
	Expirations atomic.Uint64
	L2Hits      atomic.Uint64
	L2Errors    atomic.Uint64
}

// StatsSnapshot is a copy of Stats plus the current size.
type StatsSnapshot struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Sets        uint64  `json:"sets"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	L2Hits      uint64  `json:"l2_hits"`
	L2Errors    uint64  `json:"l2_errors"`
	Entries     int     `json:"entries"`
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
	expires    time.Time
	seq        uint64
	lastAccess atomic.Int64
	hits       atomic.Uint64
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]*entry[V]
}

// ResultCache is a TTL bounded cache split over independently locked
// shards. On overflow it evicts the oldest quarter of entries by insertion
// order; access recency is tracked but does not protect an entry.
type ResultCache[V any] struct {
	logger *zap.Logger
	ttl    time.Duration
	max    int
	now    func() time.Time

	shards [shardCount]*shard[V]
	size   atomic.Int64
	seq    atomic.Uint64

	// serializes evictions only; Get and Set never take it
	evictMu sync.Mutex

	l2    L2
	codec Codec[V]

	stats Stats
}

// Option configures a ResultCache.
type Option[V any] func(*ResultCache[V])

// WithClock replaces time.Now.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *ResultCache[V]) { c.now = now }
}

// WithL2 writes through to l2 and consults it on local misses.
func WithL2[V any](l2 L2, codec Codec[V]) Option[V] {
	return func(c *ResultCache[V]) {
		c.l2 = l2
		c.codec = codec
	}
}

// New creates a result cache holding at most maxEntries entries for ttl.
func New[V any](logger *zap.Logger, ttl time.Duration, maxEntries int, opts ...Option[V]) *ResultCache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().MaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	c := &ResultCache[V]{
		logger: logger,
		ttl:    ttl,
		max:    maxEntries,
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{items: make(map[string]*entry[V])}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ResultCache[V]) shardFor(key string) *shard[V] {
	return c.shards[xxhash.Sum64String(key)%shardCount]
}

// Get returns the value stored under key unless its TTL has elapsed.
func (c *ResultCache[V]) Get(key string) (V, bool) {
	now := c.now()
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if ok {
		if now.Before(e.expires) {
			e.lastAccess.Store(now.UnixNano())
			e.hits.Add(1)
			c.stats.Hits.Add(1)
			return e.value, true
		}
		c.remove(s, key, e)
		c.stats.Expirations.Add(1)
	}

	if v, ok := c.getL2(key, now); ok {
		c.stats.Hits.Add(1)
		return v, true
	}

	c.stats.Misses.Add(1)
	var zero V
	return zero, false
}

func (c *ResultCache[V]) getL2(key string, now time.Time) (V, bool) {
	var zero V
	if c.l2 == nil {
		return zero, false
	}
	b, expires, err := c.l2.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.l2Failed("get", key, err)
		}
		return zero, false
	}
	if !now.Before(expires) {
		return zero, false
	}
	v, err := c.codec.Decode(b)
	if err != nil {
		c.l2Failed("decode", key, err)
		return zero, false
	}
	c.stats.L2Hits.Add(1)
	c.store(key, v, now, expires)
	return v, true
}

// Set stores v under key for the cache TTL.
func (c *ResultCache[V]) Set(key string, v V) {
	now := c.now()
	expires := now.Add(c.ttl)
	c.stats.Sets.Add(1)
	c.store(key, v, now, expires)

	if c.l2 == nil {
		return
	}
	b, err := c.codec.Encode(v)
	if err != nil {
		c.l2Failed("encode", key, err)
		return
	}
	if err := c.l2.Set(key, b, expires); err != nil {
		c.l2Failed("set", key, err)
	}
}

func (c *ResultCache[V]) store(key string, v V, now, expires time.Time) {
	e := &entry[V]{
		value:      v,
		insertedAt: now,
		expires:    expires,
		seq:        c.seq.Add(1),
	}
	e.lastAccess.Store(now.UnixNano())

	s := c.shardFor(key)
	s.mu.Lock()
	_, replaced := s.items[key]
	s.items[key] = e
	s.mu.Unlock()

	if !replaced && c.size.Add(1) > int64(c.max) {
		c.evict()
	}
}

// remove deletes key only if it still maps to e.
func (c *ResultCache[V]) remove(s *shard[V], key string, e *entry[V]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[key]; ok && cur == e {
		delete(s.items, key)
		c.size.Add(-1)
		return true
	}
	return false
}

type victim[V any] struct {
	shard *shard[V]
	key   string
	e     *entry[V]
}

// evict drops the oldest max(1, max/4) entries by insertion sequence.
func (c *ResultCache[V]) evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if c.size.Load() <= int64(c.max) {
		return
	}

	var all []victim[V]
	for _, s := range c.shards {
		s.mu.RLock()
		for k, e := range s.items {
			all = append(all, victim[V]{shard: s, key: k, e: e})
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(all, func(a, b victim[V]) int {
		switch {
		case a.e.seq < b.e.seq:
			return -1
		case a.e.seq > b.e.seq:
			return 1
		}
		return 0
	})

	n := max(1, c.max/4)
	evicted := 0
	for _, v := range all {
		if evicted == n {
			break
		}
		if c.remove(v.shard, v.key, v.e) {
			evicted++
		}
	}
	c.stats.Evictions.Add(uint64(evicted))

	c.logger.Debug("Cache evicted oldest entries",
		zap.Int("evicted", evicted),
		zap.Int64("size", c.size.Load()),
	)
}

// Sweep removes every expired entry and reports how many were dropped.
func (c *ResultCache[V]) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if !now.Before(e.expires) {
				delete(s.items, k)
				c.size.Add(-1)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.stats.Expirations.Add(uint64(removed))
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *ResultCache[V]) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("Cache sweep", zap.Int("expired", n))
			}
		}
	}
}

// Len returns the number of entries currently held.
func (c *ResultCache[V]) Len() int { return int(c.size.Load()) }

// Stats returns a copy of the counters.
func (c *ResultCache[V]) Stats() StatsSnapshot {
	snap := StatsSnapshot{
		Hits:        c.stats.Hits.Load(),
		Misses:      c.stats.Misses.Load(),
		Sets:        c.stats.Sets.Load(),
		Evictions:   c.stats.Evictions.Load(),
		Expirations: c.stats.Expirations.Load(),
		L2Hits:      c.stats.L2Hits.Load(),
		L2Errors:    c.stats.L2Errors.Load(),
		Entries:     c.Len(),
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (c *ResultCache[V]) HitRate() float64 { return c.Stats().HitRate }

// Close releases the second level, if any.
func (c *ResultCache[V]) Close() error {
	if c.l2 == nil {
		return nil
	}
	return c.l2.Close()
}

func (c *ResultCache[V]) l2Failed(op, key string, err error) {
	c.stats.L2Errors.Add(1)
	c.logger.Warn("Second-level cache failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(errors.Join(ErrCacheUnavailable, err)),
	)
}
