package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ now atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.now.Load()) }
func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }
func (c *fakeClock) option() Option[string]  { return WithClock[string](c.Now) }

func TestCacheRoundTripAndTTL(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := New[string](zaptest.NewLogger(t), time.Minute, 10, clock.option())

	c.Set("fp", "result")
	v, ok := c.Get("fp")
	require.True(t, ok)
	assert.Equal(t, "result", v)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("fp")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("fp")
	assert.False(t, ok, "entry is never returned once its TTL elapsed")
	assert.Equal(t, 0, c.Len())

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Expirations)
	assert.InDelta(t, 2.0/3.0, st.HitRate, 1e-9)
}

func TestCacheEvictsOldestInserted(t *testing.T) {
	t.Parallel()
	c := New[string](zaptest.NewLogger(t), time.Minute, 4)

	keys := []string{"fp-1", "fp-2", "fp-3", "fp-4", "fp-5"}
	for _, k := range keys {
		c.Set(k, strings.ToUpper(k))
	}

	assert.Equal(t, 4, c.Len())
	_, ok := c.Get("fp-1")
	assert.False(t, ok, "oldest insert is evicted")
	for _, k := range keys[1:] {
		v, ok := c.Get(k)
		assert.True(t, ok, k)
		assert.Equal(t, strings.ToUpper(k), v)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCacheEvictsQuartileIgnoringAccess(t *testing.T) {
	t.Parallel()
	c := New[int](zaptest.NewLogger(t), time.Minute, 8)

	for i := 0; i < 8; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	// frequently read early entries are not protected
	for i := 0; i < 10; i++ {
		_, _ = c.Get("k0")
		_, _ = c.Get("k1")
	}
	c.Set("k8", 8)

	assert.Equal(t, 7, c.Len(), "a quarter of max is evicted")
	for i := 0; i < 2; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.False(t, ok, "k%d", i)
	}
	for i := 2; i <= 8; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.True(t, ok, "k%d", i)
	}
}

func TestCacheReplaceKeepsSize(t *testing.T) {
	t.Parallel()
	c := New[string](zaptest.NewLogger(t), time.Minute, 2)

	c.Set("a", "1")
	c.Set("a", "2")
	c.Set("b", "3")
	assert.Equal(t, 2, c.Len())
	assert.Zero(t, c.Stats().Evictions)

	v, _ := c.Get("a")
	assert.Equal(t, "2", v)
}

func TestCacheSweep(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	c := New[string](zaptest.NewLogger(t), time.Minute, 100, clock.option())

	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("old-%d", i), "x")
	}
	clock.Advance(30 * time.Second)
	c.Set("fresh", "y")
	clock.Advance(31 * time.Second)

	assert.Equal(t, 10, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestCacheRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	c := New[string](zaptest.NewLogger(t), 10*time.Millisecond, 10)
	c.Set("a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestCacheConcurrentAccess(t *testing.T) {
	t.Parallel()
	const limit = 64
	c := New[int](zaptest.NewLogger(t), time.Minute, limit)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%100)
				if i%3 == 0 {
					c.Set(key, i)
				} else if v, ok := c.Get(key); ok {
					assert.GreaterOrEqual(t, v, 0)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), limit)
	var counted int
	for _, s := range c.shards {
		s.mu.RLock()
		counted += len(s.items)
		s.mu.RUnlock()
	}
	assert.Equal(t, c.Len(), counted, "size counter matches shard contents")
}

// memoryL2 is an in-process L2 used to exercise the second-level path.
type memoryL2 struct {
	mu      sync.Mutex
	items   map[string]memoryItem
	failGet error
	failSet error
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

func newMemoryL2() *memoryL2 { return &memoryL2{items: make(map[string]memoryItem)} }

func (m *memoryL2) Get(key string) ([]byte, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, time.Time{}, m.failGet
	}
	it, ok := m.items[key]
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	return it.value, it.expires, nil
}

func (m *memoryL2) Set(key string, value []byte, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet != nil {
		return m.failSet
	}
	m.items[key] = memoryItem{value: value, expires: expires}
	return nil
}

func (m *memoryL2) Close() error { return nil }

type stringCodec struct{}

func (stringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }

func TestCacheL2PromotionKeepsDeadline(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	l2 := newMemoryL2()
	logger := zaptest.NewLogger(t)

	writer := New[string](logger, time.Minute, 10, clock.option(), WithL2[string](l2, stringCodec{}))
	writer.Set("fp", "from-l2")

	reader := New[string](logger, time.Minute, 10, clock.option(), WithL2[string](l2, stringCodec{}))
	clock.Advance(40 * time.Second)
	v, ok := reader.Get("fp")
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)
	assert.Equal(t, uint64(1), reader.Stats().L2Hits)
	assert.Equal(t, 1, reader.Len(), "promoted to the first level")

	clock.Advance(20 * time.Second)
	_, ok = reader.Get("fp")
	assert.False(t, ok, "promotion keeps the original expiry")
}

func TestCacheL2FailuresAreNotSurfaced(t *testing.T) {
	t.Parallel()
	l2 := newMemoryL2()
	l2.failGet = errors.New("connection reset")
	l2.failSet = errors.New("connection reset")
	c := New[string](zaptest.NewLogger(t), time.Minute, 10, WithL2[string](l2, stringCodec{}))

	c.Set("fp", "v")
	v, ok := c.Get("fp")
	assert.True(t, ok, "first level still serves")
	assert.Equal(t, "v", v)

	_, ok = c.Get("other")
	assert.False(t, ok)
	assert.Equal(t, uint64(2), c.Stats().L2Errors)
}
