package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestL2(t *testing.T, compressAbove int) *BigCacheL2 {
	t.Helper()
	l2, err := NewBigCacheL2(context.Background(), zaptest.NewLogger(t), L2Config{
		Enabled:       true,
		SizeMB:        16,
		Shards:        16,
		CompressAbove: compressAbove,
	}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2.Close() })
	return l2
}

func TestBigCacheL2RoundTrip(t *testing.T) {
	t.Parallel()
	l2 := newTestL2(t, 64)
	expires := time.Now().Add(time.Minute).Truncate(time.Nanosecond)

	small := []byte("tiny")
	require.NoError(t, l2.Set("small", small, expires))

	large := bytes.Repeat([]byte("row,row,row;"), 500)
	require.NoError(t, l2.Set("large", large, expires))

	got, exp, err := l2.Get("small")
	require.NoError(t, err)
	assert.Equal(t, small, got)
	assert.True(t, exp.Equal(expires))

	got, _, err = l2.Get("large")
	require.NoError(t, err)
	assert.Equal(t, large, got)

	raw, err := l2.cache.Get("large")
	require.NoError(t, err)
	assert.Less(t, len(raw), len(large), "large payloads are stored compressed")
	assert.Equal(t, flagCompressed, raw[8]&flagCompressed)

	assert.Equal(t, 2, l2.Len())
}

func TestBigCacheL2Miss(t *testing.T) {
	t.Parallel()
	l2 := newTestL2(t, 0)

	_, _, err := l2.Get("absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResultCacheOverBigCache(t *testing.T) {
	t.Parallel()
	l2 := newTestL2(t, 32)
	logger := zaptest.NewLogger(t)

	first := New[string](logger, time.Minute, 10, WithL2[string](l2, stringCodec{}))
	first.Set("fp", "cached result body that is long enough to be compressed")

	second := New[string](logger, time.Minute, 10, WithL2[string](l2, stringCodec{}))
	v, ok := second.Get("fp")
	require.True(t, ok)
	assert.Equal(t, "cached result body that is long enough to be compressed", v)
	assert.Zero(t, second.Stats().L2Errors)
}

func TestDefaultL2Size(t *testing.T) {
	t.Parallel()
	mb := defaultL2SizeMB()
	assert.GreaterOrEqual(t, mb, 16)
	assert.LessOrEqual(t, mb, 512)
}
