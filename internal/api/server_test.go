package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/cache"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/monitoring"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLayer struct {
	statuses     []database.PoolStatus
	snapshot     monitoring.Snapshot
	fingerprints []monitoring.FingerprintReport
	cache        *cache.StatsSnapshot
	lastLimit    int
}

func (f *fakeLayer) PoolStatuses() []database.PoolStatus { return f.statuses }
func (f *fakeLayer) GetOptimizationMetrics() monitoring.Snapshot { return f.snapshot }
func (f *fakeLayer) OptimizerStats() optimization.OptimizerStats {
	return optimization.OptimizerStats{Rewrites: 3}
}

func (f *fakeLayer) TopFingerprints(n int) []monitoring.FingerprintReport {
	f.lastLimit = n
	if n < len(f.fingerprints) {
		return f.fingerprints[:n]
	}
	return f.fingerprints
}

func (f *fakeLayer) CacheStats() (cache.StatsSnapshot, bool) {
	if f.cache == nil {
		return cache.StatsSnapshot{}, false
	}
	return *f.cache, true
}

func status(name string, class database.ConnectionClass, healthy bool) database.PoolStatus {
	return database.PoolStatus{
		PoolHealth: database.PoolHealth{Healthy: healthy, Efficiency: 1},
		Name:       name,
		Class:      class,
		ClassName:  class.String(),
	}
}

func newTestServer(t *testing.T, layer Layer, metrics http.Handler) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RateLimit = 0
	s, err := NewServer(cfg, zaptest.NewLogger(t), layer, metrics)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	var resp Response
	if rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func TestNewServer(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)

	_, err := NewServer(Config{Enabled: false}, logger, &fakeLayer{}, nil)
	assert.Error(t, err)

	_, err = NewServer(DefaultConfig(), logger, nil, nil)
	assert.Error(t, err)

	s, err := NewServer(DefaultConfig(), logger, &fakeLayer{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, s.limiter)
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pools   []database.PoolStatus
		code    int
		healthy bool
	}{
		{
			name: "all healthy",
			pools: []database.PoolStatus{
				status("primary-0", database.ClassPrimary, true),
				status("replica-0", database.ClassReplica, true),
			},
			code:    http.StatusOK,
			healthy: true,
		},
		{
			name: "degraded replica",
			pools: []database.PoolStatus{
				status("primary-0", database.ClassPrimary, true),
				status("replica-0", database.ClassReplica, false),
			},
			code:    http.StatusOK,
			healthy: true,
		},
		{
			name: "primary down",
			pools: []database.PoolStatus{
				status("primary-0", database.ClassPrimary, false),
				status("replica-0", database.ClassReplica, true),
			},
			code:    http.StatusServiceUnavailable,
			healthy: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeLayer{statuses: tt.pools}, nil)
			rr, resp := get(t, s, "/health")
			assert.Equal(t, tt.code, rr.Code)
			assert.Equal(t, tt.healthy, resp.Success)

			data := resp.Data.(map[string]any)
			assert.Len(t, data["pools"], len(tt.pools))
		})
	}
}

func TestOptimizationHandler(t *testing.T) {
	t.Parallel()
	layer := &fakeLayer{
		snapshot: monitoring.Snapshot{TotalQueries: 42, P95Latency: 5 * time.Millisecond},
		cache:    &cache.StatsSnapshot{Hits: 7, Misses: 3, HitRate: 0.7},
	}
	s := newTestServer(t, layer, nil)

	rr, resp := get(t, s, "/metrics/optimization")
	require.Equal(t, http.StatusOK, rr.Code)
	data := resp.Data.(map[string]any)
	assert.EqualValues(t, 42, data["total_queries"])
	assert.EqualValues(t, 5*time.Millisecond, data["p95_latency"])
	assert.EqualValues(t, 7, data["cache"].(map[string]any)["hits"])
	assert.EqualValues(t, 3, data["optimizer"].(map[string]any)["rewrites"])
}

func TestFingerprintsHandler(t *testing.T) {
	t.Parallel()
	layer := &fakeLayer{}
	for i := 0; i < 20; i++ {
		layer.fingerprints = append(layer.fingerprints, monitoring.FingerprintReport{Fingerprint: "fp"})
	}
	s := newTestServer(t, layer, nil)

	rr, resp := get(t, s, "/metrics/fingerprints")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, defaultFingerprintLimit, layer.lastLimit)
	assert.Len(t, resp.Data, defaultFingerprintLimit)

	rr, _ = get(t, s, "/metrics/fingerprints?limit=3")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, layer.lastLimit)

	rr, _ = get(t, s, "/metrics/fingerprints?limit=5000")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, maxFingerprintLimit, layer.lastLimit)

	for _, bad := range []string{"0", "-1", "abc"} {
		rr, resp = get(t, s, "/metrics/fingerprints?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, rr.Code, bad)
		assert.False(t, resp.Success)
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	exporter := monitoring.NewMetricsExporter(zaptest.NewLogger(t), monitoring.DefaultMetricsConfig())
	exporter.ObserveQuery(monitoring.Sample{
		Kind:    optimization.KindSelect,
		Class:   database.ClassReplica,
		Pool:    "replica-0",
		Latency: time.Millisecond,
	})

	s := newTestServer(t, &fakeLayer{}, exporter.Handler())
	rr, _ := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "dbaccel_query_total")

	s = newTestServer(t, &fakeLayer{}, nil)
	rr, _ = get(t, s, "/metrics")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeLayer{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	s, err := NewServer(cfg, zaptest.NewLogger(t), &fakeLayer{}, nil)
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr, _ := get(t, s, "/pools")
		codes = append(codes, rr.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestIPRateLimiter(t *testing.T) {
	t.Parallel()
	rl := NewIPRateLimiter(1, time.Hour, 1)

	assert.True(t, rl.Allow("10.0.0.1:1234"))
	assert.False(t, rl.Allow("10.0.0.1:5678"), "ports of one host share a bucket")
	assert.True(t, rl.Allow("10.0.0.2:1234"))
	assert.True(t, rl.Allow("not-an-address"))
	assert.Equal(t, 3, rl.Len())
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeLayer{}, nil)

	rr, _ := get(t, s, "/pools")
	assert.Len(t, rr.Header().Get(RequestIDHeader), 36, "generated ids are UUIDs")

	req := httptest.NewRequest(http.MethodGet, "/pools", nil)
	req.Header.Set(RequestIDHeader, "caller-supplied")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "caller-supplied", rr.Header().Get(RequestIDHeader))
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &fakeLayer{}, nil)
	h := s.requestMiddleware(s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pools", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "internal error", resp.Error)
}

func TestStartFailsWhenAddressIsTaken(t *testing.T) {
	t.Parallel()
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := DefaultConfig()
	cfg.ListenAddr = taken.Addr().String()
	s, err := NewServer(cfg, zaptest.NewLogger(t), &fakeLayer{}, nil)
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin listener")
	assert.NoError(t, s.Shutdown(context.Background()))
}
