package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"go.uber.org/zap"
)

// MetricsExporter provides Prometheus metrics export functionality
type MetricsExporter struct {
	logger   *zap.Logger
	config   MetricsConfig
	server   *http.Server
	listener net.Listener
	registry *prometheus.Registry

	// Query metrics
	queryDuration *prometheus.HistogramVec
	queries       *prometheus.CounterVec

	// Pool metrics
	poolActive     *prometheus.GaugeVec
	poolIdle       *prometheus.GaugeVec
	poolEfficiency *prometheus.GaugeVec
	poolHealthy    *prometheus.GaugeVec
	poolAcquire    *prometheus.GaugeVec

	// Cache metrics
	cacheHitRate prometheus.Gauge
}

// MetricsConfig defines metrics exporter configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// ListenAddr starts a dedicated listener; empty serves only through
	// the admin API.
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
	Namespace   string `mapstructure:"namespace" yaml:"namespace"`
}

// DefaultMetricsConfig returns the default exporter configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:     true,
		MetricsPath: "/metrics",
		Namespace:   "dbaccel",
	}
}

// NewMetricsExporter creates a new metrics exporter on its own registry.
func NewMetricsExporter(logger *zap.Logger, config MetricsConfig) *MetricsExporter {
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "dbaccel"
	}

	me := &MetricsExporter{
		logger:   logger,
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	me.initializeMetrics()
	return me
}

func (me *MetricsExporter) initializeMetrics() {
	ns := me.config.Namespace

	me.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Query latency as seen by callers",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"kind", "class"})

	me.queries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "query",
		Name:      "total",
		Help:      "Queries by kind, class and outcome",
	}, []string{"kind", "class", "outcome"})

	me.poolActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "active_connections",
		Help:      "Leased connections per pool",
	}, []string{"pool", "class"})

	me.poolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "idle_connections",
		Help:      "Idle connections per pool",
	}, []string{"pool", "class"})

	me.poolEfficiency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "efficiency",
		Help:      "Pool selection efficiency score",
	}, []string{"pool", "class"})

	me.poolHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "healthy",
		Help:      "1 when the pool passes health probes",
	}, []string{"pool", "class"})

	me.poolAcquire = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "acquire_ewma_seconds",
		Help:      "Smoothed connection acquisition latency",
	}, []string{"pool", "class"})

	me.cacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "hit_ratio",
		Help:      "Result cache hit ratio",
	})

	me.registry.MustRegister(
		me.queryDuration,
		me.queries,
		me.poolActive,
		me.poolIdle,
		me.poolEfficiency,
		me.poolHealthy,
		me.poolAcquire,
		me.cacheHitRate,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveQuery records one query sample.
func (me *MetricsExporter) ObserveQuery(s Sample) {
	kind := s.Kind.String()
	class := s.Class.String()
	outcome := "ok"
	switch {
	case s.Err != nil:
		outcome = "error"
	case s.CacheHit:
		outcome = "cache_hit"
		class = "cache"
	}
	me.queries.WithLabelValues(kind, class, outcome).Inc()
	me.queryDuration.WithLabelValues(kind, class).Observe(s.Latency.Seconds())
}

// ObserveTick updates pool and cache gauges.
func (me *MetricsExporter) ObserveTick(pools []database.PoolStatus, cacheHitRate float64) {
	for _, st := range pools {
		labels := []string{st.Name, st.ClassName}
		me.poolActive.WithLabelValues(labels...).Set(float64(st.Active))
		me.poolIdle.WithLabelValues(labels...).Set(float64(st.Idle))
		me.poolEfficiency.WithLabelValues(labels...).Set(st.Efficiency)
		healthy := 0.0
		if st.Healthy {
			healthy = 1
		}
		me.poolHealthy.WithLabelValues(labels...).Set(healthy)
		me.poolAcquire.WithLabelValues(labels...).Set(st.AcquireEWMA.Seconds())
	}
	me.cacheHitRate.Set(cacheHitRate)
}

// Registry returns the exporter's registry.
func (me *MetricsExporter) Registry() *prometheus.Registry { return me.registry }

// Handler serves the registry in the Prometheus exposition format.
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Listen binds the dedicated listener. It is a no-op when no listener is
// configured, so a bind failure surfaces before any worker starts.
func (me *MetricsExporter) Listen() error {
	if !me.config.Enabled || me.config.ListenAddr == "" || me.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", me.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	me.listener = ln

	mux := http.NewServeMux()
	mux.Handle(me.config.MetricsPath, me.Handler())
	me.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (me *MetricsExporter) Addr() net.Addr {
	if me.listener == nil {
		return nil
	}
	return me.listener.Addr()
}

// Serve serves metrics on the listener bound by Listen until ctx is done.
// A serving failure is logged and never returned: metrics export is
// optional and must not stop the workers it runs next to.
func (me *MetricsExporter) Serve(ctx context.Context) error {
	if me.server == nil {
		return nil
	}

	errCh := make(chan error, 1)
	go func() {
		me.logger.Info("Starting metrics exporter",
			zap.Stringer("address", me.listener.Addr()),
			zap.String("path", me.config.MetricsPath),
		)
		if err := me.server.Serve(me.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		if err := me.Stop(); err != nil {
			me.logger.Warn("Metrics exporter did not stop cleanly", zap.Error(err))
		}
	case err, ok := <-errCh:
		if ok {
			me.logger.Error("Metrics exporter failed", zap.Error(err))
		}
	}
	return nil
}

// Stop halts metrics export
func (me *MetricsExporter) Stop() error {
	if me.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := me.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	me.logger.Info("Metrics exporter stopped")
	return nil
}
