package monitoring

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const fingerprintShards = 16

// Config defines monitor configuration
type Config struct {
	Interval           time.Duration `mapstructure:"interval" yaml:"interval"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold" yaml:"slow_query_threshold"`
	RingSize           int           `mapstructure:"ring_size" yaml:"ring_size"`
	PoolRingSize       int           `mapstructure:"pool_ring_size" yaml:"pool_ring_size"`
	EWMAAlpha          float64       `mapstructure:"ewma_alpha" yaml:"ewma_alpha"`
	FingerprintTTL     time.Duration `mapstructure:"fingerprint_ttl" yaml:"fingerprint_ttl"`
	AlertRate          float64       `mapstructure:"alert_rate" yaml:"alert_rate"`
	AlertBurst         int           `mapstructure:"alert_burst" yaml:"alert_burst"`
	// ExplainSlowReads attaches execution plan findings to slow read
	// alerts when a plan explainer is wired.
	ExplainSlowReads bool          `mapstructure:"explain_slow_reads" yaml:"explain_slow_reads"`
	PlanTimeout      time.Duration `mapstructure:"plan_timeout" yaml:"plan_timeout"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		SlowQueryThreshold: 100 * time.Millisecond,
		RingSize:           1000,
		PoolRingSize:       120,
		EWMAAlpha:          0.2,
		FingerprintTTL:     time.Hour,
		AlertRate:          1,
		AlertBurst:         10,
		ExplainSlowReads:   true,
		PlanTimeout:        2 * time.Second,
	}
}

// Sample is one observed query execution.
type Sample struct {
	Fingerprint optimization.Fingerprint
	Text        string
	Kind        optimization.QueryKind
	Class       database.ConnectionClass
	Pool        string
	Latency     time.Duration
	CacheHit    bool
	Err         error
	Timestamp   time.Time
}

// PoolSource reports pool state for sampling.
type PoolSource interface {
	Statuses() []database.PoolStatus
}

// CacheSource reports the result cache hit rate.
type CacheSource interface {
	HitRate() float64
}

// MetricsSink receives every sample and every pool sampling pass.
type MetricsSink interface {
	ObserveQuery(Sample)
	ObserveTick(pools []database.PoolStatus, cacheHitRate float64)
}

type fingerprintStats struct {
	mu       sync.Mutex
	text     string
	kind     optimization.QueryKind
	count    uint64
	errors   uint64
	ewma     float64 // nanoseconds
	window   *ring
	lastSeen time.Time
	slow     bool
	plan     []string
	planned  bool
	// alerted is set once a firing alert got past the rate limiter; a
	// slow fingerprint without it is retried on the next pass.
	alerted bool
}

type fingerprintShard struct {
	mu    sync.RWMutex
	stats map[optimization.Fingerprint]*fingerprintStats
}

type poolSeries struct {
	active      *ring
	idle        *ring
	utilization *ring
	acquire     *ring
}

// Monitor aggregates query samples and pool state, flags slow
// fingerprints and serves snapshots.
type Monitor struct {
	logger    *zap.Logger
	config    Config
	startTime time.Time
	threshold atomic.Int64

	pools   PoolSource
	cache   CacheSource
	sink    MetricsSink
	alerts  AlertHandler
	planner PlanExplainer
	limiter *rate.Limiter
	// runCtx is the context of Run; plan lookups stop with it.
	runCtx atomic.Pointer[context.Context]

	shards [fingerprintShards]*fingerprintShard

	globalMu sync.Mutex
	global   *ring

	seriesMu sync.Mutex
	series   map[string]*poolSeries

	totalQueries  atomic.Uint64
	totalErrors   atomic.Uint64
	cacheHits     atomic.Uint64
	routed        [database.ClassCount]atomic.Uint64
	alertsSent    atomic.Uint64
	alertsDropped atomic.Uint64
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPools sets the pool state source sampled by Collect.
func WithPools(p PoolSource) Option { return func(m *Monitor) { m.pools = p } }

// WithCache sets the cache hit rate source.
func WithCache(c CacheSource) Option { return func(m *Monitor) { m.cache = c } }

// WithSink forwards samples to an exporter.
func WithSink(s MetricsSink) Option { return func(m *Monitor) { m.sink = s } }

// WithAlertHandler replaces the logging alert handler.
func WithAlertHandler(h AlertHandler) Option { return func(m *Monitor) { m.alerts = h } }

// WithPlanExplainer adds execution plan findings to slow read alerts.
func WithPlanExplainer(p PlanExplainer) Option { return func(m *Monitor) { m.planner = p } }

// NewMonitor creates a monitor.
func NewMonitor(logger *zap.Logger, config Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.SlowQueryThreshold <= 0 {
		config.SlowQueryThreshold = def.SlowQueryThreshold
	}
	if config.RingSize <= 0 {
		config.RingSize = def.RingSize
	}
	if config.PoolRingSize <= 0 {
		config.PoolRingSize = def.PoolRingSize
	}
	if config.EWMAAlpha <= 0 || config.EWMAAlpha > 1 {
		config.EWMAAlpha = def.EWMAAlpha
	}
	if config.FingerprintTTL <= 0 {
		config.FingerprintTTL = def.FingerprintTTL
	}
	if config.AlertRate <= 0 {
		config.AlertRate = def.AlertRate
	}
	if config.AlertBurst <= 0 {
		config.AlertBurst = def.AlertBurst
	}
	if config.PlanTimeout <= 0 {
		config.PlanTimeout = def.PlanTimeout
	}

	m := &Monitor{
		logger:    logger,
		config:    config,
		startTime: time.Now(),
		limiter:   rate.NewLimiter(rate.Limit(config.AlertRate), config.AlertBurst),
		global:    newRing(config.RingSize),
		series:    make(map[string]*poolSeries),
	}
	m.threshold.Store(int64(config.SlowQueryThreshold))
	for i := range m.shards {
		m.shards[i] = &fingerprintShard{stats: make(map[optimization.Fingerprint]*fingerprintStats)}
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.alerts == nil {
		m.alerts = LogAlertHandler(logger)
	}
	return m
}

// SetSlowQueryThreshold changes the slow query threshold at runtime.
func (m *Monitor) SetSlowQueryThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	old := time.Duration(m.threshold.Swap(int64(d)))
	if old != d {
		m.logger.Info("Slow query threshold changed",
			zap.Duration("old", old),
			zap.Duration("new", d),
		)
	}
}

// SlowQueryThreshold returns the current slow query threshold.
func (m *Monitor) SlowQueryThreshold() time.Duration {
	return time.Duration(m.threshold.Load())
}

// Record adds one sample. It is called on the query path and only takes
// the global window lock and the lock of the sample's fingerprint.
func (m *Monitor) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	lat := float64(s.Latency)

	m.totalQueries.Add(1)
	if s.Err != nil {
		m.totalErrors.Add(1)
	}
	if s.CacheHit {
		m.cacheHits.Add(1)
	} else if int(s.Class) < database.ClassCount && s.Pool != "" {
		m.routed[s.Class].Add(1)
	}

	m.globalMu.Lock()
	m.global.push(lat)
	m.globalMu.Unlock()

	fs := m.statsFor(s.Fingerprint, s.Text, s.Kind, s.Timestamp)
	fs.mu.Lock()
	fs.count++
	if s.Err != nil {
		fs.errors++
	}
	if fs.count == 1 {
		fs.ewma = lat
	} else {
		fs.ewma = m.config.EWMAAlpha*lat + (1-m.config.EWMAAlpha)*fs.ewma
	}
	fs.window.push(lat)
	fs.lastSeen = s.Timestamp
	fs.mu.Unlock()

	if m.sink != nil {
		m.sink.ObserveQuery(s)
	}
}

func (m *Monitor) statsFor(fp optimization.Fingerprint, text string, kind optimization.QueryKind, seen time.Time) *fingerprintStats {
	sh := m.shards[uint64(fp)%fingerprintShards]

	sh.mu.RLock()
	fs, ok := sh.stats[fp]
	sh.mu.RUnlock()
	if ok {
		return fs
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if fs, ok := sh.stats[fp]; ok {
		return fs
	}
	fs = &fingerprintStats{text: text, kind: kind, window: newRing(m.config.RingSize), lastSeen: seen}
	sh.stats[fp] = fs
	return fs
}

// Run collects on the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.runCtx.Store(&ctx)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info("Monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("slow_query_threshold", m.SlowQueryThreshold()),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopped")
			return nil
		case now := <-ticker.C:
			m.Collect(now)
		}
	}
}

// Collect runs one sampling pass: pool state, slow fingerprint scan and
// expiry of idle fingerprints.
func (m *Monitor) Collect(now time.Time) {
	var statuses []database.PoolStatus
	if m.pools != nil {
		statuses = m.pools.Statuses()
		m.samplePools(statuses)
	}
	if m.sink != nil {
		m.sink.ObserveTick(statuses, m.cacheHitRate())
	}

	for _, a := range m.scanFingerprints(now) {
		m.emit(a)
	}
}

func (m *Monitor) samplePools(statuses []database.PoolStatus) {
	m.seriesMu.Lock()
	defer m.seriesMu.Unlock()

	for _, st := range statuses {
		ps, ok := m.series[st.Name]
		if !ok {
			n := m.config.PoolRingSize
			ps = &poolSeries{active: newRing(n), idle: newRing(n), utilization: newRing(n), acquire: newRing(n)}
			m.series[st.Name] = ps
		}
		ps.active.push(float64(st.Active))
		ps.idle.push(float64(st.Idle))
		if st.Max > 0 {
			ps.utilization.push(float64(st.Active) / float64(st.Max))
		}
		ps.acquire.push(float64(st.AcquireEWMA))
	}
}

func (m *Monitor) scanFingerprints(now time.Time) []Alert {
	threshold := m.SlowQueryThreshold()
	var alerts []Alert
	expired := 0

	for _, sh := range m.shards {
		sh.mu.Lock()
		for fp, fs := range sh.stats {
			fs.mu.Lock()
			if now.Sub(fs.lastSeen) > m.config.FingerprintTTL {
				fs.mu.Unlock()
				delete(sh.stats, fp)
				expired++
				continue
			}

			ewma := time.Duration(fs.ewma)
			var state AlertState
			switch {
			case ewma > threshold:
				fs.slow = true
				if !fs.alerted {
					if m.limiter.AllowN(now, 1) {
						fs.alerted = true
						state = AlertFiring
					} else {
						m.alertsDropped.Add(1)
					}
				}
			case fs.slow:
				fs.slow = false
				if fs.alerted {
					fs.alerted = false
					state = AlertResolved
				}
			}
			if state != "" {
				alerts = append(alerts, Alert{
					State:       state,
					Fingerprint: fp.String(),
					Text:        fs.text,
					Kind:        fs.kind.String(),
					EWMA:        ewma,
					Threshold:   threshold,
					Count:       fs.count,
					Timestamp:   now,
					key:         fp,
					kind:        fs.kind,
				})
			}
			fs.mu.Unlock()
		}
		sh.mu.Unlock()
	}

	if expired > 0 {
		m.logger.Debug("Expired idle fingerprints", zap.Int("count", expired))
	}
	return alerts
}

func (m *Monitor) emit(a Alert) {
	if a.State == AlertFiring {
		a.Suggestions = append(optimization.Suggest(a.Text), m.planFor(a)...)
	}
	m.alertsSent.Add(1)
	m.alerts.HandleAlert(a)
}

// planFor explains a slow read once and keeps the findings on its
// fingerprint. A failed lookup is not retried.
func (m *Monitor) planFor(a Alert) []string {
	if m.planner == nil || !a.kind.IsRead() {
		return nil
	}
	fs := m.lookup(a.key)
	if fs == nil {
		return nil
	}
	fs.mu.Lock()
	done, plan := fs.planned, fs.plan
	fs.planned = true
	fs.mu.Unlock()
	if done {
		return plan
	}

	base := context.Background()
	if p := m.runCtx.Load(); p != nil {
		base = *p
	}
	ctx, cancel := context.WithTimeout(base, m.config.PlanTimeout)
	defer cancel()
	plan, err := m.planner.ExplainPlan(ctx, a.Text)
	if err != nil {
		m.logger.Debug("Plan lookup failed", zap.String("fingerprint", a.Fingerprint), zap.Error(err))
		return nil
	}

	fs.mu.Lock()
	fs.plan = plan
	fs.mu.Unlock()
	return plan
}

func (m *Monitor) lookup(fp optimization.Fingerprint) *fingerprintStats {
	sh := m.shards[uint64(fp)%fingerprintShards]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.stats[fp]
}

func (m *Monitor) cacheHitRate() float64 {
	if m.cache == nil {
		return 0
	}
	return m.cache.HitRate()
}

// Snapshot is a point-in-time view of query performance.
type Snapshot struct {
	AvgLatency         time.Duration      `json:"avg_latency"`
	P50Latency         time.Duration      `json:"p50_latency"`
	P90Latency         time.Duration      `json:"p90_latency"`
	P95Latency         time.Duration      `json:"p95_latency"`
	P99Latency         time.Duration      `json:"p99_latency"`
	CacheHitRate       float64            `json:"cache_hit_rate"`
	PerPoolEfficiency  map[string]float64 `json:"per_pool_efficiency"`
	AvgPoolUtilization float64            `json:"avg_pool_utilization"`
	TotalQueries       uint64             `json:"total_queries"`
	TotalErrors        uint64             `json:"total_errors"`
	CacheHits          uint64             `json:"cache_hits"`
	RoutedByClass      map[string]uint64  `json:"routed_by_class"`
	Fingerprints       int                `json:"fingerprints"`
	SlowFingerprints   int                `json:"slow_fingerprints"`
	AlertsSent         uint64             `json:"alerts_sent"`
	AlertsDropped      uint64             `json:"alerts_dropped"`
	Uptime             time.Duration      `json:"uptime"`
}

// Snapshot computes the current metrics.
func (m *Monitor) Snapshot() Snapshot {
	m.globalMu.Lock()
	sorted := m.global.sorted()
	avg := m.global.mean()
	m.globalMu.Unlock()

	q := quantilesOf(sorted)
	snap := Snapshot{
		AvgLatency:        time.Duration(avg),
		P50Latency:        time.Duration(q.p50),
		P90Latency:        time.Duration(q.p90),
		P95Latency:        time.Duration(q.p95),
		P99Latency:        time.Duration(q.p99),
		CacheHitRate:      m.cacheHitRate(),
		PerPoolEfficiency: make(map[string]float64),
		TotalQueries:      m.totalQueries.Load(),
		TotalErrors:       m.totalErrors.Load(),
		CacheHits:         m.cacheHits.Load(),
		RoutedByClass:     make(map[string]uint64, len(database.Classes)),
		AlertsSent:        m.alertsSent.Load(),
		AlertsDropped:     m.alertsDropped.Load(),
		Uptime:            time.Since(m.startTime),
	}

	if m.pools != nil {
		for _, st := range m.pools.Statuses() {
			snap.PerPoolEfficiency[st.Name] = st.Efficiency
		}
	}
	snap.AvgPoolUtilization = m.avgPoolUtilization()

	for _, c := range database.Classes {
		snap.RoutedByClass[c.String()] = m.routed[c].Load()
	}

	for _, sh := range m.shards {
		sh.mu.RLock()
		snap.Fingerprints += len(sh.stats)
		for _, fs := range sh.stats {
			fs.mu.Lock()
			if fs.slow {
				snap.SlowFingerprints++
			}
			fs.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return snap
}

func (m *Monitor) avgPoolUtilization() float64 {
	m.seriesMu.Lock()
	defer m.seriesMu.Unlock()

	if len(m.series) == 0 {
		return 0
	}
	var sum float64
	for _, ps := range m.series {
		sum += ps.utilization.mean()
	}
	return sum / float64(len(m.series))
}

// PoolTrend is the rolling aggregate of one pool's sampled state.
type PoolTrend struct {
	Name           string        `json:"name"`
	Samples        int           `json:"samples"`
	AvgActive      float64       `json:"avg_active"`
	AvgIdle        float64       `json:"avg_idle"`
	AvgUtilization float64       `json:"avg_utilization"`
	AvgAcquire     time.Duration `json:"avg_acquire"`
}

// PoolTrends returns the rolling pool aggregates ordered by name.
func (m *Monitor) PoolTrends() []PoolTrend {
	m.seriesMu.Lock()
	defer m.seriesMu.Unlock()

	out := make([]PoolTrend, 0, len(m.series))
	for name, ps := range m.series {
		out = append(out, PoolTrend{
			Name:           name,
			Samples:        ps.active.len(),
			AvgActive:      ps.active.mean(),
			AvgIdle:        ps.idle.mean(),
			AvgUtilization: ps.utilization.mean(),
			AvgAcquire:     time.Duration(ps.acquire.mean()),
		})
	}
	slices.SortFunc(out, func(a, b PoolTrend) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// FingerprintReport describes one statement shape.
type FingerprintReport struct {
	Fingerprint string        `json:"fingerprint"`
	Text        string        `json:"text"`
	Kind        string        `json:"kind"`
	Count       uint64        `json:"count"`
	Errors      uint64        `json:"errors"`
	EWMA        time.Duration `json:"ewma"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	Slow        bool          `json:"slow"`
	LastSeen    time.Time     `json:"last_seen"`
	Suggestions []string      `json:"suggestions,omitempty"`
	// Plan holds execution plan findings once the fingerprint was slow.
	Plan []string `json:"plan,omitempty"`
}

// TopFingerprints returns up to n fingerprints with the highest EWMA
// latency, each with optimization suggestions.
func (m *Monitor) TopFingerprints(n int) []FingerprintReport {
	var out []FingerprintReport
	for _, sh := range m.shards {
		sh.mu.RLock()
		for fp, fs := range sh.stats {
			fs.mu.Lock()
			q := quantilesOf(fs.window.sorted())
			out = append(out, FingerprintReport{
				Fingerprint: fp.String(),
				Text:        fs.text,
				Kind:        fs.kind.String(),
				Count:       fs.count,
				Errors:      fs.errors,
				EWMA:        time.Duration(fs.ewma),
				P50:         time.Duration(q.p50),
				P95:         time.Duration(q.p95),
				P99:         time.Duration(q.p99),
				Slow:        fs.slow,
				LastSeen:    fs.lastSeen,
				Plan:        fs.plan,
			})
			fs.mu.Unlock()
		}
		sh.mu.RUnlock()
	}

	slices.SortFunc(out, func(a, b FingerprintReport) int {
		switch {
		case a.EWMA > b.EWMA:
			return -1
		case a.EWMA < b.EWMA:
			return 1
		}
		return 0
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].Suggestions = append(optimization.Suggest(out[i].Text), out[i].Plan...)
	}
	return out
}
