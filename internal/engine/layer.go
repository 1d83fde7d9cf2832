// Package engine wires the pools, router, optimizer, cache and monitor into
// the access layer callers use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/cache"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/monitoring"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Layer is the database access layer. One Layer owns its pools, cache,
// monitor and background workers; independent instances share nothing.
type Layer struct {
	logger *zap.Logger
	config Config

	supervisor   *database.PoolSupervisor
	transactions *database.TransactionExecutor
	optimizer    *optimization.QueryOptimizer
	cache        *cache.ResultCache[*database.Result]
	monitor      *monitoring.Monitor
	exporter     *monitoring.MetricsExporter

	mu            sync.Mutex
	started       bool
	closing       bool
	inflight      sync.WaitGroup
	workers       *errgroup.Group
	workersCtx    context.Context
	cancelWorkers context.CancelFunc

	// cancelled when the shutdown grace period runs out
	forceCtx    context.Context
	forceCancel context.CancelFunc
}

// New creates a layer from config. Pools are opened lazily; Start runs
// the background workers.
func New(logger *zap.Logger, config Config, opts ...Option) (*Layer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o layerOptions
	for _, opt := range opts {
		opt(&o)
	}

	var supOpts []database.SupervisorOption
	if o.prober != nil {
		supOpts = append(supOpts, database.WithProber(o.prober))
	}
	supervisor, err := database.NewPoolSupervisor(logger.Named("database"), config.Database, supOpts...)
	if err != nil {
		return nil, err
	}

	l := &Layer{
		logger:       logger,
		config:       config,
		supervisor:   supervisor,
		transactions: database.NewTransactionExecutor(logger.Named("transaction"), supervisor),
		optimizer:    optimization.NewQueryOptimizer(logger.Named("optimizer"), config.Query.Optimizer),
	}
	l.forceCtx, l.forceCancel = context.WithCancel(context.Background())

	if config.Cache.Enabled {
		var cacheOpts []cache.Option[*database.Result]
		if config.Cache.L2.Enabled {
			l2, err := cache.NewBigCacheL2(context.Background(), logger.Named("cache"), config.Cache.L2, config.Cache.TTL)
			if err != nil {
				_ = supervisor.Close()
				return nil, err
			}
			cacheOpts = append(cacheOpts, cache.WithL2[*database.Result](l2, database.ResultCodec{}))
		}
		l.cache = cache.New[*database.Result](logger.Named("cache"), config.Cache.TTL, config.Cache.MaxEntries, cacheOpts...)
	}

	monOpts := []monitoring.Option{monitoring.WithPools(supervisor)}
	if config.Metrics.Enabled {
		l.exporter = monitoring.NewMetricsExporter(logger.Named("metrics"), config.Metrics)
		monOpts = append(monOpts, monitoring.WithSink(l.exporter))
	}
	if l.cache != nil {
		monOpts = append(monOpts, monitoring.WithCache(l.cache))
	}
	if o.alerts != nil {
		monOpts = append(monOpts, monitoring.WithAlertHandler(o.alerts))
	}
	if config.Monitor.ExplainSlowReads {
		monOpts = append(monOpts, monitoring.WithPlanExplainer(l))
	}
	l.monitor = monitoring.NewMonitor(logger.Named("monitor"), config.Monitor, monOpts...)

	logger.Info("Access layer initialized",
		zap.Int("pools", len(supervisor.Pools())),
		zap.Bool("cache", l.cache != nil),
		zap.Bool("l2_cache", config.Cache.Enabled && config.Cache.L2.Enabled),
		zap.Duration("query_timeout", config.Query.Timeout),
	)
	return l, nil
}

// Start launches the probe loop, pool maintainer, monitor sampler and
// cache sweep under one group. They stop together on Shutdown or when ctx
// is done. The metrics listener is bound here, so an unusable address
// fails Start instead of a worker.
func (l *Layer) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return database.ErrShuttingDown
	}
	if l.started {
		return errors.New("access layer already started")
	}
	if l.exporter != nil {
		if err := l.exporter.Listen(); err != nil {
			return err
		}
	}
	l.started = true

	wctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(wctx)
	l.workers, l.workersCtx, l.cancelWorkers = g, gctx, cancel

	g.Go(func() error { return l.supervisor.Run(gctx) })
	g.Go(func() error { return l.monitor.Run(gctx) })
	if l.cache != nil {
		g.Go(func() error { return l.cache.Run(gctx, l.config.Cache.SweepInterval) })
	}
	if l.exporter != nil {
		g.Go(func() error { return l.exporter.Serve(gctx) })
	}
	return nil
}

// Go runs fn as another supervised worker. It must be called after Start.
func (l *Layer) Go(fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started || l.closing {
		return errors.New("access layer is not running")
	}
	ctx := l.workersCtx
	l.workers.Go(func() error { return fn(ctx) })
	return nil
}

// begin registers an in-flight call unless the layer is shutting down.
func (l *Layer) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return database.ErrShuttingDown
	}
	l.inflight.Add(1)
	return nil
}

// execContext bounds one call by timeout and by the force context.
func (l *Layer) execContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	stop := context.AfterFunc(l.forceCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ExecuteQuery classifies, routes, optimizes and executes one statement,
// serving eligible reads from the result cache. Failures are
// ErrPoolExhausted, ErrQueryTimeout or a *QueryExecutionError; none is
// retried.
func (l *Layer) ExecuteQuery(ctx context.Context, text string, args []any, opts ...QueryOption) (*database.Result, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.inflight.Done()

	o := queryOptions{cacheable: true, timeout: l.config.Query.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	kind := o.kind
	if kind == optimization.KindUnknown {
		kind = optimization.Classify(text)
	}
	fp := optimization.NewFingerprint(text, args)
	sample := monitoring.Sample{Fingerprint: fp, Text: text, Kind: kind}

	var key string
	if l.cache != nil && kind.IsRead() && o.cacheable {
		key = optimization.CacheKey(fp, args)
		if res, ok := l.cache.Get(key); ok {
			out := *res
			out.Cached = true
			out.Duration = time.Since(start)
			sample.CacheHit = true
			sample.Latency = out.Duration
			l.monitor.Record(sample)
			return &out, nil
		}
	}

	res, class, pool, err := l.execute(ctx, kind, text, args, o)
	sample.Class = class
	sample.Pool = pool
	sample.Latency = time.Since(start)
	sample.Err = err
	l.monitor.Record(sample)
	if err != nil {
		return nil, err
	}

	if key != "" && worthCaching(res.Duration, l.config.Cache.MinLatency) {
		stored := *res
		l.cache.Set(key, &stored)
	}
	return res, nil
}

// worthCaching reports whether a read ran long enough to be cached: its
// latency must exceed the threshold.
func worthCaching(latency, threshold time.Duration) bool {
	return latency > threshold
}

func (l *Layer) execute(ctx context.Context, kind optimization.QueryKind, text string, args []any, o queryOptions) (*database.Result, database.ConnectionClass, string, error) {
	class := database.ClassPrimary
	if !o.forcePrimary {
		class = database.Route(kind, l.supervisor)
	}
	stmt := l.optimizer.Optimize(text, kind)

	ctx, cancel := l.execContext(ctx, o.timeout)
	defer cancel()

	h, class, err := l.acquire(ctx, kind, class)
	if err != nil {
		return nil, class, "", l.mapError(ctx, o.timeout, err)
	}
	defer h.Release()

	start := time.Now()
	res, err := h.Run(ctx, stmt, args)
	if err != nil {
		mapped := l.mapError(ctx, o.timeout, err)
		if errors.Is(mapped, database.ErrQueryTimeout) || errors.Is(mapped, database.ErrShuttingDown) || errors.Is(mapped, context.Canceled) {
			return nil, class, h.Pool(), mapped
		}
		return nil, class, h.Pool(), &database.QueryExecutionError{Pool: h.Pool(), Statement: stmt, Err: err}
	}
	res.Duration = time.Since(start)
	return res, class, h.Pool(), nil
}

// acquire leases from class and walks the rest of kind's fallback chain
// while non-primary classes cannot hand out a connection.
func (l *Layer) acquire(ctx context.Context, kind optimization.QueryKind, class database.ConnectionClass) (*database.ConnectionHandle, database.ConnectionClass, error) {
	for {
		pool, err := l.supervisor.Select(class)
		if err == nil {
			var h *database.ConnectionHandle
			h, err = pool.Acquire(ctx)
			if err == nil {
				return h, class, nil
			}
			if errors.Is(err, database.ErrConnectionUnhealthy) {
				pool.RecordProbe(err)
			}
		}

		next := database.RemainingChain(kind, class)
		fallback := errors.Is(err, database.ErrConnectionUnhealthy) || errors.Is(err, database.ErrNoPool)
		if !fallback || class == database.ClassPrimary || len(next) == 0 {
			return nil, class, err
		}
		l.logger.Warn("Connection class unavailable, falling back",
			zap.String("class", class.String()),
			zap.String("fallback", next[0].String()),
			zap.Error(err),
		)
		class = next[0]
	}
}

// mapError turns context expiry into ErrQueryTimeout and force
// cancellation into ErrShuttingDown.
func (l *Layer) mapError(ctx context.Context, timeout time.Duration, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %v", database.ErrQueryTimeout, timeout, err)
	case l.forceCtx.Err() != nil && ctx.Err() != nil:
		return fmt.Errorf("%w: %v", database.ErrShuttingDown, err)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

// ExecuteTransaction runs stmts atomically on one connection of the
// primary (or the class given by WithClass). Statements are neither
// rewritten nor cached.
func (l *Layer) ExecuteTransaction(ctx context.Context, stmts []database.Statement, opts ...TxOption) ([]*database.Result, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.inflight.Done()

	o := txOptions{class: database.ClassPrimary, timeout: l.config.Query.Timeout}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := l.execContext(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	results, err := l.transactions.Execute(ctx, o.class, stmts, o.sql)
	if err != nil {
		if errors.Is(err, database.ErrTransactionAborted) {
			return nil, err
		}
		return nil, l.mapError(ctx, o.timeout, err)
	}

	l.logger.Debug("Transaction executed",
		zap.Int("statements", len(stmts)),
		zap.String("class", o.class.String()),
		zap.Duration("duration", time.Since(start)),
	)
	return results, nil
}

// GetHealth returns per-pool health keyed by pool name.
func (l *Layer) GetHealth() map[string]database.PoolHealth {
	return l.supervisor.Health()
}

// GetOptimizationMetrics returns the current monitor snapshot.
func (l *Layer) GetOptimizationMetrics() monitoring.Snapshot {
	return l.monitor.Snapshot()
}

// PoolStatuses returns the full state of every pool.
func (l *Layer) PoolStatuses() []database.PoolStatus { return l.supervisor.Statuses() }

// TopFingerprints returns the slowest statement shapes.
func (l *Layer) TopFingerprints(n int) []monitoring.FingerprintReport {
	return l.monitor.TopFingerprints(n)
}

// CacheStats returns result cache counters; ok is false when the cache is
// disabled.
func (l *Layer) CacheStats() (cache.StatsSnapshot, bool) {
	if l.cache == nil {
		return cache.StatsSnapshot{}, false
	}
	return l.cache.Stats(), true
}

// OptimizerStats returns rewrite memo counters.
func (l *Layer) OptimizerStats() optimization.OptimizerStats { return l.optimizer.Stats() }

// SetSlowQueryThreshold changes the slow query threshold at runtime.
func (l *Layer) SetSlowQueryThreshold(d time.Duration) { l.monitor.SetSlowQueryThreshold(d) }

// Exporter returns the Prometheus exporter, or nil when metrics are off.
func (l *Layer) Exporter() *monitoring.MetricsExporter { return l.exporter }

// Shutdown rejects new calls, stops the workers and waits for in-flight
// calls up to the shutdown grace period. Calls still running after that
// are cancelled. Pools and the cache are closed last.
func (l *Layer) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	g, cancelWorkers := l.workers, l.cancelWorkers
	l.mu.Unlock()

	l.logger.Info("Shutting down access layer")

	var errs []error
	if cancelWorkers != nil {
		cancelWorkers()
		if err := g.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("workers: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()

	grace := time.NewTimer(l.config.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		l.logger.Warn("Shutdown grace period elapsed, cancelling in-flight queries",
			zap.Duration("grace", l.config.ShutdownGrace))
		l.forceCancel()
		<-done
	case <-ctx.Done():
		l.logger.Warn("Shutdown context done, cancelling in-flight queries", zap.Error(ctx.Err()))
		l.forceCancel()
		<-done
	}
	l.forceCancel()

	if err := l.supervisor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pools: %w", err))
	}
	if l.cache != nil {
		if err := l.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}

	l.logger.Info("Access layer stopped")
	return errors.Join(errs...)
}
