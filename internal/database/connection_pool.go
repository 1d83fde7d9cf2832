package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Prober checks that the endpoint behind a pool answers. It runs on the
// pool's own *sql.DB and never uses a leased connection.
type Prober func(ctx context.Context, pool string, db *sql.DB) error

// PingProber runs "SELECT 1" against the endpoint.
func PingProber(ctx context.Context, _ string, db *sql.DB) error {
	var one int
	return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// ConnectionPool bounds the connections opened to one endpoint and tracks
// the utilization, acquisition latency and health used for pool selection.
type ConnectionPool struct {
	logger   *zap.Logger
	class    ConnectionClass
	index    int
	name     string
	endpoint Endpoint
	db       *sql.DB

	min, max       int
	acquireTimeout time.Duration
	idleTimeout    time.Duration
	probeTimeout   time.Duration
	failureLimit   int
	successLimit   int
	utilWeight     float64
	latencyWeight  float64
	stmtCacheSize  int

	// one token per connection that may be leased at the same time
	sem *semaphore.Weighted

	mu                   sync.Mutex
	idle                 []*pooledConn // LIFO
	active               int
	healthy              bool
	consecutiveFailures  int
	consecutiveSuccesses int
	acquireEWMA          time.Duration
	acquireMax           time.Duration
	efficiency           float64
	closed               bool

	stats PoolStatistics
}

// PoolStatistics tracks pool metrics
type PoolStatistics struct {
	Acquisitions  atomic.Uint64
	Releases      atomic.Uint64
	Exhausted     atomic.Uint64
	Created       atomic.Uint64
	Closed        atomic.Uint64
	ProbeFailures atomic.Uint64
	StmtHits      atomic.Uint64
	StmtMisses    atomic.Uint64
	WaitTime      atomic.Int64 // nanoseconds
}

// pooledConn is one physical connection owned by a pool.
type pooledConn struct {
	raw       *sql.Conn
	id        string
	createdAt time.Time
	lastUsed  time.Time
	stmts     *statementCache
}

// PoolHealth is the externally visible health of a pool.
type PoolHealth struct {
	Active     int     `json:"active"`
	Idle       int     `json:"idle"`
	Efficiency float64 `json:"efficiency"`
	Healthy    bool    `json:"healthy"`
}

// PoolStatus is a full point-in-time view of a pool.
type PoolStatus struct {
	PoolHealth
	Name                string          `json:"name"`
	Class               ConnectionClass `json:"-"`
	ClassName           string          `json:"class"`
	Min                 int             `json:"min"`
	Max                 int             `json:"max"`
	AcquireEWMA         time.Duration   `json:"acquire_ewma"`
	AcquireMax          time.Duration   `json:"acquire_max"`
	AvgAcquire          time.Duration   `json:"avg_acquire"`
	Acquisitions        uint64          `json:"acquisitions"`
	Releases            uint64          `json:"releases"`
	Exhausted           uint64          `json:"exhausted"`
	Created             uint64          `json:"created"`
	Closed              uint64          `json:"closed"`
	ProbeFailures       uint64          `json:"probe_failures"`
	StatementHits       uint64          `json:"statement_hits"`
	StatementMisses     uint64          `json:"statement_misses"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// NewConnectionPool opens the endpoint for a class. No connection is
// established until the first acquire or maintenance pass.
func NewConnectionPool(logger *zap.Logger, class ConnectionClass, index int, endpoint Endpoint, config PoolConfig) (*ConnectionPool, error) {
	size := config.SizeFor(class)
	name := fmt.Sprintf("%s-%d", class, index)

	db, err := sql.Open(endpoint.Driver, endpoint.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	// one slot above max is kept for probes
	db.SetMaxOpenConns(size.Max + 1)
	db.SetMaxIdleConns(1)

	pool := &ConnectionPool{
		logger:         logger.With(zap.String("pool", name)),
		class:          class,
		index:          index,
		name:           name,
		endpoint:       endpoint,
		db:             db,
		min:            size.Min,
		max:            size.Max,
		acquireTimeout: config.AcquireTimeout,
		idleTimeout:    config.IdleTimeout,
		probeTimeout:   config.ProbeTimeout,
		failureLimit:   config.FailureThreshold,
		successLimit:   config.SuccessThreshold,
		utilWeight:     config.UtilizationWeight,
		latencyWeight:  config.LatencyWeight,
		stmtCacheSize:  config.StatementCacheSize,
		sem:            semaphore.NewWeighted(int64(size.Max)),
		idle:           make([]*pooledConn, 0, size.Max),
		healthy:        true,
	}
	if pool.probeTimeout <= 0 {
		pool.probeTimeout = config.AcquireTimeout
	}
	pool.recomputeLocked()

	pool.logger.Info("Connection pool initialized",
		zap.String("driver", endpoint.Driver),
		zap.Int("min_connections", size.Min),
		zap.Int("max_connections", size.Max))

	return pool, nil
}

// Name returns the pool name, e.g. "replica-1".
func (p *ConnectionPool) Name() string { return p.name }

// Class returns the pool's connection class.
func (p *ConnectionPool) Class() ConnectionClass { return p.class }

// Acquire leases a connection, waiting at most the configured acquire
// timeout. The returned handle must be released exactly once; extra
// releases are ignored.
func (p *ConnectionPool) Acquire(ctx context.Context) (*ConnectionHandle, error) {
	start := time.Now()

	actx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.stats.Exhausted.Add(1)
		p.mu.Lock()
		p.observeAcquireLocked(time.Since(start))
		p.recomputeLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: %w after %s", p.name, ErrPoolExhausted, p.acquireTimeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	var pc *pooledConn
	if n := len(p.idle); n > 0 {
		pc = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	}
	p.active++
	p.mu.Unlock()

	if pc == nil {
		var err error
		pc, err = p.open(actx)
		if err != nil {
			p.mu.Lock()
			p.active--
			p.recomputeLocked()
			p.mu.Unlock()
			p.sem.Release(1)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s: %w: %v", p.name, ErrConnectionUnhealthy, err)
		}
	}

	wait := time.Since(start)
	p.mu.Lock()
	p.observeAcquireLocked(wait)
	p.recomputeLocked()
	p.mu.Unlock()

	p.stats.Acquisitions.Add(1)
	p.stats.WaitTime.Add(wait.Nanoseconds())

	return &ConnectionHandle{pool: p, conn: pc, acquiredAt: time.Now()}, nil
}

func (p *ConnectionPool) open(ctx context.Context) (*pooledConn, error) {
	raw, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	pc := &pooledConn{
		raw:       raw,
		id:        uuid.NewString(),
		createdAt: now,
		lastUsed:  now,
		stmts:     newStatementCache(p.stmtCacheSize),
	}
	p.stats.Created.Add(1)
	p.logger.Debug("Connection opened", zap.String("conn_id", pc.id))
	return pc, nil
}

func (p *ConnectionPool) release(pc *pooledConn, broken bool) {
	pc.lastUsed = time.Now()

	p.mu.Lock()
	p.active--
	discard := broken || p.closed
	if !discard {
		p.idle = append(p.idle, pc)
	}
	p.recomputeLocked()
	p.mu.Unlock()

	p.stats.Releases.Add(1)
	if discard {
		p.closeConn(pc)
	}
	p.sem.Release(1)
}

func (p *ConnectionPool) closeConn(pc *pooledConn) {
	pc.stmts.closeAll()
	if err := pc.raw.Close(); err != nil {
		p.logger.Debug("Failed to close connection", zap.String("conn_id", pc.id), zap.Error(err))
	}
	p.stats.Closed.Add(1)
}

// observeAcquireLocked folds one acquisition wait into the EWMA.
func (p *ConnectionPool) observeAcquireLocked(d time.Duration) {
	if p.acquireEWMA == 0 {
		p.acquireEWMA = d
	} else {
		p.acquireEWMA = (p.acquireEWMA*9 + d) / 10
	}
	if d > p.acquireMax {
		p.acquireMax = d
	}
}

func (p *ConnectionPool) recomputeLocked() {
	util := float64(p.active) / float64(p.max)
	latency := 0.0
	if p.acquireTimeout > 0 {
		latency = math.Min(1, float64(p.acquireEWMA)/float64(p.acquireTimeout))
	}
	p.efficiency = p.utilWeight*(1-util) + p.latencyWeight*(1-latency)
}

// Health returns active/idle counts, efficiency and the health flag,
// read under one lock so active+idle is consistent.
func (p *ConnectionPool) Health() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolHealth{
		Active:     p.active,
		Idle:       len(p.idle),
		Efficiency: p.efficiency,
		Healthy:    p.healthy,
	}
}

// Status returns a full snapshot including counters.
func (p *ConnectionPool) Status() PoolStatus {
	p.mu.Lock()
	st := PoolStatus{
		PoolHealth: PoolHealth{
			Active:     p.active,
			Idle:       len(p.idle),
			Efficiency: p.efficiency,
			Healthy:    p.healthy,
		},
		Name:                p.name,
		Class:               p.class,
		ClassName:           p.class.String(),
		Min:                 p.min,
		Max:                 p.max,
		AcquireEWMA:         p.acquireEWMA,
		AcquireMax:          p.acquireMax,
		ConsecutiveFailures: p.consecutiveFailures,
	}
	p.mu.Unlock()

	st.Acquisitions = p.stats.Acquisitions.Load()
	st.Releases = p.stats.Releases.Load()
	st.Exhausted = p.stats.Exhausted.Load()
	st.Created = p.stats.Created.Load()
	st.Closed = p.stats.Closed.Load()
	st.ProbeFailures = p.stats.ProbeFailures.Load()
	st.StatementHits = p.stats.StmtHits.Load()
	st.StatementMisses = p.stats.StmtMisses.Load()
	if st.Acquisitions > 0 {
		st.AvgAcquire = time.Duration(p.stats.WaitTime.Load() / int64(st.Acquisitions))
	}
	return st
}

// Probe runs prober against the endpoint and records the outcome.
func (p *ConnectionPool) Probe(ctx context.Context, prober Prober) error {
	pctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	err := prober(pctx, p.name, p.db)
	if err != nil && ctx.Err() != nil {
		// shutting down, not an endpoint failure
		return err
	}
	p.RecordProbe(err)
	return err
}

// RecordProbe applies one probe outcome to the health hysteresis: the pool
// turns unhealthy after FailureThreshold consecutive failures and healthy
// again only after SuccessThreshold consecutive successes.
func (p *ConnectionPool) RecordProbe(err error) {
	var markedDown, restored bool
	var failures int

	p.mu.Lock()
	if err != nil {
		p.stats.ProbeFailures.Add(1)
		p.consecutiveSuccesses = 0
		p.consecutiveFailures++
		failures = p.consecutiveFailures
		if p.healthy && p.consecutiveFailures >= p.failureLimit {
			p.healthy = false
			markedDown = true
		}
	} else {
		p.consecutiveFailures = 0
		if !p.healthy {
			p.consecutiveSuccesses++
			if p.consecutiveSuccesses >= p.successLimit {
				p.healthy = true
				p.consecutiveSuccesses = 0
				restored = true
			}
		}
	}
	p.mu.Unlock()

	switch {
	case markedDown:
		p.logger.Warn("Pool marked unhealthy",
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
	case restored:
		p.logger.Info("Pool restored to healthy")
	case err != nil:
		p.logger.Debug("Health probe failed", zap.Int("consecutive_failures", failures), zap.Error(err))
	}
}

// Maintain closes connections idle for longer than the idle timeout while
// keeping min, then opens connections until min is reached.
func (p *ConnectionPool) Maintain(ctx context.Context) {
	now := time.Now()
	var stale []*pooledConn

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	total := p.active + len(p.idle)
	n := len(p.idle)
	kept := p.idle[:0]
	// the bottom of the stack holds the least recently used connections
	for _, pc := range p.idle {
		if p.idleTimeout > 0 && total > p.min && now.Sub(pc.lastUsed) > p.idleTimeout {
			stale = append(stale, pc)
			total--
			continue
		}
		kept = append(kept, pc)
	}
	for i := len(kept); i < n; i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.mu.Unlock()

	for _, pc := range stale {
		p.closeConn(pc)
	}
	if len(stale) > 0 {
		p.logger.Debug("Closed idle connections", zap.Int("count", len(stale)))
	}

	for ctx.Err() == nil {
		if !p.sem.TryAcquire(1) {
			return
		}
		p.mu.Lock()
		if p.closed || p.active+len(p.idle) >= p.min {
			p.mu.Unlock()
			p.sem.Release(1)
			return
		}
		p.active++
		p.mu.Unlock()

		octx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
		pc, err := p.open(octx)
		cancel()

		p.mu.Lock()
		p.active--
		if err == nil && !p.closed {
			p.idle = append(p.idle, pc)
			pc = nil
		}
		p.recomputeLocked()
		p.mu.Unlock()
		p.sem.Release(1)

		if pc != nil {
			p.closeConn(pc)
			return
		}
		if err != nil {
			p.logger.Warn("Failed to create connection during maintenance", zap.Error(err))
			return
		}
	}
}

// Close closes idle connections and the endpoint. Leased connections are
// closed as they are released.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range idle {
		p.closeConn(pc)
	}
	p.logger.Info("Connection pool shut down")
	return p.db.Close()
}
