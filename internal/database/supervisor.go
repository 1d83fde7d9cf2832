package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const efficiencyEpsilon = 1e-9

// PoolSupervisor owns every pool of the topology. The pool set is fixed
// at construction, so lookups need no lock; all mutable state lives in
// the individual pools.
type PoolSupervisor struct {
	logger *zap.Logger
	config PoolConfig
	prober Prober

	pools   map[ConnectionClass][]*ConnectionPool
	ordered []*ConnectionPool
}

// SupervisorOption configures a PoolSupervisor.
type SupervisorOption func(*PoolSupervisor)

// WithProber replaces the default "SELECT 1" health probe.
func WithProber(p Prober) SupervisorOption {
	return func(s *PoolSupervisor) { s.prober = p }
}

// NewPoolSupervisor opens one pool per configured endpoint.
func NewPoolSupervisor(logger *zap.Logger, config Config, opts ...SupervisorOption) (*PoolSupervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("database config: %w", err)
	}

	s := &PoolSupervisor{
		logger: logger,
		config: config.Pools,
		prober: PingProber,
		pools:  make(map[ConnectionClass][]*ConnectionPool),
	}
	for _, opt := range opts {
		opt(s)
	}

	add := func(class ConnectionClass, index int, ep Endpoint) error {
		pool, err := NewConnectionPool(logger.Named("pool"), class, index, ep, config.Pools)
		if err != nil {
			return err
		}
		s.pools[class] = append(s.pools[class], pool)
		s.ordered = append(s.ordered, pool)
		return nil
	}

	if err := add(ClassPrimary, 0, config.Topology.Primary); err != nil {
		return nil, err
	}
	for i, ep := range config.Topology.Replicas {
		if err := add(ClassReplica, i, ep); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	if config.Topology.Analytics.Configured() {
		if err := add(ClassAnalytics, 0, config.Topology.Analytics); err != nil {
			_ = s.Close()
			return nil, err
		}
	}

	logger.Info("Pool supervisor initialized",
		zap.Int("replicas", len(s.pools[ClassReplica])),
		zap.Bool("analytics", len(s.pools[ClassAnalytics]) > 0))

	return s, nil
}

// Select picks the pool of class with the highest efficiency among healthy
// pools, breaking ties by the lowest active count. When no pool of the
// class is healthy the same rule is applied to all of them.
func (s *PoolSupervisor) Select(class ConnectionClass) (*ConnectionPool, error) {
	candidates := s.pools[class]
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPool, class)
	}
	if best := pickPool(candidates, true); best != nil {
		return best, nil
	}
	return pickPool(candidates, false), nil
}

func pickPool(candidates []*ConnectionPool, healthyOnly bool) *ConnectionPool {
	var best *ConnectionPool
	var bestHealth PoolHealth
	for _, p := range candidates {
		h := p.Health()
		if healthyOnly && !h.Healthy {
			continue
		}
		if best == nil ||
			h.Efficiency > bestHealth.Efficiency+efficiencyEpsilon ||
			(h.Efficiency >= bestHealth.Efficiency-efficiencyEpsilon && h.Active < bestHealth.Active) {
			best, bestHealth = p, h
		}
	}
	return best
}

// Acquire leases a connection from the best pool of class.
func (s *PoolSupervisor) Acquire(ctx context.Context, class ConnectionClass) (*ConnectionHandle, error) {
	pool, err := s.Select(class)
	if err != nil {
		return nil, err
	}
	return pool.Acquire(ctx)
}

// Available reports whether class has at least one healthy pool.
func (s *PoolSupervisor) Available(class ConnectionClass) bool {
	for _, p := range s.pools[class] {
		if p.Health().Healthy {
			return true
		}
	}
	return false
}

// Pools returns every pool in creation order.
func (s *PoolSupervisor) Pools() []*ConnectionPool {
	return s.ordered
}

// Pool returns a pool by name.
func (s *PoolSupervisor) Pool(name string) (*ConnectionPool, bool) {
	for _, p := range s.ordered {
		if p.name == name {
			return p, true
		}
	}
	return nil, false
}

// Health returns the health of every pool keyed by pool name.
func (s *PoolSupervisor) Health() map[string]PoolHealth {
	out := make(map[string]PoolHealth, len(s.ordered))
	for _, p := range s.ordered {
		out[p.name] = p.Health()
	}
	return out
}

// Statuses returns a detailed snapshot of every pool.
func (s *PoolSupervisor) Statuses() []PoolStatus {
	out := make([]PoolStatus, 0, len(s.ordered))
	for _, p := range s.ordered {
		out = append(out, p.Status())
	}
	return out
}

// ProbeAll runs one health probe against every pool.
func (s *PoolSupervisor) ProbeAll(ctx context.Context) {
	for _, p := range s.ordered {
		if ctx.Err() != nil {
			return
		}
		_ = p.Probe(ctx, s.prober)
	}
}

// MaintainAll runs one maintenance pass on every pool.
func (s *PoolSupervisor) MaintainAll(ctx context.Context) {
	for _, p := range s.ordered {
		if ctx.Err() != nil {
			return
		}
		p.Maintain(ctx)
	}
}

// Run probes and maintains pools until ctx is cancelled.
func (s *PoolSupervisor) Run(ctx context.Context) error {
	probe := time.NewTicker(s.config.ProbeInterval)
	defer probe.Stop()
	maintain := time.NewTicker(s.config.MaintenanceInterval)
	defer maintain.Stop()

	s.MaintainAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-probe.C:
			s.ProbeAll(ctx)
		case <-maintain.C:
			s.MaintainAll(ctx)
		}
	}
}

// Drain waits until no connection is leased or ctx is done.
func (s *PoolSupervisor) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		busy := 0
		for _, p := range s.ordered {
			busy += p.Health().Active
		}
		if busy == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %d connections still leased: %w", busy, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close closes every pool.
func (s *PoolSupervisor) Close() error {
	var errs []error
	for _, p := range s.ordered {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}
