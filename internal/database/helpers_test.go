package database

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sqliteEndpoint(t *testing.T, name string) Endpoint {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".db")
	return Endpoint{
		Driver: "sqlite3",
		DSN:    fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path),
	}
}

func testPoolConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.Primary = PoolSize{Min: 0, Max: 4}
	cfg.Replica = PoolSize{Min: 0, Max: 4}
	cfg.Analytics = PoolSize{Min: 0, Max: 2}
	cfg.AcquireTimeout = 2 * time.Second
	cfg.ProbeTimeout = time.Second
	cfg.ProbeInterval = time.Hour
	cfg.MaintenanceInterval = time.Hour
	return cfg
}

func newTestPool(t *testing.T, class ConnectionClass, cfg PoolConfig) *ConnectionPool {
	t.Helper()
	pool, err := NewConnectionPool(zaptest.NewLogger(t), class, 0, sqliteEndpoint(t, class.String()), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func newTestSupervisor(t *testing.T, replicas int, analytics bool, opts ...SupervisorOption) *PoolSupervisor {
	t.Helper()
	cfg := Config{
		Topology: Topology{Primary: sqliteEndpoint(t, "primary")},
		Pools:    testPoolConfig(),
	}
	for i := 0; i < replicas; i++ {
		cfg.Topology.Replicas = append(cfg.Topology.Replicas, sqliteEndpoint(t, fmt.Sprintf("replica%d", i)))
	}
	if analytics {
		cfg.Topology.Analytics = sqliteEndpoint(t, "analytics")
	}
	sup, err := NewPoolSupervisor(zaptest.NewLogger(t), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}
