package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

// testDriver is sqlite with a sleep_ms(ms) function for latency fixtures.
const testDriver = "sqlite3_engine_test"

func init() {
	sql.Register(testDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("sleep_ms", func(ms int64) int64 {
				time.Sleep(time.Duration(ms) * time.Millisecond)
				return ms
			}, false)
		},
	})
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig puts every class on the same sqlite file so writes on the
// primary are visible to replica and analytics reads.
func testConfig(t *testing.T, replicas int, analytics bool) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	ep := database.Endpoint{
		Driver: testDriver,
		DSN:    fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path),
	}

	cfg := DefaultConfig()
	cfg.Database.Topology = database.Topology{Primary: ep}
	for i := 0; i < replicas; i++ {
		cfg.Database.Topology.Replicas = append(cfg.Database.Topology.Replicas, ep)
	}
	if analytics {
		cfg.Database.Topology.Analytics = ep
	}

	p := &cfg.Database.Pools
	p.Primary = database.PoolSize{Min: 0, Max: 10}
	p.Replica = database.PoolSize{Min: 0, Max: 10}
	p.Analytics = database.PoolSize{Min: 0, Max: 4}
	p.AcquireTimeout = 5 * time.Second
	p.ProbeInterval = time.Hour
	p.MaintenanceInterval = time.Hour

	cfg.Query.Timeout = 10 * time.Second
	cfg.Cache.MinLatency = 0
	cfg.Monitor.Interval = time.Hour
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

func newTestLayer(t *testing.T, cfg Config, opts ...Option) *Layer {
	t.Helper()
	l, err := New(zaptest.NewLogger(t), cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, l.Shutdown(context.Background()))
	})
	return l
}

func createItems(t *testing.T, l *Layer, n int) {
	t.Helper()
	ctx := context.Background()
	_, err := l.ExecuteQuery(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)", nil)
	require.NoError(t, err)
	if n == 0 {
		return
	}
	res, err := l.ExecuteQuery(ctx, `INSERT INTO items (id, name)
		WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < ?)
		SELECT n, 'item-' || n FROM seq`, []any{n})
	require.NoError(t, err)
	require.Equal(t, int64(n), res.RowsAffected)
}
