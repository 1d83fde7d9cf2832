package database

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticAvailability map[ConnectionClass]bool

func (a staticAvailability) Available(c ConnectionClass) bool { return a[c] }

func TestRoute(t *testing.T) {
	t.Parallel()

	all := staticAvailability{ClassPrimary: true, ClassReplica: true, ClassAnalytics: true}
	noAnalytics := staticAvailability{ClassPrimary: true, ClassReplica: true}
	primaryOnly := staticAvailability{ClassPrimary: true}
	nothing := staticAvailability{}

	tests := []struct {
		name  string
		kind  optimization.QueryKind
		avail staticAvailability
		want  ConnectionClass
	}{
		{"insert", optimization.KindInsert, all, ClassPrimary},
		{"update", optimization.KindUpdate, all, ClassPrimary},
		{"delete", optimization.KindDelete, all, ClassPrimary},
		{"write with degraded primary", optimization.KindInsert, nothing, ClassPrimary},
		{"aggregate prefers analytics", optimization.KindAggregate, all, ClassAnalytics},
		{"aggregate falls back to replica", optimization.KindAggregate, noAnalytics, ClassReplica},
		{"aggregate falls back to primary", optimization.KindAggregate, primaryOnly, ClassPrimary},
		{"select prefers replica", optimization.KindSelect, all, ClassReplica},
		{"select falls back to primary", optimization.KindSelect, primaryOnly, ClassPrimary},
		{"select never uses analytics", optimization.KindSelect, staticAvailability{ClassAnalytics: true}, ClassPrimary},
		{"nothing healthy", optimization.KindSelect, nothing, ClassPrimary},
		{"unknown kind", optimization.KindUnknown, all, ClassPrimary},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// deterministic: the same inputs always give the same class
			for i := 0; i < 3; i++ {
				assert.Equal(t, tt.want, Route(tt.kind, tt.avail))
			}
		})
	}
}

func TestRemainingChain(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []ConnectionClass{ClassReplica, ClassPrimary}, RemainingChain(optimization.KindAggregate, ClassAnalytics))
	assert.Equal(t, []ConnectionClass{ClassPrimary}, RemainingChain(optimization.KindSelect, ClassReplica))
	assert.Empty(t, RemainingChain(optimization.KindSelect, ClassPrimary))
	assert.Empty(t, RemainingChain(optimization.KindInsert, ClassPrimary))
}

func TestSupervisorTopology(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t, 2, true)

	health := sup.Health()
	assert.Len(t, health, 4)
	for _, name := range []string{"primary-0", "replica-0", "replica-1", "analytics-0"} {
		assert.Contains(t, health, name)
		assert.True(t, health[name].Healthy)
	}
	assert.True(t, sup.Available(ClassAnalytics))

	_, ok := sup.Pool("replica-1")
	assert.True(t, ok)
}

func TestSupervisorMissingClass(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t, 0, false)

	assert.False(t, sup.Available(ClassReplica))
	assert.False(t, sup.Available(ClassAnalytics))
	_, err := sup.Acquire(context.Background(), ClassReplica)
	assert.ErrorIs(t, err, ErrNoPool)
	assert.Equal(t, ClassPrimary, Route(optimization.KindSelect, sup))
}

func TestSupervisorSelectsMostEfficientPool(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t, 2, false)
	ctx := context.Background()

	first, err := sup.Select(ClassReplica)
	require.NoError(t, err)
	assert.Equal(t, "replica-0", first.Name(), "ties go to the first pool with the lowest active count")

	h, err := sup.Acquire(ctx, ClassReplica)
	require.NoError(t, err)
	assert.Equal(t, "replica-0", h.Pool())

	h2, err := sup.Acquire(ctx, ClassReplica)
	require.NoError(t, err)
	assert.Equal(t, "replica-1", h2.Pool(), "busier pool has lower efficiency")

	h.Release()
	h2.Release()
}

func TestSupervisorSkipsUnhealthyPools(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t, 2, false)
	ctx := context.Background()

	replica0, _ := sup.Pool("replica-0")
	for i := 0; i < 3; i++ {
		replica0.RecordProbe(errors.New("down"))
	}

	for i := 0; i < 3; i++ {
		h, err := sup.Acquire(ctx, ClassReplica)
		require.NoError(t, err)
		assert.Equal(t, "replica-1", h.Pool())
		defer h.Release()
	}

	replica1, _ := sup.Pool("replica-1")
	for i := 0; i < 3; i++ {
		replica1.RecordProbe(errors.New("down"))
	}
	assert.False(t, sup.Available(ClassReplica))
	assert.Equal(t, ClassPrimary, Route(optimization.KindSelect, sup))

	// explicit acquires still work when every pool of the class is degraded
	h, err := sup.Acquire(ctx, ClassReplica)
	require.NoError(t, err)
	h.Release()
}

func TestSupervisorProbeHysteresisRouting(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	failing := map[string]bool{}
	prober := func(ctx context.Context, pool string, db *sql.DB) error {
		mu.Lock()
		down := failing[pool]
		mu.Unlock()
		if down {
			return errors.New("probe failed")
		}
		return PingProber(ctx, pool, db)
	}
	sup := newTestSupervisor(t, 1, false, WithProber(prober))
	ctx := context.Background()

	mu.Lock()
	failing["replica-0"] = true
	mu.Unlock()

	for i := 0; i < 3; i++ {
		assert.Equal(t, ClassReplica, Route(optimization.KindSelect, sup), "probe %d", i)
		sup.ProbeAll(ctx)
	}
	assert.Equal(t, ClassPrimary, Route(optimization.KindSelect, sup))

	mu.Lock()
	failing["replica-0"] = false
	mu.Unlock()

	sup.ProbeAll(ctx)
	assert.Equal(t, ClassPrimary, Route(optimization.KindSelect, sup))
	sup.ProbeAll(ctx)
	assert.Equal(t, ClassReplica, Route(optimization.KindSelect, sup))
}

func TestSupervisorRunAndDrain(t *testing.T) {
	t.Parallel()
	sup := newTestSupervisor(t, 0, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	h, err := sup.Acquire(context.Background(), ClassPrimary)
	require.NoError(t, err)

	dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	err = sup.Drain(dctx)
	dcancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Release()
	}()
	dctx, dcancel = context.WithTimeout(context.Background(), time.Second)
	defer dcancel()
	assert.NoError(t, sup.Drain(dctx))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisorRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Topology.Primary.DSN = ""
	_, err := NewPoolSupervisor(zap.NewNop(), cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Pools.Replica = PoolSize{Min: 5, Max: 2}
	_, err = NewPoolSupervisor(zap.NewNop(), cfg)
	assert.Error(t, err)
}
