package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplainPlan(t *testing.T) {
	t.Parallel()
	l := newTestLayer(t, testConfig(t, 1, false))
	createItems(t, l, 50)
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"unindexed filter", "SELECT id FROM items WHERE name = ?", []string{"plan: full scan of items; index the filtered columns"}},
		{"primary key lookup", "SELECT name FROM items WHERE id = ?", nil},
		{"unindexed order", "SELECT id FROM items WHERE id > 10 ORDER BY name", []string{"plan: temporary sort for ORDER BY; an index in that order avoids it"}},
		{"write", "DELETE FROM items WHERE name = ?", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.ExplainPlan(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := l.ExplainPlan(ctx, "SELECT id FROM missing_table")
	assert.Error(t, err)
}

func TestSlowReadAlertCarriesPlan(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var alerts []monitoring.Alert
	handler := monitoring.AlertHandlerFunc(func(a monitoring.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	l := newTestLayer(t, testConfig(t, 0, false), WithAlertHandler(handler))
	createItems(t, l, 20)
	l.SetSlowQueryThreshold(time.Millisecond)

	query := "SELECT id, sleep_ms(5) FROM items WHERE name = ?"
	for i := 0; i < 3; i++ {
		_, err := l.ExecuteQuery(context.Background(), query, []any{"item-7"}, WithCacheable(false))
		require.NoError(t, err)
	}
	l.monitor.Collect(time.Now())

	finding := "plan: full scan of items; index the filtered columns"
	mu.Lock()
	var fired *monitoring.Alert
	for i := range alerts {
		if alerts[i].Text == query {
			fired = &alerts[i]
		}
	}
	mu.Unlock()
	require.NotNil(t, fired)
	assert.Contains(t, fired.Suggestions, finding)

	for _, r := range l.TopFingerprints(10) {
		if r.Text == query {
			assert.Equal(t, []string{finding}, r.Plan)
		}
	}
}

func TestExplainPlanDisabled(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var alerts []monitoring.Alert
	handler := monitoring.AlertHandlerFunc(func(a monitoring.Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	cfg := testConfig(t, 0, false)
	cfg.Monitor.ExplainSlowReads = false
	l := newTestLayer(t, cfg, WithAlertHandler(handler))
	createItems(t, l, 20)
	l.SetSlowQueryThreshold(time.Millisecond)

	query := "SELECT id, sleep_ms(5) FROM items WHERE name = ?"
	for i := 0; i < 3; i++ {
		_, err := l.ExecuteQuery(context.Background(), query, []any{"item-7"}, WithCacheable(false))
		require.NoError(t, err)
	}
	l.monitor.Collect(time.Now())

	mu.Lock()
	defer mu.Unlock()
	for _, a := range alerts {
		for _, s := range a.Suggestions {
			assert.NotContains(t, s, "plan:")
		}
	}
}
