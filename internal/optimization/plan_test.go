package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialectOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		driver string
		want   PlanDialect
	}{
		{"sqlite3", PlanSQLite},
		{"sqlite3_engine_test", PlanSQLite},
		{"postgres", PlanPostgres},
		{"pgx", PlanPostgres},
		{"mysql", PlanUnsupported},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DialectOf(tt.driver), tt.driver)
	}
}

func TestExplainStatement(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dialect PlanDialect
		query   string
		want    string
		params  int
		ok      bool
	}{
		{"sqlite read", PlanSQLite, "SELECT id FROM t WHERE a = ? AND b = ?;", "EXPLAIN QUERY PLAN SELECT id FROM t WHERE a = ? AND b = ?", 2, true},
		{"sqlite numbered", PlanSQLite, "SELECT id FROM t WHERE a = $2 OR b = $1", "EXPLAIN QUERY PLAN SELECT id FROM t WHERE a = $2 OR b = $1", 2, true},
		{"postgres plain", PlanPostgres, "SELECT count(*) FROM t", "EXPLAIN (FORMAT JSON) SELECT count(*) FROM t", 0, true},
		{"postgres params", PlanPostgres, "SELECT id FROM t WHERE a = $1", "EXPLAIN (GENERIC_PLAN, FORMAT JSON) SELECT id FROM t WHERE a = $1", 0, true},
		{"cte read", PlanSQLite, "WITH r AS (SELECT id FROM t) SELECT * FROM r", "EXPLAIN QUERY PLAN WITH r AS (SELECT id FROM t) SELECT * FROM r", 0, true},
		{"question mark in literal", PlanSQLite, "SELECT id FROM t WHERE a = '?'", "EXPLAIN QUERY PLAN SELECT id FROM t WHERE a = '?'", 0, true},
		{"write", PlanSQLite, "UPDATE t SET a = 1", "", 0, false},
		{"locking read", PlanPostgres, "SELECT * FROM t WHERE id = 1 FOR UPDATE", "", 0, false},
		{"cte write", PlanSQLite, "WITH gone AS (DELETE FROM t RETURNING id) SELECT * FROM gone", "", 0, false},
		{"already explained", PlanSQLite, "EXPLAIN SELECT 1", "", 0, false},
		{"unbalanced", PlanSQLite, "SELECT (a FROM t", "", 0, false},
		{"unsupported driver", PlanUnsupported, "SELECT 1", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			stmt, params, ok := ExplainStatement(tt.dialect, tt.query)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, stmt)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestSQLitePlanFindings(t *testing.T) {
	t.Parallel()
	rows := [][]any{
		{int64(2), int64(0), int64(0), "SCAN items"},
		{int64(3), int64(0), int64(0), []byte("SCAN TABLE orders")},
		{int64(4), int64(0), int64(0), "SEARCH users USING INTEGER PRIMARY KEY (rowid=?)"},
		{int64(5), int64(0), int64(0), "SCAN tags USING COVERING INDEX tags_name"},
		{int64(6), int64(0), int64(0), "SCAN CONSTANT ROW"},
		{int64(7), int64(0), int64(0), "USE TEMP B-TREE FOR ORDER BY"},
		{int64(8), int64(0), int64(0), "SCAN items"},
	}
	assert.Equal(t, []string{
		"plan: full scan of items; index the filtered columns",
		"plan: full scan of orders; index the filtered columns",
		"plan: temporary sort for ORDER BY; an index in that order avoids it",
	}, SQLitePlanFindings(rows))
	assert.Empty(t, SQLitePlanFindings(nil))
}

func TestPostgresPlanFindings(t *testing.T) {
	t.Parallel()
	doc := `[{"Plan": {"Node Type": "Sort", "Sort Key": ["o.created_at"], "Total Cost": 2451.7, "Plans": [
		{"Node Type": "Hash Join", "Plans": [
			{"Node Type": "Seq Scan", "Relation Name": "orders"},
			{"Node Type": "Index Scan", "Relation Name": "users"}
		]}
	]}}]`

	got, err := PostgresPlanFindings([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"plan: explicit sort on o.created_at; an index in that order avoids it",
		"plan: sequential scan of orders; index the filtered columns",
		"plan: estimated cost 2452 is above 1000; consider rewriting the statement",
	}, got)

	got, err = PlanFindings(PlanPostgres, [][]any{{[]byte(doc)}})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	cheap := `[{"Plan": {"Node Type": "Index Scan", "Relation Name": "users", "Total Cost": 8.3}}]`
	got, err = PostgresPlanFindings([]byte(cheap))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = PostgresPlanFindings([]byte("not json"))
	assert.Error(t, err)
	_, err = PlanFindings(PlanPostgres, nil)
	assert.Error(t, err)
	_, err = PlanFindings(PlanUnsupported, nil)
	assert.Error(t, err)
}
