package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/optimization"
)

func init() {
	gob.Register(time.Time{})
}

// Result is the outcome of one statement. Results served from the cache
// are shared between callers and must be treated as read-only.
type Result struct {
	Columns      []string      `json:"columns,omitempty"`
	Rows         [][]any       `json:"rows,omitempty"`
	RowsAffected int64         `json:"rows_affected"`
	LastInsertID int64         `json:"last_insert_id,omitempty"`
	Pool         string        `json:"pool,omitempty"`
	Cached       bool          `json:"cached"`
	Duration     time.Duration `json:"duration"`
}

// Statement is a statement text with its parameters.
type Statement struct {
	Text string `json:"text"`
	Args []any  `json:"args,omitempty"`
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// run executes text on a connection or transaction.
func run(ctx context.Context, q execQuerier, text string, args []any) (*Result, error) {
	if optimization.ReturnsRows(text) {
		return queryRows(q.QueryContext(ctx, text, args...))
	}

	r, err := q.ExecContext(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if n, err := r.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	if id, err := r.LastInsertId(); err == nil {
		res.LastInsertID = id
	}
	return res, nil
}

func queryRows(rows *sql.Rows, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

// ResultCodec serializes results for the second-level cache.
type ResultCodec struct{}

func (ResultCodec) Encode(r *Result) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return buf.Bytes(), nil
}

func (ResultCodec) Decode(b []byte) (*Result, error) {
	var r Result
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}
