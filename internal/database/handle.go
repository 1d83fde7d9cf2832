package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/optimization"
)

// ConnectionHandle is one lease of a pooled connection.
type ConnectionHandle struct {
	pool       *ConnectionPool
	conn       *pooledConn
	acquiredAt time.Time
	released   atomic.Bool
	broken     atomic.Bool
}

// Pool returns the name of the pool the connection was leased from.
func (h *ConnectionHandle) Pool() string { return h.pool.name }

// Class returns the connection class of the owning pool.
func (h *ConnectionHandle) Class() ConnectionClass { return h.pool.class }

// Driver returns the database/sql driver name of the pool's endpoint.
func (h *ConnectionHandle) Driver() string { return h.pool.endpoint.Driver }

// ID returns the physical connection id.
func (h *ConnectionHandle) ID() string { return h.conn.id }

// Held returns how long the lease has been held.
func (h *ConnectionHandle) Held() time.Duration { return time.Since(h.acquiredAt) }

// MarkBroken makes Release close the connection instead of reusing it.
func (h *ConnectionHandle) MarkBroken() { h.broken.Store(true) }

// Release returns the connection to its pool. Safe to call more than once.
func (h *ConnectionHandle) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.pool.release(h.conn, h.broken.Load())
}

// Run executes one statement on the leased connection. Row-returning
// statements go through the connection's prepared statement cache.
func (h *ConnectionHandle) Run(ctx context.Context, text string, args []any) (*Result, error) {
	if h.released.Load() {
		return nil, ErrPoolClosed
	}

	var res *Result
	var err error
	if optimization.ReturnsRows(text) && h.conn.stmts.enabled() {
		var stmt *sql.Stmt
		stmt, err = h.prepare(ctx, text)
		if err == nil {
			res, err = queryRows(stmt.QueryContext(ctx, args...))
		}
	} else {
		res, err = run(ctx, h.conn.raw, text, args)
	}
	if err != nil {
		h.noteError(err)
		return nil, err
	}
	res.Pool = h.pool.name
	return res, nil
}

// BeginTx starts a transaction on the leased connection.
func (h *ConnectionHandle) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := h.conn.raw.BeginTx(ctx, opts)
	if err != nil {
		h.noteError(err)
	}
	return tx, err
}

func (h *ConnectionHandle) prepare(ctx context.Context, text string) (*sql.Stmt, error) {
	if stmt, ok := h.conn.stmts.get(text); ok {
		h.pool.stats.StmtHits.Add(1)
		return stmt, nil
	}
	h.pool.stats.StmtMisses.Add(1)
	stmt, err := h.conn.raw.PrepareContext(ctx, text)
	if err != nil {
		return nil, err
	}
	h.conn.stmts.put(text, stmt)
	return stmt, nil
}

func (h *ConnectionHandle) noteError(err error) {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		h.MarkBroken()
	}
}

// statementCache holds prepared statements of one physical connection.
// It is only touched by the current lease holder or while the connection
// is being closed, so it needs no lock.
type statementCache struct {
	max   int
	stmts map[string]*sql.Stmt
	order []string
}

func newStatementCache(max int) *statementCache {
	return &statementCache{max: max, stmts: make(map[string]*sql.Stmt)}
}

func (c *statementCache) enabled() bool { return c.max > 0 }

func (c *statementCache) get(text string) (*sql.Stmt, bool) {
	stmt, ok := c.stmts[text]
	return stmt, ok
}

func (c *statementCache) put(text string, stmt *sql.Stmt) {
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.stmts[oldest]; ok {
			_ = old.Close()
			delete(c.stmts, oldest)
		}
	}
	c.stmts[text] = stmt
	c.order = append(c.order, text)
}

func (c *statementCache) closeAll() {
	for text, stmt := range c.stmts {
		_ = stmt.Close()
		delete(c.stmts, text)
	}
	c.order = nil
}
