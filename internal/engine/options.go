package engine

import (
	"database/sql"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/monitoring"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
)

// Option configures a Layer at construction.
type Option func(*layerOptions)

type layerOptions struct {
	prober database.Prober
	alerts monitoring.AlertHandler
}

// WithProber replaces the SELECT 1 health probe.
func WithProber(p database.Prober) Option {
	return func(o *layerOptions) { o.prober = p }
}

// WithAlertHandler receives slow query alerts instead of the log.
func WithAlertHandler(h monitoring.AlertHandler) Option {
	return func(o *layerOptions) { o.alerts = h }
}

// QueryOption adjusts one ExecuteQuery call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	kind         optimization.QueryKind
	cacheable    bool
	timeout      time.Duration
	forcePrimary bool
}

// WithKind skips classification and uses kind.
func WithKind(kind optimization.QueryKind) QueryOption {
	return func(o *queryOptions) { o.kind = kind }
}

// WithCacheable set to false bypasses the result cache for reads.
func WithCacheable(cacheable bool) QueryOption {
	return func(o *queryOptions) { o.cacheable = cacheable }
}

// WithTimeout overrides the configured query timeout.
func WithTimeout(d time.Duration) QueryOption {
	return func(o *queryOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithForcePrimary sends the statement to the primary regardless of kind.
func WithForcePrimary() QueryOption {
	return func(o *queryOptions) { o.forcePrimary = true }
}

// TxOption adjusts one ExecuteTransaction call.
type TxOption func(*txOptions)

type txOptions struct {
	class   database.ConnectionClass
	timeout time.Duration
	sql     *sql.TxOptions
}

// WithClass runs the transaction on a class other than the primary.
func WithClass(class database.ConnectionClass) TxOption {
	return func(o *txOptions) { o.class = class }
}

// WithTxOptions sets the isolation level and read-only flag.
func WithTxOptions(opts *sql.TxOptions) TxOption {
	return func(o *txOptions) { o.sql = opts }
}

// WithTxTimeout overrides the configured query timeout for the whole
// transaction.
func WithTxTimeout(d time.Duration) TxOption {
	return func(o *txOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}
