package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TransactionExecutor runs statement batches atomically on one connection.
type TransactionExecutor struct {
	logger     *zap.Logger
	supervisor *PoolSupervisor
}

// NewTransactionExecutor creates an executor leasing from supervisor.
func NewTransactionExecutor(logger *zap.Logger, supervisor *PoolSupervisor) *TransactionExecutor {
	return &TransactionExecutor{logger: logger, supervisor: supervisor}
}

// Execute leases exactly one connection of class, runs stmts in order
// inside a transaction and commits only if every statement succeeds. The
// connection is released on every path. Statements are executed as given:
// they are neither rewritten nor cached.
func (te *TransactionExecutor) Execute(ctx context.Context, class ConnectionClass, stmts []Statement, opts *sql.TxOptions) ([]*Result, error) {
	h, err := te.supervisor.Acquire(ctx, class)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	txID := uuid.NewString()
	logger := te.logger.With(zap.String("tx_id", txID), zap.String("pool", h.Pool()))

	tx, err := h.BeginTx(ctx, opts)
	if err != nil {
		return nil, &TransactionAbortedError{ID: txID, Pool: h.Pool(), Index: -1, Cause: err}
	}

	results := make([]*Result, 0, len(stmts))
	for i, st := range stmts {
		res, err := run(ctx, tx, st.Text, st.Args)
		if err != nil {
			h.noteError(err)
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				// the connection state is unknown after a failed rollback
				h.MarkBroken()
				logger.Error("Rollback failed", zap.Error(rbErr))
			}
			logger.Warn("Transaction rolled back",
				zap.Int("statement", i),
				zap.Int("statements", len(stmts)),
				zap.Error(err))
			return nil, &TransactionAbortedError{ID: txID, Pool: h.Pool(), Index: i, Cause: err}
		}
		res.Pool = h.Pool()
		results = append(results, res)
	}

	if err := tx.Commit(); err != nil {
		h.noteError(err)
		logger.Warn("Transaction commit failed", zap.Error(err))
		return nil, &TransactionAbortedError{ID: txID, Pool: h.Pool(), Index: len(stmts), Cause: err}
	}

	logger.Debug("Transaction committed", zap.Int("statements", len(stmts)))
	return results, nil
}
