package database

import (
	"errors"
	"fmt"
)

// Errors surfaced by the access layer. Callers match them with errors.Is;
// none of them is retried internally.
var (
	ErrPoolExhausted       = errors.New("connection pool exhausted")
	ErrConnectionUnhealthy = errors.New("connection unhealthy")
	ErrQueryTimeout        = errors.New("query timeout")
	ErrQueryExecution      = errors.New("query execution failed")
	ErrTransactionAborted  = errors.New("transaction aborted")
	ErrPoolClosed          = errors.New("connection pool closed")
	ErrNoPool              = errors.New("no pool configured for connection class")
	ErrShuttingDown        = errors.New("access layer is shutting down")
)

// QueryExecutionError is returned when the datastore rejects a statement.
type QueryExecutionError struct {
	Pool      string
	Statement string
	Err       error
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("query execution failed on %s: %v", e.Pool, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

func (e *QueryExecutionError) Is(target error) bool { return target == ErrQueryExecution }

// TransactionAbortedError reports the statement that caused a rollback.
// Index is -1 when BEGIN failed and len(statements) when COMMIT failed.
type TransactionAbortedError struct {
	ID    string
	Pool  string
	Index int
	Cause error
}

func (e *TransactionAbortedError) Error() string {
	switch {
	case e.Index < 0:
		return fmt.Sprintf("transaction aborted on %s: begin: %v", e.Pool, e.Cause)
	default:
		return fmt.Sprintf("transaction aborted on %s at statement %d: %v", e.Pool, e.Index, e.Cause)
	}
}

func (e *TransactionAbortedError) Unwrap() error { return e.Cause }

func (e *TransactionAbortedError) Is(target error) bool { return target == ErrTransactionAborted }
