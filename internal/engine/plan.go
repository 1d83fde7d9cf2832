package engine

import (
	"context"
	"fmt"

	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
)

// ExplainPlan asks a read pool for the execution plan of text and returns
// findings such as full table scans. Statements that are not plain reads,
// and drivers without a known plan format, yield no findings.
func (l *Layer) ExplainPlan(ctx context.Context, text string) ([]string, error) {
	if err := l.begin(); err != nil {
		return nil, err
	}
	defer l.inflight.Done()

	ctx, cancel := l.execContext(ctx, l.config.Query.Timeout)
	defer cancel()

	class := database.Route(optimization.KindSelect, l.supervisor)
	h, _, err := l.acquire(ctx, optimization.KindSelect, class)
	if err != nil {
		return nil, l.mapError(ctx, l.config.Query.Timeout, err)
	}
	defer h.Release()

	dialect := optimization.DialectOf(h.Driver())
	stmt, params, ok := optimization.ExplainStatement(dialect, text)
	if !ok {
		return nil, nil
	}
	res, err := h.Run(ctx, stmt, make([]any, params))
	if err != nil {
		return nil, fmt.Errorf("explain on %s: %w", h.Pool(), err)
	}
	return optimization.PlanFindings(dialect, res.Rows)
}
