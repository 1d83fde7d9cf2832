package engine

import (
	"context"

	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"golang.org/x/sync/errgroup"
)

// BatchResult is the outcome of one statement of a batch.
type BatchResult struct {
	Index  int              `json:"index"`
	Result *database.Result `json:"result,omitempty"`
	Err    error            `json:"-"`
}

// ExecuteBatch runs independent statements. Reads run concurrently, at
// most Query.BatchConcurrency at a time; writes run one after another in
// their original order. Each statement succeeds or fails on its own and
// results are returned in input order.
func (l *Layer) ExecuteBatch(ctx context.Context, stmts []database.Statement, opts ...QueryOption) []BatchResult {
	results := make([]BatchResult, len(stmts))

	var g errgroup.Group
	g.SetLimit(l.config.Query.BatchConcurrency)

	var writes []int
	for i, st := range stmts {
		results[i].Index = i
		kind := optimization.Classify(st.Text)
		if !kind.IsRead() {
			writes = append(writes, i)
			continue
		}
		i, st := i, st
		readOpts := append(append([]QueryOption(nil), opts...), WithKind(kind))
		g.Go(func() error {
			res, err := l.ExecuteQuery(ctx, st.Text, st.Args, readOpts...)
			results[i].Result, results[i].Err = res, err
			return nil
		})
	}

	for _, i := range writes {
		st := stmts[i]
		res, err := l.ExecuteQuery(ctx, st.Text, st.Args, opts...)
		results[i].Result, results[i].Err = res, err
	}

	_ = g.Wait()
	return results
}
