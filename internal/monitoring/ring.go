package monitoring

import (
	"slices"

	"gonum.org/v1/gonum/stat"
)

// ring keeps the last cap(buf) observations. It is not synchronized; the
// owner holds the lock.
type ring struct {
	buf  []float64
	next int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]float64, 0, size)}
}

func (r *ring) push(v float64) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, v)
		return
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
}

func (r *ring) len() int { return len(r.buf) }

// sorted returns a sorted copy of the window.
func (r *ring) sorted() []float64 {
	out := slices.Clone(r.buf)
	slices.Sort(out)
	return out
}

func (r *ring) mean() float64 {
	if len(r.buf) == 0 {
		return 0
	}
	return stat.Mean(r.buf, nil)
}

// quantiles are read from an ascending sample.
type quantiles struct {
	p50, p90, p95, p99 float64
}

func quantilesOf(sorted []float64) quantiles {
	if len(sorted) == 0 {
		return quantiles{}
	}
	q := func(p float64) float64 { return stat.Quantile(p, stat.Empirical, sorted, nil) }
	return quantiles{p50: q(0.50), p90: q(0.90), p95: q(0.95), p99: q(0.99)}
}
