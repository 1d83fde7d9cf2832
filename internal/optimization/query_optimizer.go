package optimization

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const optimizerShards = 16

// OptimizerConfig contains optimizer configuration
type OptimizerConfig struct {
	// DefaultLimit bounds reads that carry neither LIMIT nor ORDER BY.
	DefaultLimit int `mapstructure:"default_limit" yaml:"default_limit"`
	// MemoSize caps the number of memoized rewrites.
	MemoSize int `mapstructure:"memo_size" yaml:"memo_size"`
}

// DefaultOptimizerConfig returns the default optimizer configuration.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		DefaultLimit: 1000,
		MemoSize:     4096,
	}
}

// ParsedQuery is the scanned form of a statement handed to rules.
type ParsedQuery struct {
	Original string
	Kind     QueryKind
	scan     scanResult
}

// OptimizationRule rewrites statements it applies to. Rules must be
// idempotent: a rewritten statement must not match the rule again.
type OptimizationRule interface {
	Name() string
	Applies(q *ParsedQuery) bool
	Rewrite(q *ParsedQuery) string
}

// QueryOptimizer applies memoized rewrites to read statements.
type QueryOptimizer struct {
	logger *zap.Logger
	config OptimizerConfig
	rules  []OptimizationRule

	shards [optimizerShards]memoShard

	hits     atomic.Uint64
	misses   atomic.Uint64
	rewrites atomic.Uint64
}

type memoShard struct {
	mu    sync.RWMutex
	rules map[uint64]string
}

// OptimizerStats reports memo effectiveness.
type OptimizerStats struct {
	MemoHits   uint64 `json:"memo_hits"`
	MemoMisses uint64 `json:"memo_misses"`
	Rewrites   uint64 `json:"rewrites"`
	Memoized   int    `json:"memoized"`
}

// NewQueryOptimizer creates a new query optimizer
func NewQueryOptimizer(logger *zap.Logger, config OptimizerConfig) *QueryOptimizer {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = DefaultOptimizerConfig().DefaultLimit
	}
	if config.MemoSize <= 0 {
		config.MemoSize = DefaultOptimizerConfig().MemoSize
	}

	qo := &QueryOptimizer{
		logger: logger,
		config: config,
		rules: []OptimizationRule{
			&boundReadRule{limit: config.DefaultLimit},
		},
	}
	for i := range qo.shards {
		qo.shards[i].rules = make(map[uint64]string)
	}
	return qo
}

// Optimize returns the statement to execute for text. Only plain reads are
// rewritten; every other kind is returned untouched.
func (qo *QueryOptimizer) Optimize(text string, kind QueryKind) string {
	if kind != KindSelect {
		return text
	}

	key := xxhash.Sum64String(text)
	shard := &qo.shards[key%optimizerShards]

	shard.mu.RLock()
	rewritten, ok := shard.rules[key]
	shard.mu.RUnlock()
	if ok {
		qo.hits.Add(1)
		return rewritten
	}
	qo.misses.Add(1)

	rewritten = qo.rewrite(text, kind)

	perShard := qo.config.MemoSize / optimizerShards
	if perShard < 1 {
		perShard = 1
	}
	shard.mu.Lock()
	if len(shard.rules) >= perShard {
		// memo shards are reset wholesale; rebuilding an entry costs one scan
		shard.rules = make(map[uint64]string, perShard)
	}
	shard.rules[key] = rewritten
	shard.mu.Unlock()

	return rewritten
}

func (qo *QueryOptimizer) rewrite(text string, kind QueryKind) string {
	parsed := &ParsedQuery{Original: text, Kind: kind, scan: scan(text)}
	for _, rule := range qo.rules {
		if !rule.Applies(parsed) {
			continue
		}
		out := rule.Rewrite(parsed)
		qo.rewrites.Add(1)
		qo.logger.Debug("Statement rewritten",
			zap.String("rule", rule.Name()),
			zap.String("statement", out),
		)
		parsed = &ParsedQuery{Original: out, Kind: kind, scan: scan(out)}
	}
	return parsed.Original
}

// Stats returns memo counters.
func (qo *QueryOptimizer) Stats() OptimizerStats {
	st := OptimizerStats{
		MemoHits:   qo.hits.Load(),
		MemoMisses: qo.misses.Load(),
		Rewrites:   qo.rewrites.Load(),
	}
	for i := range qo.shards {
		qo.shards[i].mu.RLock()
		st.Memoized += len(qo.shards[i].rules)
		qo.shards[i].mu.RUnlock()
	}
	return st
}

// boundReadRule appends "ORDER BY 1 LIMIT n" to reads that have neither an
// explicit bound nor an explicit ordering.
type boundReadRule struct {
	limit int
}

func (r *boundReadRule) Name() string { return "default_bound" }

func (r *boundReadRule) Applies(q *ParsedQuery) bool {
	s := q.scan
	if s.unterminated || s.unbalanced {
		return false
	}
	first := s.firstWord()
	if first < 0 {
		return false
	}
	if v := s.tokens[first].upper; v != "SELECT" && v != "WITH" {
		return false
	}
	if s.isWordAt(first+1, "TOP") {
		return false
	}

	for i, t := range s.tokens {
		if t.kind == tokPunct && t.text == ";" {
			// only a single trailing terminator can be stripped safely
			last := i == len(s.tokens)-1
			if !last || !strings.HasSuffix(strings.TrimRightFunc(q.Original, unicode.IsSpace), ";") {
				return false
			}
		}
		if t.depth != 0 || t.kind != tokWord {
			continue
		}
		switch t.upper {
		case "LIMIT", "FETCH", "OFFSET", "INTO":
			return false
		case "ORDER":
			if s.isWordAt(i+1, "BY") {
				return false
			}
		case "FOR":
			return false
		}
	}
	return true
}

func (r *boundReadRule) Rewrite(q *ParsedQuery) string {
	base := strings.TrimRightFunc(q.Original, func(c rune) bool {
		return unicode.IsSpace(c) || c == ';'
	})
	sep := " "
	if q.scan.endsInLineComment {
		sep = "\n"
	}
	return base + sep + "ORDER BY 1 LIMIT " + strconv.Itoa(r.limit)
}
