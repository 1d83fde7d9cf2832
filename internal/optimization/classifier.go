// Package optimization classifies, fingerprints and rewrites SQL statements
// before they reach a connection pool.
package optimization

import (
	"fmt"
	"strings"
)

// QueryKind is the closed set of statement kinds the access layer routes on.
type QueryKind uint8

const (
	KindUnknown QueryKind = iota
	KindSelect
	KindInsert
	KindUpdate
	KindDelete
	KindAggregate
)

func (k QueryKind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	case KindAggregate:
		return "AGGREGATE"
	default:
		return "UNKNOWN"
	}
}

// IsRead reports whether statements of this kind leave data unchanged.
func (k QueryKind) IsRead() bool {
	return k == KindSelect || k == KindAggregate
}

// ParseQueryKind parses the String form of a kind, case-insensitively.
func ParseQueryKind(s string) (QueryKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SELECT":
		return KindSelect, nil
	case "INSERT":
		return KindInsert, nil
	case "UPDATE":
		return KindUpdate, nil
	case "DELETE":
		return KindDelete, nil
	case "AGGREGATE":
		return KindAggregate, nil
	}
	return KindUnknown, fmt.Errorf("unknown query kind %q", s)
}

var readVerbs = map[string]bool{
	"SELECT": true, "WITH": true, "VALUES": true, "SHOW": true,
	"EXPLAIN": true, "PRAGMA": true, "TABLE": true, "DESCRIBE": true,
}

var verbKinds = map[string]QueryKind{
	"INSERT":   KindInsert,
	"REPLACE":  KindInsert,
	"UPSERT":   KindInsert,
	"MERGE":    KindInsert,
	"COPY":     KindInsert,
	"UPDATE":   KindUpdate,
	"DELETE":   KindDelete,
	"TRUNCATE": KindDelete,
}

var aggregateFuncs = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
	"STDDEV": true, "STDDEV_POP": true, "STDDEV_SAMP": true,
	"VARIANCE": true, "VAR_POP": true, "VAR_SAMP": true,
	"ARRAY_AGG": true, "STRING_AGG": true, "GROUP_CONCAT": true,
	"JSON_AGG": true, "JSONB_AGG": true, "BOOL_AND": true, "BOOL_OR": true,
	"EVERY": true, "PERCENTILE_CONT": true, "PERCENTILE_DISC": true,
	"MEDIAN": true, "TOTAL": true,
}

// Classify maps statement text to a QueryKind. It never fails: statements
// whose verb is not a known read or data-modifying verb (DDL, session
// commands) are classified as KindUpdate so they are routed to the primary
// and never cached. Locking reads (SELECT ... FOR UPDATE) are KindUpdate
// for the same reason.
func Classify(text string) QueryKind {
	return classifyScan(scan(text))
}

func classifyScan(res scanResult) QueryKind {
	first := res.firstWord()
	if first < 0 {
		return KindUpdate
	}
	verb := res.tokens[first].upper

	if kind, ok := verbKinds[verb]; ok {
		return kind
	}
	if !readVerbs[verb] {
		return KindUpdate
	}

	if verb == "WITH" {
		if kind := writingVerb(res, first+1); kind != KindUnknown {
			return kind
		}
	}
	if hasLockingClause(res) {
		return KindUpdate
	}
	if verb == "SELECT" || verb == "WITH" {
		if hasAggregate(res) {
			return KindAggregate
		}
	}
	return KindSelect
}

// writingVerb finds a data-modifying verb anywhere after a WITH clause.
func writingVerb(res scanResult, from int) QueryKind {
	for i := from; i < len(res.tokens); i++ {
		t := res.tokens[i]
		if t.kind != tokWord {
			continue
		}
		kind, ok := verbKinds[t.upper]
		if !ok {
			continue
		}
		if t.upper == "UPDATE" {
			// FOR UPDATE, FOR NO KEY UPDATE, DO UPDATE
			if p, ok := res.prev(i); ok && (p.upper == "FOR" || p.upper == "KEY" || p.upper == "DO") {
				continue
			}
		}
		if t.upper == "REPLACE" {
			// replace() string function
			if n, ok := res.next(i); ok && n.text == "(" {
				continue
			}
		}
		return kind
	}
	return KindUnknown
}

func hasLockingClause(res scanResult) bool {
	for i, t := range res.tokens {
		if t.kind != tokWord || t.upper != "FOR" {
			continue
		}
		n, ok := res.next(i)
		if !ok || n.kind != tokWord {
			continue
		}
		switch n.upper {
		case "UPDATE", "SHARE", "NO", "KEY":
			return true
		}
	}
	return false
}

func hasAggregate(res scanResult) bool {
	for i, t := range res.tokens {
		if t.kind != tokWord {
			continue
		}
		switch {
		case aggregateFuncs[t.upper]:
			if n, ok := res.next(i); ok && n.text == "(" {
				return true
			}
		case t.upper == "GROUP":
			if res.isWordAt(i+1, "BY") {
				return true
			}
		case t.upper == "HAVING", t.upper == "OVER", t.upper == "WINDOW":
			return true
		}
	}
	return false
}

// ReturnsRows reports whether a statement produces a row set and should be
// run with a query rather than an exec call.
func ReturnsRows(text string) bool {
	res := scan(text)
	first := res.firstWord()
	if first < 0 {
		return false
	}
	if readVerbs[res.tokens[first].upper] {
		return true
	}
	for _, t := range res.tokens {
		if t.kind == tokWord && t.upper == "RETURNING" {
			return true
		}
	}
	return false
}
