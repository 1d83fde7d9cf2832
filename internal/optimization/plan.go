package optimization

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PlanDialect selects how a statement's execution plan is requested and
// read back.
type PlanDialect uint8

const (
	PlanUnsupported PlanDialect = iota
	PlanSQLite
	PlanPostgres
)

// DialectOf maps a database/sql driver name to its plan dialect. Wrapped
// drivers registered under a derived name ("sqlite3_custom") are matched
// by substring.
func DialectOf(driver string) PlanDialect {
	d := strings.ToLower(driver)
	switch {
	case strings.Contains(d, "sqlite"):
		return PlanSQLite
	case strings.Contains(d, "postgres"), d == "pq", strings.Contains(d, "pgx"):
		return PlanPostgres
	}
	return PlanUnsupported
}

// ExplainStatement wraps text in the dialect's EXPLAIN form. Only plain
// reads are explained; ok is false otherwise. params is the number of bind
// parameters the statement expects. Postgres plans them generically since
// bound values are not kept; sqlite binds NULL to each.
func ExplainStatement(d PlanDialect, text string) (stmt string, params int, ok bool) {
	s := scan(text)
	if s.unterminated || s.unbalanced {
		return "", 0, false
	}
	first := s.firstWord()
	if !s.isWordAt(first, "SELECT") && !s.isWordAt(first, "WITH") {
		return "", 0, false
	}
	if !Classify(text).IsRead() {
		return "", 0, false
	}
	body := strings.TrimRight(strings.TrimSpace(text), "; \t\n")
	params = countParams(s)

	switch d {
	case PlanSQLite:
		return "EXPLAIN QUERY PLAN " + body, params, true
	case PlanPostgres:
		if params > 0 {
			return "EXPLAIN (GENERIC_PLAN, FORMAT JSON) " + body, 0, true
		}
		return "EXPLAIN (FORMAT JSON) " + body, 0, true
	}
	return "", 0, false
}

// PlanFindings reads the rows an ExplainStatement returned.
func PlanFindings(d PlanDialect, rows [][]any) ([]string, error) {
	switch d {
	case PlanSQLite:
		return SQLitePlanFindings(rows), nil
	case PlanPostgres:
		if len(rows) == 0 || len(rows[0]) == 0 {
			return nil, errors.New("empty plan")
		}
		return PostgresPlanFindings([]byte(cellString(rows[0][0])))
	}
	return nil, fmt.Errorf("plan dialect %d not supported", d)
}

// countParams counts "?" placeholders plus the highest "$N".
func countParams(s scanResult) int {
	qmarks, highest := 0, 0
	for _, t := range s.tokens {
		switch {
		case t.kind == tokPunct && t.text == "?":
			qmarks++
		case t.kind == tokWord && len(t.text) > 1 && t.text[0] == '$':
			if n, err := strconv.Atoi(t.text[1:]); err == nil && n > highest {
				highest = n
			}
		}
	}
	return qmarks + highest
}

// SQLitePlanFindings reads EXPLAIN QUERY PLAN rows (id, parent, notused,
// detail) and reports full table scans and sorts that need a temporary
// b-tree.
func SQLitePlanFindings(rows [][]any) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}

	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		detail := cellString(row[len(row)-1])
		upper := strings.ToUpper(detail)
		switch {
		case strings.HasPrefix(upper, "SCAN ") && !strings.Contains(upper, " INDEX"):
			if strings.HasPrefix(upper, "SCAN CONSTANT ROW") || strings.HasPrefix(upper, "SCAN SUBQUERY") {
				continue
			}
			// older releases print "SCAN TABLE t"
			fields := strings.Fields(detail)
			table := fields[1]
			if strings.EqualFold(table, "TABLE") && len(fields) > 2 {
				table = fields[2]
			}
			add(fmt.Sprintf("plan: full scan of %s; index the filtered columns", table))
		case strings.HasPrefix(upper, "USE TEMP B-TREE FOR "):
			add(fmt.Sprintf("plan: temporary sort for %s; an index in that order avoids it",
				strings.TrimPrefix(upper, "USE TEMP B-TREE FOR ")))
		}
	}
	return out
}

// HighPlanCost is the planner cost above which a postgres plan is reported
// as expensive.
const HighPlanCost = 1000

type pgPlanNode struct {
	NodeType     string       `json:"Node Type"`
	RelationName string       `json:"Relation Name"`
	SortKey      []string     `json:"Sort Key"`
	TotalCost    float64      `json:"Total Cost"`
	Plans        []pgPlanNode `json:"Plans"`
}

// PostgresPlanFindings reads the document returned by EXPLAIN (FORMAT
// JSON) and reports sequential scans, explicit sorts and a root cost above
// HighPlanCost.
func PostgresPlanFindings(doc []byte) ([]string, error) {
	var plans []struct {
		Plan pgPlanNode `json:"Plan"`
	}
	if err := json.Unmarshal(doc, &plans); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}

	var out []string
	seen := make(map[string]bool)
	var walk func(n pgPlanNode)
	walk = func(n pgPlanNode) {
		var f string
		switch n.NodeType {
		case "Seq Scan":
			f = fmt.Sprintf("plan: sequential scan of %s; index the filtered columns", n.RelationName)
		case "Sort":
			f = fmt.Sprintf("plan: explicit sort on %s; an index in that order avoids it", strings.Join(n.SortKey, ", "))
		}
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
		for _, c := range n.Plans {
			walk(c)
		}
	}
	for _, p := range plans {
		walk(p.Plan)
		if p.Plan.TotalCost > HighPlanCost {
			out = append(out, fmt.Sprintf("plan: estimated cost %.0f is above %d; consider rewriting the statement", p.Plan.TotalCost, HighPlanCost))
		}
	}
	return out, nil
}

func cellString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
