package optimization

// Suggest returns tuning hints for a slow statement. The checks are purely
// lexical and meant for operators reading slow-query reports.
func Suggest(text string) []string {
	s := scan(text)
	var out []string

	first := s.firstWord()
	if first < 0 {
		return nil
	}
	isRead := readVerbs[s.tokens[first].upper]

	hasFrom, hasWhere := false, false
	whereAt := -1
	for i, t := range s.tokens {
		if t.kind != tokWord {
			continue
		}
		switch t.upper {
		case "FROM":
			if t.depth == 0 {
				hasFrom = true
			}
		case "WHERE":
			if t.depth == 0 {
				hasWhere = true
				if whereAt < 0 {
					whereAt = i
				}
			}
		}
	}

	if s.isWordAt(first, "SELECT") {
		if n, ok := s.next(first); ok && n.text == "*" {
			out = append(out, "avoid SELECT *; list only the columns the caller needs")
		}
	}
	if isRead && hasFrom && !hasWhere {
		out = append(out, "no WHERE clause; the statement scans the whole table")
	}
	if s.tokens[first].upper == "UPDATE" || s.tokens[first].upper == "DELETE" {
		if !hasWhere {
			out = append(out, "write without WHERE clause affects every row")
		}
	}

	if whereAt >= 0 {
		var orSeen, funcSeen, wildcardSeen bool
		for i := whereAt + 1; i < len(s.tokens); i++ {
			t := s.tokens[i]
			switch {
			case t.kind == tokWord && t.upper == "OR" && !orSeen:
				orSeen = true
				out = append(out, "OR in filter may prevent index use; consider IN or UNION")
			case t.kind == tokWord && !funcSeen && !sqlKeyword[t.upper]:
				if n, ok := s.next(i); ok && n.text == "(" {
					funcSeen = true
					out = append(out, "function call in filter may prevent index use")
				}
			case t.kind == tokWord && t.upper == "LIKE" && !wildcardSeen:
				if n, ok := s.next(i); ok && n.kind == tokString && len(n.text) > 1 && n.text[1] == '%' {
					wildcardSeen = true
					out = append(out, "leading wildcard in LIKE cannot use a b-tree index")
				}
			}
		}
	}

	return out
}

var sqlKeyword = map[string]bool{
	"IN": true, "EXISTS": true, "ANY": true, "ALL": true, "SOME": true,
	"AND": true, "OR": true, "NOT": true, "SELECT": true, "VALUES": true,
	"LIKE": true, "BETWEEN": true, "IS": true, "ON": true, "USING": true,
}
