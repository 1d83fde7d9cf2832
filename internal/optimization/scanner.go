package optimization

import "strings"

type tokenKind uint8

const (
	tokWord tokenKind = iota
	tokString
	tokQuotedIdent
	tokPunct
)

// token is one lexical unit of a statement. Words carry their upper-cased
// form; literals and quoted identifiers are kept verbatim.
type token struct {
	kind  tokenKind
	text  string
	upper string
	depth int
}

type scanResult struct {
	tokens []token
	// endsInLineComment is set when the statement text ends inside a
	// "--" comment, so anything appended must start on a new line.
	endsInLineComment bool
	// unterminated is set when the text ends inside a block comment,
	// string literal or quoted identifier.
	unterminated bool
	// unbalanced is set when parentheses do not pair up, so no token can
	// be trusted to sit at the top level.
	unbalanced bool
}

// scan tokenizes SQL text without understanding its grammar. Comments are
// dropped, literals are never split and parenthesis depth is tracked per
// token so callers can reason about the top level of a statement.
func scan(s string) scanResult {
	var res scanResult
	depth := 0
	i := 0

	for i < len(s) {
		c := s[i]
		switch {
		case isSpace(c):
			i++

		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			j := strings.IndexByte(s[i:], '\n')
			if j < 0 {
				res.endsInLineComment = true
				i = len(s)
			} else {
				i += j + 1
			}

		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			j := strings.Index(s[i+2:], "*/")
			if j < 0 {
				res.unterminated = true
				i = len(s)
			} else {
				i += j + 4
			}

		case c == '\'':
			end, ok := scanQuoted(s, i, '\'')
			res.unterminated = res.unterminated || !ok
			res.tokens = append(res.tokens, token{kind: tokString, text: s[i:end], depth: depth})
			i = end

		case c == '"' || c == '`':
			end, ok := scanQuoted(s, i, c)
			res.unterminated = res.unterminated || !ok
			res.tokens = append(res.tokens, token{kind: tokQuotedIdent, text: s[i:end], depth: depth})
			i = end

		case c == '$':
			if end, ok, isQuote := scanDollar(s, i); isQuote {
				res.unterminated = res.unterminated || !ok
				res.tokens = append(res.tokens, token{kind: tokString, text: s[i:end], depth: depth})
				i = end
				continue
			}
			// positional parameter such as $1
			j := i + 1
			for j < len(s) && isDigit(s[j]) {
				j++
			}
			res.tokens = append(res.tokens, token{kind: tokWord, text: s[i:j], upper: s[i:j], depth: depth})
			i = j

		case isWordChar(c):
			j := i
			for j < len(s) && isWordChar(s[j]) {
				j++
			}
			w := s[i:j]
			res.tokens = append(res.tokens, token{kind: tokWord, text: w, upper: strings.ToUpper(w), depth: depth})
			i = j

		case c == '(':
			res.tokens = append(res.tokens, token{kind: tokPunct, text: "(", depth: depth})
			depth++
			i++

		case c == ')':
			if depth > 0 {
				depth--
			} else {
				res.unbalanced = true
			}
			res.tokens = append(res.tokens, token{kind: tokPunct, text: ")", depth: depth})
			i++

		default:
			res.tokens = append(res.tokens, token{kind: tokPunct, text: s[i : i+1], depth: depth})
			i++
		}
	}
	if depth > 0 {
		res.unbalanced = true
	}

	return res
}

// scanQuoted returns the index just past the closing quote. A doubled
// quote character is an escaped quote.
func scanQuoted(s string, start int, q byte) (int, bool) {
	i := start + 1
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1, true
		}
		i++
	}
	return len(s), false
}

// scanDollar handles PostgreSQL dollar quoting ($$...$$, $tag$...$tag$).
func scanDollar(s string, start int) (end int, ok bool, isQuote bool) {
	j := start + 1
	for j < len(s) && (isWordChar(s[j]) && s[j] < 0x80) {
		j++
	}
	if j >= len(s) || s[j] != '$' {
		return 0, false, false
	}
	tag := s[start : j+1]
	if len(tag) > 2 && isDigit(tag[1]) {
		return 0, false, false
	}
	closing := strings.Index(s[j+1:], tag)
	if closing < 0 {
		return len(s), false, true
	}
	return j + 1 + closing + len(tag), true, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordChar(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c >= 0x80
}

// firstWord returns the index of the first word token, or -1.
func (r scanResult) firstWord() int {
	for i, t := range r.tokens {
		if t.kind == tokWord {
			return i
		}
	}
	return -1
}

func (r scanResult) next(i int) (token, bool) {
	if i+1 < len(r.tokens) {
		return r.tokens[i+1], true
	}
	return token{}, false
}

func (r scanResult) prev(i int) (token, bool) {
	if i > 0 {
		return r.tokens[i-1], true
	}
	return token{}, false
}

// isWordAt reports whether token i is the given upper-cased keyword.
func (r scanResult) isWordAt(i int, kw string) bool {
	return i >= 0 && i < len(r.tokens) && r.tokens[i].kind == tokWord && r.tokens[i].upper == kw
}

// Normalize returns the structural form of a statement: comments removed,
// whitespace collapsed, unquoted words upper-cased, literals untouched.
func Normalize(text string) string {
	res := scan(text)
	var b strings.Builder
	b.Grow(len(text))
	for i, t := range res.tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		if t.kind == tokWord {
			b.WriteString(t.upper)
		} else {
			b.WriteString(t.text)
		}
	}
	return b.String()
}
