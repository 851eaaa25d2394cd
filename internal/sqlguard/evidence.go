package sqlguard

import (
	"fmt"
	"strings"
)

// fromTail lists the clauses that end the FROM/WHERE section of a SELECT.
var fromTail = map[string]struct{}{
	"group": {}, "having": {}, "order": {}, "limit": {}, "offset": {},
	"window": {}, "qualify": {}, "fetch": {}, "for": {},
}

// DeriveEvidence builds a "SELECT * ... LIMIT n" statement reusing the CTEs,
// FROM (joins included) and WHERE of sql. A main query that already selects *
// is kept as is, gaining a LIMIT when it has none. It returns false when no
// row-level variant can be derived: set operations, statements without FROM,
// or input that does not lex.
func DeriveEvidence(sql string, limit int) (string, bool) {
	s := strings.TrimSpace(sql)
	if s == "" {
		return "", false
	}
	tokens, err := lex(s)
	if err != nil || len(tokens) == 0 {
		return "", false
	}

	mainSelect, from, end := -1, -1, len(tokens)
	hasLimit := false
	depth := 0
	for i, t := range tokens {
		switch {
		case t.punct("("):
			depth++
			continue
		case t.punct(")"):
			depth--
			continue
		}
		if depth != 0 || t.kind != tokWord {
			continue
		}
		word := strings.ToLower(t.text)
		switch word {
		case "union", "intersect", "except":
			return "", false
		case "insert", "update", "delete", "drop", "alter", "create", "grant", "revoke", "replace", "merge":
			return "", false
		}
		switch {
		case word == "select" && mainSelect < 0:
			mainSelect = i
		case word == "from" && mainSelect >= 0 && from < 0:
			from = i
		case from >= 0:
			if word == "limit" {
				hasLimit = true
			}
			if _, stop := fromTail[word]; stop && end == len(tokens) {
				end = i
			}
		}
	}
	if mainSelect < 0 || from < 0 {
		return "", false
	}

	if from == mainSelect+2 && tokens[mainSelect+1].punct("*") {
		if hasLimit {
			return s, true
		}
		return fmt.Sprintf("%s LIMIT %d", s, limit), true
	}

	head := s[:tokens[mainSelect].start]
	body := s[tokens[from].start:]
	if end < len(tokens) {
		body = s[tokens[from].start:tokens[end].start]
	}
	return fmt.Sprintf("%sSELECT * %s LIMIT %d", head, strings.TrimSpace(body), limit), true
}
