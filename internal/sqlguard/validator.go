// Package sqlguard validates LLM-generated SQL before it reaches the data engine.
//
// Accepted statements are single SELECT queries whose table references all carry
// the configured schema prefix. YEAR()/MONTH() calls are rewritten into a cast-safe
// EXTRACT form because date columns are stored as free text.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// Error codes carried by ValidationError.
const (
	CodeEmpty              = "empty"
	CodeNotSelect          = "not_select"
	CodeForbiddenKeyword   = "forbidden_keyword"
	CodeMultipleStatements = "multiple_statements"
	CodeMissingPrefix      = "missing_prefix"
	CodeParse              = "parse"
)

// ValidationError describes why a statement was rejected. Msg is user-facing.
type ValidationError struct {
	Code string
	Msg  string
}

func (e *ValidationError) Error() string { return e.Msg }

var selectStart = regexp.MustCompile(`(?is)^\s*select\b`)

// forbiddenWords are rejected wherever they appear as bare words.
var forbiddenWords = map[string]struct{}{
	"insert": {}, "update": {}, "delete": {}, "drop": {},
	"alter": {}, "create": {}, "grant": {}, "revoke": {},
}

// Validator checks statements against a required schema prefix.
type Validator struct {
	prefix string
}

// New returns a Validator requiring every table to live in schema prefix.
func New(prefix string) *Validator {
	return &Validator{prefix: strings.TrimSuffix(strings.TrimSpace(prefix), ".")}
}

// Prefix returns the required schema name.
func (v *Validator) Prefix() string { return v.prefix }

// Validate extracts, rewrites and checks raw. The returned statement is ready to execute.
func (v *Validator) Validate(raw string) (string, error) {
	sql := RewriteDateFunctions(ExtractSQL(raw))
	if sql == "" {
		return "", &ValidationError{Code: CodeEmpty, Msg: "Requête SQL vide."}
	}
	if !selectStart.MatchString(sql) {
		return "", &ValidationError{Code: CodeNotSelect, Msg: "La requête SQL doit être un SELECT."}
	}

	tokens, err := lex(sql)
	if err != nil {
		return "", parseError(err)
	}
	for _, t := range tokens {
		if t.kind != tokWord {
			continue
		}
		if _, bad := forbiddenWords[strings.ToLower(t.text)]; bad {
			return "", &ValidationError{
				Code: CodeForbiddenKeyword,
				Msg:  fmt.Sprintf("Requête SQL refusée: mot-clé interdit '%s'.", strings.ToUpper(t.text)),
			}
		}
	}
	for _, t := range tokens {
		if t.punct(";") {
			return "", &ValidationError{
				Code: CodeMultipleStatements,
				Msg:  "Requête SQL refusée: une seule instruction est autorisée.",
			}
		}
	}

	if err := v.checkPrefix(tokens); err != nil {
		return "", err
	}
	return sql, nil
}

// CheckPrefix verifies only the schema-prefix rule on an already extracted statement.
func (v *Validator) CheckPrefix(sql string) error {
	tokens, err := lex(sql)
	if err != nil {
		return parseError(err)
	}
	return v.checkPrefix(tokens)
}

func (v *Validator) checkPrefix(tokens []token) error {
	refs, err := tableRefs(tokens)
	if err != nil {
		return parseError(err)
	}
	ctes := cteNames(tokens)

	var bad []string
	for _, parts := range refs {
		if len(parts) == 1 {
			if _, ok := ctes[strings.ToLower(parts[0])]; ok {
				continue
			}
		}
		if len(parts) == 2 && strings.EqualFold(parts[0], v.prefix) {
			continue
		}
		bad = append(bad, "'"+strings.Join(parts, ".")+"'")
	}
	if len(bad) > 0 {
		return &ValidationError{
			Code: CodeMissingPrefix,
			Msg: fmt.Sprintf("Requête SQL invalide: toutes les tables doivent être préfixées par '%s.' (trouvé: %s)",
				v.prefix, strings.Join(bad, ", ")),
		}
	}
	return nil
}

func parseError(err error) *ValidationError {
	return &ValidationError{Code: CodeParse, Msg: "SQL invalide (parse): " + err.Error()}
}

// ExtractSQL returns the content of the first fenced block of text (or text itself)
// without a language hint and without one trailing semicolon.
func ExtractSQL(text string) string {
	t := strings.TrimSpace(text)
	if parts := strings.Split(t, "```"); len(parts) >= 2 {
		code := parts[1]
		if strings.HasPrefix(strings.ToLower(code), "sql\n") {
			code = code[len("sql\n"):]
		}
		t = code
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), ";"))
}

// ExtractJSON returns the JSON payload of text, unwrapping the first fenced block if present.
func ExtractJSON(text string) string {
	blob := text
	if parts := strings.Split(blob, "```"); len(parts) >= 2 {
		blob = parts[1]
		if strings.HasPrefix(strings.ToLower(blob), "json\n") {
			blob = blob[len("json\n"):]
		}
	}
	return strings.TrimSpace(blob)
}

// RewriteDateFunctions turns YEAR(e) and MONTH(e) into EXTRACT over a guarded
// DATE cast. Input that does not lex is returned unchanged.
func RewriteDateFunctions(sql string) string {
	tokens, err := lex(sql)
	if err != nil {
		return sql
	}
	var b strings.Builder
	last := 0
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if !(t.is("year") || t.is("month")) || i+1 >= len(tokens) || !tokens[i+1].punct("(") {
			continue
		}
		if i > 0 && tokens[i-1].punct(".") {
			continue
		}
		closing := matchParen(tokens, i+1)
		if closing < 0 || closing == i+2 {
			continue
		}
		expr := RewriteDateFunctions(strings.TrimSpace(sql[tokens[i+1].end:tokens[closing].start]))
		b.WriteString(sql[last:t.start])
		fmt.Fprintf(&b,
			"EXTRACT(%s FROM CAST(CASE WHEN %s IS NULL OR %s IN ('None','') THEN NULL ELSE %s END AS DATE))",
			strings.ToUpper(t.text), expr, expr, expr)
		last = tokens[closing].end
		i = closing
	}
	if last == 0 {
		return sql
	}
	b.WriteString(sql[last:])
	return b.String()
}

// scope tracks one parenthesis level while walking a statement.
type scope struct {
	query       bool
	inFrom      bool
	expectTable bool
}

var (
	fromEnders = map[string]struct{}{
		"where": {}, "group": {}, "having": {}, "order": {}, "limit": {}, "offset": {},
		"union": {}, "intersect": {}, "except": {}, "window": {}, "qualify": {}, "fetch": {},
		"select": {}, "for": {},
	}
	nonTableStarters = map[string]struct{}{
		"select": {}, "lateral": {}, "unnest": {}, "values": {}, "table": {}, "cast": {},
	}
)

// tableRefs returns the qualified names referenced after FROM, JOIN or a FROM-list comma
// in query scopes. Function-call scopes such as EXTRACT(x FROM y) are ignored.
func tableRefs(tokens []token) ([][]string, error) {
	stack := []*scope{{query: true}}
	var refs [][]string

	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		top := stack[len(stack)-1]

		if t.punct("(") {
			next := i + 1 < len(tokens) && (tokens[i+1].is("select") || tokens[i+1].is("with"))
			switch {
			case next:
				stack = append(stack, &scope{query: true})
			case top.query && top.expectTable:
				stack = append(stack, &scope{query: true, inFrom: true, expectTable: true})
			default:
				stack = append(stack, &scope{})
			}
			top.expectTable = false
			continue
		}
		if t.punct(")") {
			if len(stack) == 1 {
				return nil, fmt.Errorf("parenthèse fermante inattendue")
			}
			stack = stack[:len(stack)-1]
			continue
		}
		if !top.query {
			continue
		}

		if top.expectTable {
			top.expectTable = false
			if t.kind == tokWord {
				if _, skip := nonTableStarters[strings.ToLower(t.text)]; skip {
					continue
				}
			}
			parts, next := qualifiedName(tokens, i)
			if len(parts) == 0 {
				continue
			}
			if next < len(tokens) && tokens[next].punct("(") {
				// table-valued function
				i = next - 1
				continue
			}
			refs = append(refs, parts)
			i = next - 1
			continue
		}

		switch {
		case t.is("from"), t.is("join"):
			top.inFrom = true
			top.expectTable = true
		case t.punct(",") && top.inFrom:
			top.expectTable = true
		case t.kind == tokWord:
			if _, end := fromEnders[strings.ToLower(t.text)]; end {
				top.inFrom = false
			}
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("parenthèse non fermée")
	}
	return refs, nil
}

// CTENames returns the lower-cased names defined by every WITH clause of sql.
func CTENames(sql string) []string {
	tokens, err := lex(sql)
	if err != nil {
		return nil
	}
	set := cteNames(tokens)
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

func cteNames(tokens []token) map[string]struct{} {
	names := make(map[string]struct{})
	for i := range tokens {
		if !tokens[i].is("with") {
			continue
		}
		j := i + 1
		if j < len(tokens) && tokens[j].is("recursive") {
			j++
		}
		for j < len(tokens) {
			name, ok := tokens[j].ident()
			if !ok || tokens[j].is("rollup") {
				break
			}
			j++
			if j < len(tokens) && tokens[j].punct("(") {
				end := matchParen(tokens, j)
				if end < 0 {
					break
				}
				j = end + 1
			}
			if j >= len(tokens) || !tokens[j].is("as") {
				break
			}
			j++
			if j+1 < len(tokens) && tokens[j].is("not") && tokens[j+1].is("materialized") {
				j += 2
			} else if j < len(tokens) && tokens[j].is("materialized") {
				j++
			}
			if j >= len(tokens) || !tokens[j].punct("(") {
				break
			}
			names[strings.ToLower(name)] = struct{}{}
			end := matchParen(tokens, j)
			if end < 0 {
				break
			}
			j = end + 1
			if j < len(tokens) && tokens[j].punct(",") {
				j++
				continue
			}
			break
		}
	}
	return names
}
