package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuoted
	tokString
	tokNumber
	tokPunct
)

// token is a lexical unit of a SQL statement. Comments and whitespace are dropped.
type token struct {
	kind  tokenKind
	text  string
	start int
	end   int
}

func (t token) is(word string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, word)
}

func (t token) punct(p string) bool {
	return t.kind == tokPunct && t.text == p
}

// ident returns the identifier value of a bare or quoted name.
func (t token) ident() (string, bool) {
	switch t.kind {
	case tokWord:
		return t.text, true
	case tokQuoted:
		return t.text[1 : len(t.text)-1], true
	}
	return "", false
}

// lex splits sql into tokens. It understands MySQL and ANSI quoting,
// line comments (-- and #) and block comments.
func lex(sql string) ([]token, error) {
	var tokens []token
	r := []rune(sql)
	offsets := make([]int, len(r)+1)
	pos := 0
	for i, ch := range r {
		offsets[i] = pos
		pos += len(string(ch))
	}
	offsets[len(r)] = pos

	emit := func(kind tokenKind, from, to int) {
		tokens = append(tokens, token{
			kind:  kind,
			text:  string(r[from:to]),
			start: offsets[from],
			end:   offsets[to],
		})
	}

	i := 0
	for i < len(r) {
		ch := r[i]
		switch {
		case unicode.IsSpace(ch):
			i++

		case ch == '-' && i+1 < len(r) && r[i+1] == '-', ch == '#':
			for i < len(r) && r[i] != '\n' {
				i++
			}

		case ch == '/' && i+1 < len(r) && r[i+1] == '*':
			end := indexRunes(r, i+2, "*/")
			if end < 0 {
				return nil, fmt.Errorf("commentaire non terminé à la position %d", offsets[i])
			}
			i = end + 2

		case ch == '\'':
			end, err := scanQuoted(r, i, '\'')
			if err != nil {
				return nil, fmt.Errorf("chaîne non terminée à la position %d", offsets[i])
			}
			emit(tokString, i, end)
			i = end

		case ch == '"' || ch == '`':
			end, err := scanQuoted(r, i, ch)
			if err != nil {
				return nil, fmt.Errorf("identifiant non terminé à la position %d", offsets[i])
			}
			emit(tokQuoted, i, end)
			i = end

		case unicode.IsDigit(ch):
			start := i
			for i < len(r) && (unicode.IsDigit(r[i]) || r[i] == '.' || r[i] == 'e' || r[i] == 'E') {
				i++
			}
			emit(tokNumber, start, i)

		case ch == '_' || unicode.IsLetter(ch):
			start := i
			for i < len(r) && (r[i] == '_' || r[i] == '$' || unicode.IsLetter(r[i]) || unicode.IsDigit(r[i])) {
				i++
			}
			emit(tokWord, start, i)

		default:
			emit(tokPunct, i, i+1)
			i++
		}
	}
	return tokens, nil
}

// scanQuoted returns the index just past the closing quote. Doubled quotes
// and backslash escapes inside single-quoted strings are honored.
func scanQuoted(r []rune, start int, quote rune) (int, error) {
	i := start + 1
	for i < len(r) {
		switch {
		case quote == '\'' && r[i] == '\\':
			i += 2
			continue
		case r[i] == quote:
			if i+1 < len(r) && r[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("unterminated %q", quote)
}

func indexRunes(r []rune, from int, needle string) int {
	idx := strings.Index(string(r[from:]), needle)
	if idx < 0 {
		return -1
	}
	return from + len([]rune(string(r[from:])[:idx]))
}

// matchParen returns the index of the ')' closing the '(' at open, or -1.
func matchParen(tokens []token, open int) int {
	depth := 0
	for i := open; i < len(tokens); i++ {
		switch {
		case tokens[i].punct("("):
			depth++
		case tokens[i].punct(")"):
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// qualifiedName reads name ('.' name)* starting at i and returns its parts
// and the index of the first token after it.
func qualifiedName(tokens []token, i int) ([]string, int) {
	var parts []string
	for i < len(tokens) {
		part, ok := tokens[i].ident()
		if !ok {
			break
		}
		parts = append(parts, part)
		i++
		if i+1 < len(tokens) && tokens[i].punct(".") {
			i++
			continue
		}
		break
	}
	return parts, i
}
