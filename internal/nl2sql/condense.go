package nl2sql

import (
	"fmt"

	"github.com/jkaninda/insight/internal/domain"
)

// CondensedEvidence is the prompt-safe form of one evidence item.
type CondensedEvidence struct {
	Purpose  string   `json:"purpose"`
	SQL      string   `json:"sql"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

// CondenseLimits bounds the size of condensed evidence.
type CondenseLimits struct {
	MaxItems     int
	RowsPerItem  int
	MaxColumns   int
	CellMaxChars int
}

// Condense keeps the first MaxItems items, the first MaxColumns columns and
// RowsPerItem rows of each, truncating long purposes, statements and cells.
// RowCount always reports the original number of rows.
func Condense(evidence []domain.Evidence, lim CondenseLimits) []CondensedEvidence {
	if len(evidence) == 0 {
		return []CondensedEvidence{}
	}
	items := evidence[:min(len(evidence), max(1, lim.MaxItems))]
	out := make([]CondensedEvidence, 0, len(items))
	for _, e := range items {
		cols := e.Columns
		if lim.MaxColumns >= 0 && len(cols) > lim.MaxColumns {
			cols = cols[:lim.MaxColumns]
		}
		cols = append([]string(nil), cols...)
		if cols == nil {
			cols = []string{}
		}

		rows := [][]any{}
		if len(e.Rows) > 0 && len(cols) > 0 {
			for _, row := range e.Rows[:min(len(e.Rows), max(1, lim.RowsPerItem))] {
				vals := row[:min(len(row), len(cols))]
				trimmed := make([]any, len(vals))
				for i, v := range vals {
					trimmed[i] = truncateCell(v, lim.CellMaxChars)
				}
				rows = append(rows, trimmed)
			}
		}

		out = append(out, CondensedEvidence{
			Purpose:  cut(e.Purpose, 200),
			SQL:      cut(e.SQL, 400),
			Columns:  cols,
			Rows:     rows,
			RowCount: len(e.Rows),
		})
	}
	return out
}

// truncateCell returns v unchanged when its text form fits in maxChars,
// otherwise the cut text followed by an ellipsis.
func truncateCell(v any, maxChars int) any {
	if v == nil {
		return nil
	}
	s := []rune(fmt.Sprint(v))
	if len(s) <= maxChars {
		return v
	}
	return string(s[:max(1, maxChars-1)]) + "…"
}

func cut(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
