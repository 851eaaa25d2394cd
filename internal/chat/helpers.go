package chat

import (
	"fmt"
	"strings"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/retrieval"
)

// historyTurns is the number of prior turns kept as conversation context.
const historyTurns = 8

// PrepareQuestion returns the raw last question and a variant prefixed with
// the recent conversation history. System turns and blank turns are skipped.
func PrepareQuestion(messages []domain.Message) (raw, enriched string) {
	if len(messages) == 0 {
		return "", ""
	}
	question := strings.TrimSpace(messages[len(messages)-1].Content)
	if question == "" {
		return "", ""
	}
	var history []string
	for _, m := range messages[:len(messages)-1] {
		text := strings.TrimSpace(m.Content)
		if text == "" || m.Role == domain.RoleSystem {
			continue
		}
		speaker := "Assistant"
		if m.Role == domain.RoleUser {
			speaker = "User"
		}
		history = append(history, speaker+": "+text)
	}
	if len(history) == 0 {
		return question, question
	}
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	return question, "Conversation history (keep implicit references consistent):\n" +
		strings.Join(history, "\n") + "\nCurrent user question: " + question
}

// FilterTables applies the access-control list (nil = every table) and then
// the exclusions. Matching is case-insensitive; the order of tables is kept.
func FilterTables(tables, allowed, exclude []string) []string {
	var allow map[string]struct{}
	if allowed != nil {
		allow = foldSet(allowed)
	}
	deny := foldSet(exclude)
	out := []string{}
	for _, t := range tables {
		key := strings.ToLower(t)
		if allow != nil {
			if _, ok := allow[key]; !ok {
				continue
			}
		}
		if _, ok := deny[key]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}

func foldSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			set[strings.ToLower(n)] = struct{}{}
		}
	}
	return set
}

// ExcludedTables reads metadata["exclude_tables"] as a list of names.
func ExcludedTables(metadata map[string]any) []string {
	switch v := metadata["exclude_tables"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

// Rounds derives how many explore/analyse rounds the budget affords:
// the smaller remaining count of the capped agents, or 1 when neither is capped.
func Rounds(b *budget.RequestBudget) int {
	explorer, explorerCapped := b.Remaining(budget.Explorer)
	analyst, analystCapped := b.Remaining(budget.Analyst)
	switch {
	case explorerCapped && analystCapped:
		return max(0, min(explorer, analyst))
	case explorerCapped:
		return max(0, explorer)
	case analystCapped:
		return max(0, analyst)
	default:
		return 1
	}
}

// AppendHighlight joins base and highlight with a blank line.
func AppendHighlight(base, highlight string) string {
	base = strings.TrimRight(base, " \t\r\n")
	highlight = strings.TrimSpace(highlight)
	switch {
	case highlight == "":
		return base
	case base == "":
		return highlight
	default:
		return base + "\n\n" + highlight
	}
}

// FormatTable renders up to maxLines rows as a pipe-separated text table.
func FormatTable(columns []string, rows [][]any, maxLines int) string {
	header := strings.Join(columns, " | ")
	lines := []string{header, strings.Repeat("-", len([]rune(header)))}
	for i, row := range rows {
		if i >= maxLines {
			break
		}
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cellString(v)
		}
		lines = append(lines, strings.Join(cells, " | "))
	}
	return strings.Join(lines, "\n")
}

func cellString(v any) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprint(v)
}

// rowsOrEmpty keeps retrieval rows JSON-encodable as an array.
func rowsOrEmpty(rows []retrieval.Row) []retrieval.Row {
	if rows == nil {
		return []retrieval.Row{}
	}
	return rows
}
