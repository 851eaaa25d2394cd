package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/sqlguard"
)

// EvidenceSpec tells the UI how to render a generic result set.
type EvidenceSpec struct {
	EntityLabel string            `json:"entity_label"`
	PK          string            `json:"pk"`
	Display     map[string]string `json:"display"`
	Columns     []string          `json:"columns"`
	Limit       int               `json:"limit"`
}

// Candidate column names per role, in order of preference.
var (
	pkCandidates        = []string{"ticket_id", "feedback_id", "id", "pk"}
	createdAtCandidates = []string{"created_at", "createdAt", "date", "timestamp", "createdon", "created"}
	statusCandidates    = []string{"status", "state"}
	titleCandidates     = []string{"title", "subject", "name"}
)

// BuildEvidenceSpec guesses the label, key and display columns from column
// names and a free-text hint. Matching ignores case and returns the column
// as spelled in the result. A role without a matching column is left out.
func BuildEvidenceSpec(columns []string, labelHint string, limit int) EvidenceSpec {
	folded := make(map[string]string, len(columns))
	for _, c := range columns {
		if _, seen := folded[strings.ToLower(c)]; !seen {
			folded[strings.ToLower(c)] = c
		}
	}
	pick := func(candidates []string) string {
		for _, c := range candidates {
			if actual, ok := folded[strings.ToLower(c)]; ok {
				return actual
			}
		}
		return ""
	}
	anyColumnContains := func(word string) bool {
		for c := range folded {
			if strings.Contains(c, word) {
				return true
			}
		}
		return false
	}

	hint := strings.ToLower(labelHint)
	label := "Éléments"
	switch {
	case strings.Contains(hint, "ticket") || anyColumnContains("ticket"):
		label = "Tickets"
	case strings.Contains(hint, "feedback") || anyColumnContains("feedback"):
		label = "Feedback"
	}

	pk := pick(pkCandidates)
	if pk == "" {
		pk = "id"
		if len(columns) > 0 {
			pk = columns[0]
		}
	}

	display := map[string]string{}
	if v := pick(titleCandidates); v != "" {
		display["title"] = v
	}
	if v := pick(statusCandidates); v != "" {
		display["status"] = v
	}
	if v := pick(createdAtCandidates); v != "" {
		display["created_at"] = v
	}

	return EvidenceSpec{
		EntityLabel: label,
		PK:          pk,
		Display:     display,
		Columns:     append([]string(nil), columns...),
		Limit:       limit,
	}
}

// emitEvidence publishes the evidence spec and full rows for the side panel.
// It runs a row-level variant of baseSQL when one can be derived, otherwise
// falls back to the given result. Failures are logged and never surface.
func (s *Service) emitEvidence(ctx context.Context, sink domain.EventSink, labelHint, baseSQL string, fallbackCols []string, fallbackRows [][]any) {
	if sink == nil {
		return
	}
	cols, rows := fallbackCols, fallbackRows
	if derived, ok := sqlguard.DeriveEvidence(baseSQL, s.opts.EvidenceLimit); ok {
		s.emit(sink, "sql", map[string]any{"sql": derived, "purpose": "evidence"})
		res, err := s.execute(ctx, "evidence", derived)
		if err != nil {
			s.logger.WarnContext(ctx, "evidence query failed", slog.String("error", err.Error()))
			return
		}
		cols, rows = res.Columns, res.Rows
	}
	if len(cols) == 0 || len(rows) == 0 {
		return
	}
	spec := BuildEvidenceSpec(cols, labelHint, s.opts.EvidenceLimit)
	s.emit(sink, "meta", map[string]any{"evidence_spec": spec})
	s.emit(sink, "rows", map[string]any{
		"purpose":   "evidence",
		"columns":   cols,
		"rows":      rows,
		"row_count": len(rows),
	})
	s.logger.InfoContext(ctx, "evidence emitted",
		slog.String("label", spec.EntityLabel),
		slog.Int("columns", len(cols)),
		slog.Int("rows", len(rows)),
	)
}
