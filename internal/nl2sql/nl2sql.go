// Package nl2sql holds the LLM agents that turn a question into SQL and SQL
// results into answers: explorer, analyst, axes, synthesis, writer and the
// single-shot generator.
package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/retrieval"
	"github.com/jkaninda/insight/internal/sqlguard"
)

// maxTablesBlob bounds the schema listing of the single-shot generator.
const maxTablesBlob = 8000

// Schema maps table names (without prefix) to their columns.
type Schema map[string][]string

// Tables returns the table names in a stable order.
func (s Schema) Tables() []string {
	names := make([]string, 0, len(s))
	for t := range s {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

// Probe is one exploratory query proposed by the explorer.
type Probe struct {
	Purpose string `json:"purpose"`
	SQL     string `json:"sql"`
}

// Axis is one chart suggestion.
type Axis struct {
	X      string `json:"x"`
	Y      string `json:"y"`
	Agg    string `json:"agg"`
	Chart  string `json:"chart"`
	Reason string `json:"reason"`
}

// Config tunes every agent call.
type Config struct {
	Model            string // empty = provider default
	MaxTokens        int
	OutputMaxColumns int
}

// Service runs the NL→SQL agents against one provider.
type Service struct {
	provider  llm.Provider
	prompts   *prompts.Store
	validator *sqlguard.Validator
	config    Config
	logger    *slog.Logger
}

// New creates a Service. The validator carries the schema prefix.
func New(provider llm.Provider, store *prompts.Store, validator *sqlguard.Validator, cfg Config, logger *slog.Logger) *Service {
	if cfg.OutputMaxColumns <= 0 {
		cfg.OutputMaxColumns = 20
	}
	return &Service{provider: provider, prompts: store, validator: validator, config: cfg, logger: logger}
}

// Prefix returns the schema prefix generated SQL must use.
func (s *Service) Prefix() string { return s.validator.Prefix() }

func (s *Service) evidenceColumns() int { return min(10, s.config.OutputMaxColumns) }

// Generate asks for one SELECT answering question in a single shot.
func (s *Service) Generate(ctx context.Context, b *budget.RequestBudget, question string, schema Schema) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", errors.New("La question est vide.")
	}
	if len(schema) == 0 {
		return "", errors.New("Aucun schéma disponible pour générer le SQL.")
	}
	prefix := s.Prefix()

	lines := s.tableLines(schema)
	blob := strings.Join(lines, "\n")
	if len(blob) > maxTablesBlob {
		var kept []string
		length := 0
		for _, line := range lines {
			if length+len(line) > maxTablesBlob {
				break
			}
			kept = append(kept, line)
			length += len(line) + 1
		}
		blob = strings.Join(kept, "\n") + "\n…"
		s.logger.Warn("schema blob truncated", slog.Int("kept_lines", len(kept)))
	}

	var hintLines []string
	for _, t := range schema.Tables() {
		var dateCols []string
		for _, c := range schema[t] {
			if strings.Contains(strings.ToLower(c), "date") {
				dateCols = append(dateCols, c)
			}
		}
		if len(dateCols) > 0 {
			hintLines = append(hintLines, fmt.Sprintf("- %s.%s: %s", prefix, t, strings.Join(dateCols, ", ")))
		}
	}
	hints := ""
	if len(hintLines) > 0 {
		hints = "\nDate-like columns (cast before date ops):\n" + strings.Join(hintLines, "\n")
	}

	system, err := s.prompts.Render(prompts.GenerateSystem, map[string]any{"db_prefix": prefix})
	if err != nil {
		return "", err
	}
	user, err := s.prompts.Render(prompts.GenerateUser, map[string]any{
		"tables_blob": blob,
		"hints":       hints,
		"question":    question,
		"db_prefix":   prefix,
	})
	if err != nil {
		return "", err
	}

	text, err := s.call(ctx, b, budget.Generator, system, user)
	if err != nil {
		return "", err
	}
	sql, err := s.validator.Validate(text)
	if err != nil {
		var ve *sqlguard.ValidationError
		if errors.As(err, &ve) && ve.Code == sqlguard.CodeMissingPrefix {
			return "", err
		}
		return "", fmt.Errorf("Generated SQL is invalid or not SELECT-only: %w", err)
	}
	s.logger.Info("nl2sql generated", slog.String("sql", domain.Preview(sql, 200)))
	return sql, nil
}

// Explore asks for up to maxSteps exploratory probes. Probes that fail
// validation are dropped; an error is returned only when none survives.
func (s *Service) Explore(ctx context.Context, b *budget.RequestBudget, question string, schema Schema, maxSteps int, observations string) ([]Probe, error) {
	maxSteps = max(1, maxSteps)
	system, err := s.prompts.Render(prompts.ExploreSystem, map[string]any{"db_prefix": s.Prefix()})
	if err != nil {
		return nil, err
	}
	user := fmt.Sprintf(
		"Available tables and columns:\n%s\n\nMax steps: %d. Question: %s\nFocus on columns likely involved in the question.\n",
		strings.Join(s.tableLines(schema), "\n"), maxSteps, question)
	if obs := strings.TrimSpace(observations); obs != "" {
		user += "\nObservations to consider:\n" + obs + "\n"
	}

	text, err := s.call(ctx, b, budget.Explorer, system, user)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Queries []struct {
			Purpose string `json:"purpose"`
			SQL     string `json:"sql"`
		} `json:"queries"`
	}
	if err := json.Unmarshal([]byte(sqlguard.ExtractJSON(text)), &payload); err != nil {
		return nil, fmt.Errorf("Exploration JSON invalide: %w", err)
	}
	if len(payload.Queries) == 0 {
		return nil, errors.New("Aucune requête exploratoire proposée")
	}

	var probes []Probe
	for _, q := range payload.Queries[:min(len(payload.Queries), maxSteps)] {
		purpose := strings.TrimSpace(q.Purpose)
		raw := sqlguard.ExtractSQL(q.SQL)
		if purpose == "" || raw == "" {
			continue
		}
		sql, err := s.validator.Validate(raw)
		if err != nil {
			s.logger.Warn("exploration probe rejected",
				slog.String("purpose", domain.Preview(purpose, 120)),
				slog.String("error", err.Error()),
			)
			continue
		}
		probes = append(probes, Probe{Purpose: purpose, SQL: sql})
	}
	if len(probes) == 0 {
		return nil, errors.New("Aucune requête exploratoire exploitable")
	}
	return probes, nil
}

// GenerateWithEvidence asks the analyst for the final SELECT given prior results.
func (s *Service) GenerateWithEvidence(ctx context.Context, b *budget.RequestBudget, question string, schema Schema, evidence []domain.Evidence) (string, error) {
	system, err := s.prompts.Render(prompts.GenerateWithEvidenceSystem, map[string]any{"db_prefix": s.Prefix()})
	if err != nil {
		return "", err
	}
	user, err := marshal(map[string]any{
		"question": question,
		"tables":   s.tableLines(schema),
		"evidence": Condense(evidence, CondenseLimits{MaxItems: 5, RowsPerItem: 10, MaxColumns: s.evidenceColumns(), CellMaxChars: 80}),
		"rules":    map[string]any{"schema_prefix": s.Prefix()},
	})
	if err != nil {
		return "", err
	}

	text, err := s.call(ctx, b, budget.Analyst, system, user)
	if err != nil {
		return "", err
	}
	sql, err := s.validator.Validate(text)
	if err != nil {
		var ve *sqlguard.ValidationError
		if errors.As(err, &ve) && ve.Code == sqlguard.CodeMissingPrefix {
			return "", err
		}
		return "", fmt.Errorf("La requête finale générée n'est pas un SELECT: %w", err)
	}
	return sql, nil
}

// ProposeAxes asks for up to maxItems chart suggestions.
func (s *Service) ProposeAxes(ctx context.Context, b *budget.RequestBudget, question string, schema Schema, evidence []domain.Evidence, maxItems int) ([]Axis, error) {
	maxItems = max(1, maxItems)
	system, err := s.prompts.Render(prompts.AxesSystem, nil)
	if err != nil {
		return nil, err
	}
	preview := make([]map[string]any, 0, len(evidence))
	for _, e := range evidence {
		cols := e.Columns
		if cols == nil {
			cols = []string{}
		}
		preview = append(preview, map[string]any{
			"purpose":   e.Purpose,
			"sql":       cut(e.SQL, 200),
			"columns":   cols,
			"row_count": len(e.Rows),
		})
	}
	user, err := marshal(map[string]any{
		"question":         question,
		"tables":           s.tableLines(schema),
		"evidence_preview": preview,
		"max_items":        maxItems,
	})
	if err != nil {
		return nil, err
	}

	text, err := s.call(ctx, b, budget.Axes, system, user)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Axes []map[string]any `json:"axes"`
	}
	if err := json.Unmarshal([]byte(sqlguard.ExtractJSON(text)), &payload); err != nil {
		return nil, fmt.Errorf("Axes JSON invalide: %w", err)
	}
	if len(payload.Axes) == 0 {
		return nil, errors.New("Aucune proposition d'axes")
	}

	var axes []Axis
	for _, raw := range payload.Axes[:min(len(payload.Axes), maxItems)] {
		x := stringField(raw["x"])
		if x == "" {
			continue
		}
		chart := stringField(raw["chart"])
		if chart == "" {
			chart = "table"
		}
		axes = append(axes, Axis{
			X:      x,
			Y:      stringField(raw["y"]),
			Agg:    stringField(raw["agg"]),
			Chart:  chart,
			Reason: stringField(raw["reason"]),
		})
	}
	if len(axes) == 0 {
		return nil, errors.New("Aucune proposition d'axes exploitable")
	}
	return axes, nil
}

// Synthesize writes a short French answer from the evidence.
func (s *Service) Synthesize(ctx context.Context, b *budget.RequestBudget, question string, evidence []domain.Evidence) (string, error) {
	system, err := s.prompts.Render(prompts.SynthesisSystem, nil)
	if err != nil {
		return "", err
	}
	user, err := marshal(map[string]any{
		"question": question,
		"evidence": Condense(evidence, CondenseLimits{MaxItems: 6, RowsPerItem: 10, MaxColumns: s.evidenceColumns(), CellMaxChars: 80}),
	})
	if err != nil {
		return "", err
	}
	return s.call(ctx, b, budget.Analyst, system, user)
}

// Write produces the final user-facing answer. retrievalRows is included in
// the payload only when non-nil.
func (s *Service) Write(ctx context.Context, b *budget.RequestBudget, question string, evidence []domain.Evidence, retrievalRows []retrieval.Row) (string, error) {
	system, err := s.prompts.Render(prompts.WriterSystem, nil)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"question": question,
		"evidence": Condense(evidence, CondenseLimits{MaxItems: 6, RowsPerItem: 12, MaxColumns: s.evidenceColumns(), CellMaxChars: 80}),
	}
	if retrievalRows != nil {
		payload["retrieval_context"] = retrievalRows
	}
	user, err := marshal(payload)
	if err != nil {
		return "", err
	}
	s.logger.Info("writer invoked",
		slog.Int("evidence", len(evidence)),
		slog.Int("retrieval", len(retrievalRows)),
		slog.Int("payload_chars", len(user)),
	)
	return s.call(ctx, b, budget.Writer, system, user)
}

// call charges agent against b and sends one system+user exchange at temperature 0.
func (s *Service) call(ctx context.Context, b *budget.RequestBudget, agent, system, user string) (string, error) {
	if err := b.CheckAndIncrement(agent); err != nil {
		return "", err
	}
	resp, err := s.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		Model:        s.config.Model,
		MaxTokens:    s.config.MaxTokens,
		Temperature:  llm.Temperature(0),
		Agent:        agent,
	})
	if err != nil {
		s.logger.Error("agent call failed", slog.String("agent", agent), slog.String("error", err.Error()))
		return "", err
	}
	return resp.Content, nil
}

func (s *Service) tableLines(schema Schema) []string {
	prefix := s.Prefix()
	lines := make([]string, 0, len(schema))
	for _, t := range schema.Tables() {
		lines = append(lines, fmt.Sprintf("- %s.%s(%s)", prefix, t, strings.Join(schema[t], ", ")))
	}
	return lines
}

// marshal encodes v as JSON without HTML escaping.
func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func stringField(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
