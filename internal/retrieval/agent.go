package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/prompts"
)

// HighlightPrefix starts every highlight.
const HighlightPrefix = "Mise en avant : "

const noMatchesHighlight = "aucun exemple rapproché n'a été trouvé dans les données vectorisées."

// AgentConfig tunes the highlight call.
type AgentConfig struct {
	Model       string // empty = provider default
	Temperature float64
	MaxTokens   int
	TopN        int
}

// Agent retrieves related rows and asks the LLM for a one or two sentence highlight.
type Agent struct {
	retriever Retriever
	provider  llm.Provider
	prompts   *prompts.Store
	config    AgentConfig
	logger    *slog.Logger
}

// NewAgent creates a retrieval agent.
func NewAgent(retriever Retriever, provider llm.Provider, store *prompts.Store, cfg AgentConfig, logger *slog.Logger) *Agent {
	return &Agent{retriever: retriever, provider: provider, prompts: store, config: cfg, logger: logger}
}

// Run retrieves rows for question, emits them as a meta event when any are
// found, and returns them with the prefixed highlight. round is included in
// the event when positive.
func (a *Agent) Run(ctx context.Context, b *budget.RequestBudget, question string, sink domain.EventSink, round int) ([]Row, string, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, "", errors.New("Question vide pour l'agent retrieval.")
	}
	rows, err := a.retriever.Retrieve(ctx, q, a.config.TopN)
	if err != nil {
		return nil, "", err
	}

	if sink != nil && len(rows) > 0 {
		payload := map[string]any{"rows": rows}
		if round > 0 {
			payload["round"] = round
		}
		sink("meta", map[string]any{"retrieval": payload})
	}

	highlight, err := a.Summarize(ctx, b, q, rows)
	if err != nil {
		return rows, "", err
	}
	return rows, HighlightPrefix + highlight, nil
}

// Summarize writes the highlight for rows. An empty row set yields a fixed
// sentence without calling the LLM.
func (a *Agent) Summarize(ctx context.Context, b *budget.RequestBudget, question string, rows []Row) (string, error) {
	if len(rows) == 0 {
		return noMatchesHighlight, nil
	}
	system, err := a.prompts.Render(prompts.RetrievalSystem, nil)
	if err != nil {
		return "", err
	}
	user, err := a.prompts.Render(prompts.RetrievalUser, map[string]any{
		"question":  question,
		"rows_blob": FormatRows(rows),
	})
	if err != nil {
		return "", err
	}

	if err := b.CheckAndIncrement(budget.Retrieval); err != nil {
		return "", err
	}
	resp, err := a.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		Model:        a.config.Model,
		MaxTokens:    a.config.MaxTokens,
		Temperature:  llm.Temperature(a.config.Temperature),
		Agent:        budget.Retrieval,
	})
	if err != nil {
		if domain.IsBackendError(err) {
			return "", fmt.Errorf("Synthèse LLM indisponible: %w", err)
		}
		return "", fmt.Errorf("Erreur lors de l'appel au LLM pour la mise en avant: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errors.New("Réponse LLM vide pour la mise en avant.")
	}
	return text, nil
}

// FormatRows renders rows as numbered lines for the highlight prompt.
func FormatRows(rows []Row) string {
	lines := make([]string, 0, len(rows))
	for i, r := range rows {
		table := r.Table
		if table == "" {
			table = "-"
		}
		focus := strings.TrimSpace(r.Focus)
		if focus == "" {
			focus = "-"
		}
		var pairs []string
		for _, f := range r.Values {
			if f.Value == nil || f.Value == "" {
				continue
			}
			pairs = append(pairs, fmt.Sprintf("%s: %v", f.Name, f.Value))
		}
		values := "-"
		if len(pairs) > 0 {
			values = strings.Join(pairs, ", ")
		}
		lines = append(lines, fmt.Sprintf("%d. table=%s, score=%.4f, focus=%s, valeurs=%s", i+1, table, r.Score, focus, values))
	}
	return strings.Join(lines, "\n")
}
