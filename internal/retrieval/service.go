package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/insight/internal/llm"
)

// Row is one retrieved example, as sent to clients and prompts.
type Row struct {
	Table  string  `json:"table"`
	Score  float64 `json:"score"`
	Focus  string  `json:"focus"`
	Values Values  `json:"values"`
}

// Retriever returns rows related to a question.
type Retriever interface {
	Retrieve(ctx context.Context, question string, topN int) ([]Row, error)
}

// Service embeds questions and searches the vector store.
type Service struct {
	embedder llm.Embedder
	store    Store
	model    string
	logger   *slog.Logger
}

// NewService creates a retrieval service. A nil store yields no rows.
func NewService(embedder llm.Embedder, store Store, model string, logger *slog.Logger) *Service {
	return &Service{embedder: embedder, store: store, model: model, logger: logger}
}

// Retrieve embeds question and returns up to topN nearest rows.
func (s *Service) Retrieve(ctx context.Context, question string, topN int) ([]Row, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return nil, errors.New("empty retrieval question")
	}
	if s.store == nil || s.embedder == nil || topN <= 0 {
		return nil, nil
	}
	vectors, err := s.embedder.Embed(ctx, s.model, []string{q})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding backend returned %d vectors for 1 input", len(vectors))
	}
	matches, err := s.store.Search(ctx, vectors[0], topN)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(matches))
	for _, m := range matches {
		rows = append(rows, Row{Table: m.Table, Score: m.Score, Focus: m.Focus, Values: m.Values})
	}
	s.logger.DebugContext(ctx, "retrieval search", slog.Int("rows", len(rows)), slog.String("store", s.store.Kind()))
	return rows, nil
}
