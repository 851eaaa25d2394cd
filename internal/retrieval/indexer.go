package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/llm"
)

// IndexerConfig tunes how rows are read and snapshotted.
type IndexerConfig struct {
	Prefix     string // schema prefix of the data engine
	RowCap     int    // rows read per table
	MaxColumns int    // columns kept in each row snapshot
}

// Indexer rebuilds the vector store from the tables of an EmbeddingsConfig.
type Indexer struct {
	engine   dataengine.Engine
	embedder llm.Embedder
	store    Store
	tables   *EmbeddingsConfig
	config   IndexerConfig
	logger   *slog.Logger
}

// NewIndexer creates an indexer.
func NewIndexer(engine dataengine.Engine, embedder llm.Embedder, store Store, tables *EmbeddingsConfig, cfg IndexerConfig, logger *slog.Logger) *Indexer {
	if cfg.RowCap <= 0 {
		cfg.RowCap = 500
	}
	if cfg.MaxColumns <= 0 {
		cfg.MaxColumns = 6
	}
	return &Indexer{engine: engine, embedder: embedder, store: store, tables: tables, config: cfg, logger: logger}
}

// TableStats reports the outcome for one table.
type TableStats struct {
	Table    string `json:"table"`
	Rows     int    `json:"rows"`
	Indexed  int    `json:"indexed"`
	Reused   int    `json:"reused"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Reindex rebuilds every configured table. A failing table is reported in its
// stats and does not stop the others; the returned error joins all failures.
func (ix *Indexer) Reindex(ctx context.Context) ([]TableStats, error) {
	if ix.tables == nil {
		return nil, errors.New("no embedding config: nothing to index")
	}
	var stats []TableStats
	var errs []error
	for _, table := range ix.tables.TableNames() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		start := time.Now()
		st, err := ix.indexTable(ctx, table)
		st.Duration = time.Since(start).Round(time.Millisecond).String()
		if err != nil {
			st.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", table, err))
			ix.logger.ErrorContext(ctx, "retrieval index failed", slog.String("table", table), slog.String("error", err.Error()))
		} else {
			ix.logger.InfoContext(ctx, "retrieval index rebuilt",
				slog.String("table", table),
				slog.Int("rows", st.Rows),
				slog.Int("indexed", st.Indexed),
				slog.Int("reused", st.Reused),
			)
		}
		stats = append(stats, st)
	}
	return stats, errors.Join(errs...)
}

func (ix *Indexer) indexTable(ctx context.Context, table string) (TableStats, error) {
	st := TableStats{Table: table}
	spec := ix.tables.Tables[table]

	query := fmt.Sprintf("SELECT * FROM %s.%s LIMIT %d", ix.config.Prefix, table, ix.config.RowCap)
	res, err := ix.engine.Execute(ctx, query)
	if err != nil {
		return st, err
	}
	if res.ErrorMessage != "" {
		return st, errors.New(res.ErrorMessage)
	}
	st.Rows = res.RowCount()

	srcIdx := indexOf(res.Columns, spec.SourceColumn)
	if srcIdx < 0 {
		return st, fmt.Errorf("source column %q not found", spec.SourceColumn)
	}
	embIdx := indexOf(res.Columns, spec.EmbeddingColumn)

	var docs []Document
	var pending []int
	for _, row := range res.Rows {
		focus := strings.TrimSpace(cellText(row, srcIdx))
		if focus == "" {
			continue
		}
		doc := Document{
			ID:     uuid.NewString(),
			Table:  table,
			Focus:  focus,
			Values: ix.snapshot(res.Columns, row, embIdx),
		}
		if embIdx >= 0 && embIdx < len(row) {
			if vec, ok := parseVector(row[embIdx]); ok {
				doc.Embedding = vec
				st.Reused++
			}
		}
		if doc.Embedding == nil {
			pending = append(pending, len(docs))
		}
		docs = append(docs, doc)
	}

	model := ix.tables.ModelFor(table)
	batch := max(ix.tables.BatchSize, 1)
	for start := 0; start < len(pending); start += batch {
		end := min(start+batch, len(pending))
		inputs := make([]string, 0, end-start)
		for _, i := range pending[start:end] {
			inputs = append(inputs, docs[i].Focus)
		}
		vectors, err := ix.embedder.Embed(ctx, model, inputs)
		if err != nil {
			return st, err
		}
		if len(vectors) != len(inputs) {
			return st, fmt.Errorf("embedding backend returned %d vectors for %d inputs", len(vectors), len(inputs))
		}
		for k, i := range pending[start:end] {
			docs[i].Embedding = vectors[k]
		}
	}

	if err := ix.store.Replace(ctx, table, docs); err != nil {
		return st, err
	}
	st.Indexed = len(docs)
	return st, nil
}

// snapshot keeps the first MaxColumns columns, skipping the embedding column.
func (ix *Indexer) snapshot(columns []string, row []any, embIdx int) Values {
	var out Values
	for i, c := range columns {
		if i == embIdx || i >= len(row) {
			continue
		}
		if len(out) >= ix.config.MaxColumns {
			break
		}
		out = append(out, Field{Name: c, Value: row[i]})
	}
	return out
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func cellText(row []any, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return fmt.Sprint(row[i])
}

// parseVector accepts a JSON array (as text or decoded) of numbers.
func parseVector(v any) ([]float32, bool) {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case string:
		s := strings.TrimSpace(x)
		if !strings.HasPrefix(s, "[") {
			return nil, false
		}
		if err := json.Unmarshal([]byte(s), &items); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}
	if len(items) == 0 {
		return nil, false
	}
	out := make([]float32, len(items))
	for i, it := range items {
		switch n := it.(type) {
		case float64:
			out[i] = float32(n)
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, false
			}
			out[i] = float32(f)
		default:
			return nil, false
		}
	}
	return out, true
}
