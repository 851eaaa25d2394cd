package retrieval

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// TableEmbedding describes which column of a table is embedded.
type TableEmbedding struct {
	SourceColumn    string
	EmbeddingColumn string
	Model           string // empty = EmbeddingsConfig.DefaultModel
}

// EmbeddingsConfig lists the tables indexed for retrieval.
type EmbeddingsConfig struct {
	Tables       map[string]TableEmbedding
	DefaultModel string
	BatchSize    int
}

// TableNames returns the configured tables sorted by name.
func (c *EmbeddingsConfig) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelFor returns the model used to embed table.
func (c *EmbeddingsConfig) ModelFor(table string) string {
	if t, ok := c.Tables[table]; ok && t.Model != "" {
		return t.Model
	}
	return c.DefaultModel
}

// ModelSettings feeds default model resolution.
type ModelSettings struct {
	Mode       string // local | api
	Model      string // EMBEDDING_MODEL
	LocalModel string // EMBEDDING_LOCAL_MODEL
	LLMModel   string // LLM_MODEL
	BatchSize  int    // used when the file sets none
}

// DefaultModel resolves the embedding model given an optional configured value.
func (s ModelSettings) DefaultModel(configured string) (string, error) {
	var candidate string
	switch strings.ToLower(strings.TrimSpace(s.Mode)) {
	case "local":
		candidate = firstNonEmpty(s.LocalModel, configured, s.Model)
	case "api":
		candidate = firstNonEmpty(configured, s.Model, s.LLMModel)
	default:
		return "", errors.New("EMBEDDING_MODE must be 'local' or 'api' to compute embeddings")
	}
	if candidate == "" {
		return "", errors.New("no embedding model configured (check EMBEDDING_MODEL or default model)")
	}
	return candidate, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// LoadEmbeddingsConfig parses the embeddings YAML file. It returns nil without
// error when path is empty or the file defines no tables.
func LoadEmbeddingsConfig(path string, settings ModelSettings, logger *slog.Logger) (*EmbeddingsConfig, error) {
	if path == "" {
		logger.Info("embeddings config path not set; retrieval index unavailable")
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("MindsDB embedding config not found: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading embedding config: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing embedding config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	top, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("MindsDB embedding config must be a mapping at the top level")
	}

	var configured string
	if v, present := top["default_model"]; present && v != nil {
		s, ok := v.(string)
		if !ok {
			return nil, errors.New("default_model must be a string when provided")
		}
		configured = s
	}

	batch := settings.BatchSize
	if v, present := top["batch_size"]; present {
		n, ok := v.(int)
		if !ok || n <= 0 {
			return nil, errors.New("batch_size must be a positive integer")
		}
		batch = n
	}
	if batch <= 0 {
		return nil, errors.New("batch_size must be a positive integer")
	}

	section := map[string]any{}
	if v := top["tables"]; v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, errors.New("tables must be a mapping of table names")
		}
		section = m
	}

	tables := make(map[string]TableEmbedding, len(section))
	for name, v := range section {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("configuration for table %q must be a mapping", name)
		}
		src, _ := m["source_column"].(string)
		if src == "" {
			return nil, fmt.Errorf("table %q requires a string 'source_column'", name)
		}
		emb, _ := m["embedding_column"].(string)
		if emb == "" {
			return nil, fmt.Errorf("table %q requires a string 'embedding_column'", name)
		}
		var model string
		if mv, present := m["model"]; present && mv != nil {
			s, ok := mv.(string)
			if !ok {
				return nil, fmt.Errorf("table %q has an invalid 'model' value (must be string)", name)
			}
			model = s
		}
		tables[name] = TableEmbedding{SourceColumn: src, EmbeddingColumn: emb, Model: model}
	}

	if len(tables) == 0 {
		logger.Warn("embedding config defines no tables; embeddings will be ignored", slog.String("path", path))
		return nil, nil
	}

	def, err := settings.DefaultModel(configured)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded embedding config",
		slog.String("path", path),
		slog.Int("tables", len(tables)),
		slog.Int("batch_size", batch),
		slog.String("default_model", def),
	)
	return &EmbeddingsConfig{Tables: tables, DefaultModel: def, BatchSize: batch}, nil
}
