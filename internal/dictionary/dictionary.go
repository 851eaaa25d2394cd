// Package dictionary loads per-table column documentation from YAML files and
// renders it as compact JSON for agent prompts.
//
// Layout: one <table>.yml or <table>.yaml file per table:
//
//	version: 1
//	table: tickets
//	title: Tickets
//	description: Support tickets
//	columns:
//	  - name: ticket_id
//	    description: Unique ticket identifier
//	    type: integer
//	    synonyms: [id]
//	    pii: false
//	    example: "12345"
package dictionary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

var tableNameRE = regexp.MustCompile(`^[A-Za-z0-9_\-.]+$`)

// Column documents one column. Optional fields are omitted when empty.
type Column struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Type        string   `json:"type,omitempty" yaml:"type,omitempty"`
	Synonyms    []string `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
	Unit        string   `json:"unit,omitempty" yaml:"unit,omitempty"`
	PII         *bool    `json:"pii,omitempty" yaml:"pii,omitempty"`
	Example     any      `json:"example,omitempty" yaml:"example,omitempty"`
}

// Table documents one table.
type Table struct {
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Columns     []Column `json:"columns" yaml:"columns"`
}

type cached struct {
	modTime time.Time
	table   *Table
}

// Repository reads dictionary files from a directory with an mtime cache.
type Repository struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

// NewRepository creates a repository rooted at dir.
func NewRepository(dir string, logger *slog.Logger) *Repository {
	return &Repository{dir: dir, logger: logger, cache: make(map[string]cached)}
}

// Dir returns the root directory.
func (r *Repository) Dir() string { return r.dir }

// Load returns the documentation of table, or nil when no file exists or the
// name is rejected.
func (r *Repository) Load(table string) (*Table, error) {
	name := strings.TrimSpace(table)
	if !tableNameRE.MatchString(name) {
		r.logger.Warn("rejected dictionary table name", slog.String("table", table))
		return nil, nil
	}
	for _, ext := range []string{".yml", ".yaml"} {
		path := filepath.Join(r.dir, name+ext)
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}

		r.mu.Lock()
		c, ok := r.cache[path]
		r.mu.Unlock()
		if ok && c.modTime.Equal(info.ModTime()) {
			return c.table, nil
		}

		t, err := readTable(path)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[path] = cached{modTime: info.ModTime(), table: t}
		r.mu.Unlock()
		return t, nil
	}
	return nil, nil
}

func readTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var raw struct {
		Title       string      `yaml:"title"`
		Description string      `yaml:"description"`
		Columns     []yaml.Node `yaml:"columns"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	t := &Table{Title: raw.Title, Description: raw.Description}
	for i := range raw.Columns {
		var c Column
		if err := raw.Columns[i].Decode(&c); err != nil {
			return nil, fmt.Errorf("%s: column %d: %w", path, i, err)
		}
		t.Columns = append(t.Columns, c)
	}
	return t, nil
}

// ForSchema returns documentation restricted to the tables and columns of
// schema. Column names match case-insensitively; tables with no matching
// column are dropped. Unreadable files are logged and skipped.
func (r *Repository) ForSchema(schema map[string][]string) map[string]Table {
	out := make(map[string]Table)
	for table, cols := range schema {
		doc, err := r.Load(table)
		if err != nil {
			r.logger.Warn("failed to read dictionary file",
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
			continue
		}
		if doc == nil {
			continue
		}
		wanted := make(map[string]bool, len(cols))
		for _, c := range cols {
			wanted[strings.ToLower(c)] = true
		}
		var kept []Column
		for _, c := range doc.Columns {
			name := strings.TrimSpace(c.Name)
			if name == "" || !wanted[strings.ToLower(name)] {
				continue
			}
			c.Name = name
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			continue
		}
		out[table] = Table{Title: doc.Title, Description: doc.Description, Columns: kept}
	}
	return out
}

// PIIColumns lists "table.column" entries flagged as PII, sorted.
func PIIColumns(dico map[string]Table) []string {
	var hits []string
	for table, spec := range dico {
		for _, c := range spec.Columns {
			if c.PII != nil && *c.PII {
				hits = append(hits, table+"."+c.Name)
			}
		}
	}
	sort.Strings(hits)
	return hits
}

// Compacted is the outcome of Compact.
type Compacted struct {
	JSON       string
	Truncated  bool
	Tables     int
	MaxColumns int
}

// Compact serializes dico as JSON within limit characters, falling back to
// progressively smaller subsets: 5, 3 then 1 columns per table, each tried
// with all tables and then with the first 3, 2 and 1 tables by name. The
// result is always valid JSON.
func Compact(dico map[string]Table, limit int) Compacted {
	if limit < 1 {
		limit = 1
	}
	full := dumps(dico)
	if utf8.RuneCountInString(full) <= limit {
		maxCols := 0
		for _, t := range dico {
			maxCols = max(maxCols, len(t.Columns))
		}
		return Compacted{JSON: full, Tables: len(dico), MaxColumns: maxCols}
	}

	names := make([]string, 0, len(dico))
	for name := range dico {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, colsCap := range []int{5, 3, 1} {
		subset := make(map[string]Table, len(names))
		for _, name := range names {
			t := dico[name]
			t.Columns = t.Columns[:min(colsCap, len(t.Columns))]
			subset[name] = t
		}
		if s := dumps(subset); utf8.RuneCountInString(s) <= limit {
			return Compacted{JSON: s, Truncated: true, Tables: len(subset), MaxColumns: colsCap}
		}
		for _, keep := range []int{3, 2, 1} {
			trimmed := make(map[string]Table, keep)
			for _, name := range names[:min(keep, len(names))] {
				trimmed[name] = subset[name]
			}
			if s := dumps(trimmed); utf8.RuneCountInString(s) <= limit {
				return Compacted{JSON: s, Truncated: true, Tables: len(trimmed), MaxColumns: colsCap}
			}
		}
	}

	if len(names) == 0 {
		return Compacted{JSON: "{}", Truncated: true}
	}
	first := dico[names[0]]
	minimal := map[string]Table{names[0]: {Columns: first.Columns[:min(1, len(first.Columns))]}}
	return Compacted{JSON: dumps(minimal), Truncated: true, Tables: 1, MaxColumns: 1}
}

func dumps(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Enrich appends the compact dictionary to question. It returns question
// unchanged when no documentation applies.
func (r *Repository) Enrich(question string, schema map[string][]string, limit int) string {
	dico := r.ForSchema(schema)
	if len(dico) == 0 {
		return question
	}
	if pii := PIIColumns(dico); len(pii) > 0 {
		r.logger.Warn("PII columns included in dictionary", slog.Any("columns", pii))
	}
	c := Compact(dico, limit)
	if c.Truncated {
		r.logger.Warn("data dictionary truncated",
			slog.Int("limit", limit),
			slog.Int("tables", c.Tables),
			slog.Int("max_columns", c.MaxColumns),
		)
	}
	return question + "\n\nData dictionary (JSON):\n" + c.JSON
}
