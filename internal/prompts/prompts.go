// Package prompts manages the editable catalog of agent prompt templates.
//
// A catalog is a YAML document {version, prompts: {key: {label, description, template}}}.
// Templates reference variables as {{ name }}; each key has a fixed set of
// allowed variables and every known key must be present.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultCatalog []byte

// Prompt keys used by the pipeline.
const (
	ChatMarkdownSystem         = "chat_markdown_system"
	RouterSystem               = "router_system"
	RetrievalSystem            = "retrieval_system"
	RetrievalUser              = "retrieval_user"
	GenerateSystem             = "nl2sql_generate_system"
	GenerateUser               = "nl2sql_generate_user"
	ExploreSystem              = "nl2sql_explore_system"
	GenerateWithEvidenceSystem = "nl2sql_generate_with_evidence_system"
	SynthesisSystem            = "nl2sql_synthesis_system"
	AxesSystem                 = "nl2sql_axes_system"
	WriterSystem               = "nl2sql_writer_system"
	AnimatorSystem             = "animator_system"
)

// Variables lists the placeholders each known key may use.
var Variables = map[string][]string{
	ChatMarkdownSystem:         nil,
	RouterSystem:               nil,
	RetrievalSystem:            nil,
	RetrievalUser:              {"question", "rows_blob"},
	GenerateSystem:             {"db_prefix"},
	GenerateUser:               {"db_prefix", "hints", "question", "tables_blob"},
	ExploreSystem:              {"db_prefix"},
	GenerateWithEvidenceSystem: {"db_prefix"},
	SynthesisSystem:            nil,
	AxesSystem:                 nil,
	WriterSystem:               nil,
	AnimatorSystem:             nil,
}

var placeholderRE = regexp.MustCompile(`{{\s*([A-Za-z0-9_.]+)\s*}}`)

// ErrNotFound is matched by errors.Is for unknown prompt keys.
var ErrNotFound = errors.New("prompt not found")

// NotFoundError reports an unknown prompt key.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string { return "Prompt introuvable: " + e.Key }

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports a malformed catalog or template.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Entry is one parsed prompt.
type Entry struct {
	Key              string   `json:"key"`
	Label            string   `json:"label"`
	Description      string   `json:"description,omitempty"`
	Template         string   `json:"template"`
	Placeholders     []string `json:"placeholders"`
	AllowedVariables []string `json:"allowed_variables"`
}

// Catalog is a validated set of prompts.
type Catalog struct {
	Version int
	Entries map[string]Entry
}

// Sorted returns the entries ordered by key.
func (c *Catalog) Sorted() []Entry {
	keys := make([]string, 0, len(c.Entries))
	for k := range c.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.Entries[k])
	}
	return out
}

type rawEntry struct {
	Label       string `yaml:"label,omitempty"`
	Description string `yaml:"description,omitempty"`
	Template    string `yaml:"template"`
}

type rawCatalog struct {
	Version *int                 `yaml:"version"`
	Prompts map[string]*rawEntry `yaml:"prompts"`
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	raw, err := decode(data)
	if err != nil {
		return nil, err
	}
	return raw.validate()
}

func decode(data []byte) (*rawCatalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, invalid("Fichier de prompts invalide: %v", err)
	}
	return &raw, nil
}

func (r *rawCatalog) validate() (*Catalog, error) {
	if r.Version == nil {
		return nil, invalid("Fichier de prompts invalide (version manquante).")
	}
	if r.Prompts == nil {
		return nil, invalid("Fichier de prompts invalide (prompts manquant).")
	}
	cat := &Catalog{Version: *r.Version, Entries: make(map[string]Entry, len(r.Prompts))}
	for key, item := range r.Prompts {
		if strings.TrimSpace(key) == "" {
			return nil, invalid("Clé de prompt invalide.")
		}
		if item == nil || strings.TrimSpace(item.Template) == "" {
			return nil, invalid("Template manquant pour '%s'.", key)
		}
		placeholders := Placeholders(item.Template)
		allowed, known := Variables[key]
		if known {
			if err := checkVariables(key, placeholders, allowed); err != nil {
				return nil, err
			}
		} else {
			allowed = placeholders
		}
		label := strings.TrimSpace(item.Label)
		if label == "" {
			label = key
		}
		cat.Entries[key] = Entry{
			Key:              key,
			Label:            label,
			Description:      strings.TrimSpace(item.Description),
			Template:         item.Template,
			Placeholders:     placeholders,
			AllowedVariables: sortedCopy(allowed),
		}
	}

	var missing []string
	for key := range Variables {
		if _, ok := cat.Entries[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, invalid("Prompts requis manquants: %s", strings.Join(missing, ", "))
	}
	return cat, nil
}

func checkVariables(key string, placeholders, allowed []string) error {
	var unknown []string
	for _, p := range placeholders {
		if !slices.Contains(allowed, p) {
			unknown = append(unknown, p)
		}
	}
	if len(unknown) > 0 {
		return invalid("Prompt '%s' utilise des variables non autorisées: %s", key, strings.Join(unknown, ", "))
	}
	return nil
}

// Placeholders returns the sorted, distinct variable names of a template.
func Placeholders(template string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRE.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}

func sortedCopy(s []string) []string {
	out := append([]string{}, s...)
	sort.Strings(out)
	return out
}

// Store serves a catalog from a YAML file, reloading it when its mtime changes.
// A store without a path serves the embedded defaults and is read-only.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	cache    *Catalog
	cacheMod time.Time
}

// NewStore creates a store for path. An empty path uses the embedded defaults.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the backing file, or "" for the embedded catalog.
func (s *Store) Path() string { return s.path }

// Invalidate drops the cached catalog.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.cacheMod = time.Time{}
}

// Catalog returns the current catalog.
func (s *Store) Catalog() (*Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (*Catalog, error) {
	if s.path == "" {
		if s.cache == nil {
			cat, err := Parse(defaultCatalog)
			if err != nil {
				return nil, fmt.Errorf("embedded prompt catalog: %w", err)
			}
			s.cache = cat
		}
		return s.cache, nil
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("Fichier de prompts introuvable: %s", s.path)
		}
		return nil, err
	}
	if s.cache != nil && info.ModTime().Equal(s.cacheMod) {
		return s.cache, nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading prompts %s: %w", s.path, err)
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.cache = cat
	s.cacheMod = info.ModTime()
	s.logger.Debug("prompt catalog loaded",
		slog.String("path", s.path),
		slog.Int("version", cat.Version),
		slog.Int("prompts", len(cat.Entries)),
	)
	return cat, nil
}

// List returns every entry ordered by key.
func (s *Store) List() ([]Entry, error) {
	cat, err := s.Catalog()
	if err != nil {
		return nil, err
	}
	return cat.Sorted(), nil
}

// Get returns one entry.
func (s *Store) Get(key string) (Entry, error) {
	cat, err := s.Catalog()
	if err != nil {
		return Entry{}, err
	}
	e, ok := cat.Entries[key]
	if !ok {
		return Entry{}, &NotFoundError{Key: key}
	}
	return e, nil
}

// Render substitutes vars into the template of key. Every placeholder must be provided.
func (s *Store) Render(key string, vars map[string]any) (string, error) {
	e, err := s.Get(key)
	if err != nil {
		return "", err
	}
	var missing []string
	for _, p := range e.Placeholders {
		if _, ok := vars[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return "", invalid("Variables manquantes pour '%s': %s", key, strings.Join(missing, ", "))
	}
	return placeholderRE.ReplaceAllStringFunc(e.Template, func(m string) string {
		name := placeholderRE.FindStringSubmatch(m)[1]
		return fmt.Sprint(vars[name])
	}), nil
}

// UpdateTemplate replaces the template of an existing key and persists the file atomically.
func (s *Store) UpdateTemplate(key, template string) (Entry, error) {
	if s.path == "" {
		return Entry{}, invalid("Catalogue de prompts intégré: modification impossible (PROMPTS_PATH non défini).")
	}
	if strings.TrimSpace(template) == "" {
		return Entry{}, invalid("Le template ne peut pas être vide.")
	}
	if allowed, ok := Variables[key]; ok {
		if err := checkVariables(key, Placeholders(template), allowed); err != nil {
			return Entry{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, fmt.Errorf("Fichier de prompts introuvable: %s", s.path)
		}
		return Entry{}, err
	}
	raw, err := decode(data)
	if err != nil {
		return Entry{}, err
	}
	if raw.Prompts == nil {
		return Entry{}, invalid("Fichier de prompts invalide (prompts manquant).")
	}
	item, ok := raw.Prompts[key]
	if !ok {
		return Entry{}, &NotFoundError{Key: key}
	}
	if item == nil {
		return Entry{}, invalid("Entrée de prompt invalide pour '%s'.", key)
	}
	item.Template = template
	if _, err := raw.validate(); err != nil {
		return Entry{}, err
	}
	if err := s.write(raw); err != nil {
		return Entry{}, err
	}

	s.cache = nil
	cat, err := s.load()
	if err != nil {
		return Entry{}, err
	}
	return cat.Entries[key], nil
}

func (s *Store) write(raw *rawCatalog) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding prompts: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp prompts file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing prompts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		s.logger.Error("failed to save prompts", slog.String("path", s.path), slog.String("error", err.Error()))
		return fmt.Errorf("saving prompts: %w", err)
	}
	s.logger.Info("prompts saved", slog.String("path", s.path))
	return nil
}

// Defaults returns the embedded catalog document.
func Defaults() []byte {
	return append([]byte(nil), defaultCatalog...)
}
