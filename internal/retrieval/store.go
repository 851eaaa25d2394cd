// Package retrieval indexes table rows as embeddings and serves similarity
// lookups plus a short LLM-written highlight for the chat pipeline.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Field is one column value of a row snapshot.
type Field struct {
	Name  string
	Value any
}

// Values is an ordered row snapshot. It marshals as a JSON object that keeps
// column order.
type Values []Field

// MarshalJSON writes the fields as an ordered object.
func (v Values) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object, preserving key order.
func (v *Values) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*v = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("values: expected object, got %v", tok)
	}
	var out Values
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var val any
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, Field{Name: key, Value: val})
	}
	*v = out
	return nil
}

// Get returns the value of name.
func (v Values) Get(name string) (any, bool) {
	for _, f := range v {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Document is one indexed row.
type Document struct {
	ID        string
	Table     string
	Focus     string // text of the embedded source column
	Values    Values
	Embedding []float32
}

// Match is a Document scored against a query vector.
type Match struct {
	Document
	Score float64
}

// Store persists documents and answers nearest-neighbour queries.
type Store interface {
	// Replace swaps every document of table for docs.
	Replace(ctx context.Context, table string, docs []Document) error
	// Search returns up to topN documents by descending cosine similarity.
	Search(ctx context.Context, vector []float32, topN int) ([]Match, error)
	Count(ctx context.Context) (int, error)
	Kind() string
}

// MemoryStore is a brute-force cosine store held in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	byTable map[string][]Document
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTable: make(map[string][]Document)}
}

func (s *MemoryStore) Kind() string { return "memory" }

func (s *MemoryStore) Replace(_ context.Context, table string, docs []Document) error {
	cp := make([]Document, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.Table = table
		cp[i] = d
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTable[table] = cp
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float32, topN int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, docs := range s.byTable {
		for _, d := range docs {
			if len(d.Embedding) != len(vector) {
				continue
			}
			matches = append(matches, Match{Document: d, Score: cosineSimilarity(vector, d.Embedding)})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topN >= 0 && topN < len(matches) {
		matches = matches[:topN]
	}
	return matches, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, docs := range s.byTable {
		n += len(docs)
	}
	return n, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
