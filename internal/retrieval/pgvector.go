package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/pgvector/pgvector-go"
)

var safeIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PgvectorStore keeps documents in a Postgres table with a vector column.
type PgvectorStore struct {
	db         *sql.DB
	table      string
	dimensions int
}

// OpenPgvectorStore connects to dsn and ensures the schema exists.
func OpenPgvectorStore(ctx context.Context, dsn, table string, dimensions int) (*PgvectorStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}
	s, err := NewPgvectorStore(db, table, dimensions)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}
	return s, nil
}

// NewPgvectorStore wraps an open database.
func NewPgvectorStore(db *sql.DB, table string, dimensions int) (*PgvectorStore, error) {
	if !safeIdent.MatchString(table) {
		return nil, fmt.Errorf("invalid vector table name %q", table)
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be > 0")
	}
	return &PgvectorStore{db: db, table: table, dimensions: dimensions}, nil
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

// Close closes the underlying database.
func (s *PgvectorStore) Close() error { return s.db.Close() }

// Ping checks the vector database connection.
func (s *PgvectorStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the extension, table and index when missing.
func (s *PgvectorStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         TEXT PRIMARY KEY,
			source     TEXT NOT NULL,
			focus      TEXT NOT NULL DEFAULT '',
			row_values JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%[2]d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %[1]s_source_idx ON %[1]s (source);
	`, s.table, s.dimensions)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *PgvectorStore) Replace(ctx context.Context, table string, docs []Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source = $1`, s.table), table); err != nil {
		return fmt.Errorf("delete existing rows: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, source, focus, row_values, embedding) VALUES ($1, $2, $3, $4, $5)`, s.table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range docs {
		if len(d.Embedding) != s.dimensions {
			return fmt.Errorf("document of %s has %d dimensions, want %d", table, len(d.Embedding), s.dimensions)
		}
		id := d.ID
		if id == "" {
			id = uuid.NewString()
		}
		values, err := json.Marshal(d.Values)
		if err != nil {
			return fmt.Errorf("encode values: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, id, table, d.Focus, values, pgvector.NewVector(d.Embedding)); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Search(ctx context.Context, vector []float32, topN int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if topN <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, source, focus, row_values, 1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, s.table), pgvector.NewVector(vector), topN)
	if err != nil {
		return nil, fmt.Errorf("search vectors: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var raw []byte
		if err := rows.Scan(&m.ID, &m.Table, &m.Focus, &raw, &m.Score); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Values); err != nil {
				return nil, fmt.Errorf("decode values: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}
	return out, nil
}

func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}
