package dataengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/sqlite"     // registers the "sqlite" database/sql driver
	_ "github.com/go-sql-driver/mysql" // MySQL driver.
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/jkaninda/insight/internal/domain"
)

const (
	defaultMaxRows    = 1000
	defaultTimeoutSec = 30
)

// SQLConfig configures a database/sql engine.
type SQLConfig struct {
	Driver         string // "postgres", "mysql" or "sqlite"
	DSN            string
	MaxRows        int // Default: 1000.
	TimeoutSeconds int // Per-query timeout. Default: 30.
}

// SQL executes queries through database/sql. The connection is opened lazily.
type SQL struct {
	config SQLConfig
	logger *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewSQL creates a database/sql engine.
func NewSQL(cfg SQLConfig, logger *slog.Logger) (*SQL, error) {
	if _, err := driverName(cfg.Driver); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%s data engine: DSN not configured", cfg.Driver)
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSec
	}
	return &SQL{config: cfg, logger: logger}, nil
}

// NewSQLWithDB wraps an already opened database. Used with sqlmock in tests.
func NewSQLWithDB(db *sql.DB, cfg SQLConfig, logger *slog.Logger) *SQL {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultTimeoutSec
	}
	return &SQL{config: cfg, logger: logger, db: db}
}

func driverName(driver string) (string, error) {
	switch driver {
	case "postgres":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlite":
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported SQL driver %q", driver)
}

// Name returns the configured driver.
func (s *SQL) Name() string { return s.config.Driver }

func (s *SQL) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	name, err := driverName(s.config.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, s.config.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	s.db = db
	return db, nil
}

// Ping verifies the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return s.unavailable(err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Execute runs sql with the configured timeout and row cap.
// Query errors reported by the database land in Result.ErrorMessage.
func (s *SQL) Execute(ctx context.Context, query string) (*Result, error) {
	db, err := s.conn()
	if err != nil {
		return nil, s.unavailable(err)
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(s.config.TimeoutSeconds)*time.Second)
	defer cancel()

	s.logger.DebugContext(ctx, "sql engine executing",
		slog.String("driver", s.config.Driver),
		slog.String("sql", domain.Preview(query, 200)),
	)

	rows, err := db.QueryContext(queryCtx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isConnectionError(err) {
			return nil, s.unavailable(err)
		}
		return &Result{Columns: []string{}, Rows: [][]any{}, ErrorMessage: err.Error()}, nil
	}
	defer rows.Close()

	res, err := collectRows(rows, s.config.MaxRows)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{Columns: []string{}, Rows: [][]any{}, ErrorMessage: err.Error()}, nil
	}
	return res, nil
}

// collectRows reads at most maxRows rows into a Result.
func collectRows(rows *sql.Rows, maxRows int) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting columns: %w", err)
	}

	values := make([]any, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	res := &Result{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		if len(res.Rows) >= maxRows {
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("scanning row %d: %w", len(res.Rows), err)
		}
		row := make([]any, len(cols))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return res, nil
}

// normalizeValue converts driver values into JSON-friendly ones.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

// Tables lists columns per table. Postgres and MySQL read information_schema
// filtered by schema; SQLite ignores the schema and reads PRAGMA table_info.
func (s *SQL) Tables(ctx context.Context, schema string) (map[string][]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, s.unavailable(err)
	}
	if s.config.Driver == "sqlite" {
		return sqliteTables(ctx, db)
	}

	q := "SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = $1 ORDER BY table_name, ordinal_position"
	if s.config.Driver == "mysql" {
		q = "SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = ? ORDER BY table_name, ordinal_position"
	}
	rows, err := db.QueryContext(ctx, q, schema)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			return nil, fmt.Errorf("scanning schema row: %w", err)
		}
		out[table] = append(out[table], col)
	}
	return out, rows.Err()
}

func sqliteTables(ctx context.Context, db *sql.DB) (map[string][]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make(map[string][]string, len(names))
	for _, name := range names {
		info, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
		if err != nil {
			return nil, fmt.Errorf("reading columns of %s: %w", name, err)
		}
		res, err := collectRows(info, 10000)
		info.Close()
		if err != nil {
			return nil, err
		}
		ni := columnIndex(res.Columns, "name")
		if ni < 0 {
			continue
		}
		for _, row := range res.Rows {
			out[name] = append(out[name], fmt.Sprint(row[ni]))
		}
	}
	return out, nil
}

func isConnectionError(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection")
}

func (s *SQL) unavailable(err error) error {
	return &domain.BackendError{
		Backend: s.config.Driver,
		Message: fmt.Sprintf("Base de données %s indisponible.", s.config.Driver),
		Err:     err,
	}
}
