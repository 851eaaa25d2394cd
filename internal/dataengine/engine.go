// Package dataengine executes validated SQL against the analytics backend.
//
// Two implementations exist: an HTTP client for the MindsDB SQL API and a
// database/sql engine for direct Postgres, MySQL or SQLite access. Both return
// tabular results as column names plus positional rows.
package dataengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/insight/internal/config"
)

// Result is a tabular query result.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	// ErrorMessage carries an engine-side query error (syntax, unknown table).
	// Transport failures are returned as errors instead.
	ErrorMessage string `json:"error_message,omitempty"`
}

// RowCount returns the number of rows.
func (r *Result) RowCount() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Empty reports whether the result has no usable data.
func (r *Result) Empty() bool {
	return r == nil || len(r.Columns) == 0 || len(r.Rows) == 0
}

// Engine executes SQL and lists the tables visible under a schema.
type Engine interface {
	Execute(ctx context.Context, sql string) (*Result, error)
	Tables(ctx context.Context, schema string) (map[string][]string, error)
	Name() string
}

// Pinger is implemented by engines able to report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Truncate caps the result to maxRows rows and maxCols columns in place.
// Non-positive limits are ignored.
func (r *Result) Truncate(maxRows, maxCols int) {
	if r == nil {
		return
	}
	if maxRows > 0 && len(r.Rows) > maxRows {
		r.Rows = r.Rows[:maxRows]
	}
	if maxCols > 0 && len(r.Columns) > maxCols {
		r.Columns = r.Columns[:maxCols]
		for i, row := range r.Rows {
			if len(row) > maxCols {
				r.Rows[i] = row[:maxCols]
			}
		}
	}
}

// New builds the engine selected by cfg.
func New(cfg config.DataEngineConfig, logger *slog.Logger) (Engine, error) {
	switch cfg.Driver {
	case "", "mindsdb":
		return NewMindsDB(cfg.MindsDB.BaseURL, cfg.MindsDB.Token, logger,
			WithTimeout(time.Duration(cfg.MindsDB.TimeoutSeconds)*time.Second)), nil
	case "postgres", "mysql", "sqlite":
		return NewSQL(SQLConfig{
			Driver:         cfg.Driver,
			DSN:            cfg.DSN,
			MaxRows:        cfg.MaxRows,
			TimeoutSeconds: cfg.TimeoutSeconds,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported data engine driver %q", cfg.Driver)
	}
}

type purposeKey struct{}

// WithPurpose tags ctx with the reason a statement runs (explore, answer,
// evidence, passthrough). Instrumented engines label metrics with it.
func WithPurpose(ctx context.Context, purpose string) context.Context {
	return context.WithValue(ctx, purposeKey{}, purpose)
}

// PurposeFrom returns the purpose set by WithPurpose, or "query".
func PurposeFrom(ctx context.Context) string {
	if p, ok := ctx.Value(purposeKey{}).(string); ok && p != "" {
		return p
	}
	return "query"
}
