package dataengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/insight/internal/domain"
)

const (
	mindsDBQueryPath      = "/sql/query"
	defaultMindsDBTimeout = 120 * time.Second
)

// MindsDB executes SQL through the MindsDB HTTP API.
type MindsDB struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// MindsDBOption configures a MindsDB client.
type MindsDBOption func(*MindsDB)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) MindsDBOption {
	return func(m *MindsDB) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMindsDBHTTPClient replaces the HTTP client.
func WithMindsDBHTTPClient(c *http.Client) MindsDBOption {
	return func(m *MindsDB) { m.httpClient = c }
}

// NewMindsDB creates a MindsDB client. The token is sent as a bearer token when set.
func NewMindsDB(baseURL, token string, logger *slog.Logger, opts ...MindsDBOption) *MindsDB {
	m := &MindsDB{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: defaultMindsDBTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: m.timeout}
	}
	return m
}

// Name returns "mindsdb".
func (m *MindsDB) Name() string { return "mindsdb" }

type mindsDBRequest struct {
	Query string `json:"query"`
}

type mindsDBResponse struct {
	Type         string            `json:"type"`
	ColumnNames  []string          `json:"column_names"`
	Data         []json.RawMessage `json:"data"`
	ErrorMessage string            `json:"error_message"`
}

// Execute posts sql to /sql/query and normalizes the table payload.
func (m *MindsDB) Execute(ctx context.Context, sql string) (*Result, error) {
	body, err := json.Marshal(mindsDBRequest{Query: sql})
	if err != nil {
		return nil, fmt.Errorf("marshaling query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+mindsDBQueryPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, m.backendError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, m.backendError(err)
	}
	if resp.StatusCode >= 500 {
		return nil, &domain.BackendError{
			Backend: "mindsdb",
			Message: fmt.Sprintf("MindsDB a retourné un statut %d.", resp.StatusCode),
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
		}
	}

	var payload mindsDBResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &domain.BackendError{
			Backend: "mindsdb",
			Message: "Réponse MindsDB invalide (JSON illisible).",
			Err:     err,
		}
	}

	if payload.Type == "error" || (resp.StatusCode >= 400 && payload.ErrorMessage != "") {
		msg := payload.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("statut %d", resp.StatusCode)
		}
		m.logger.WarnContext(ctx, "mindsdb query error",
			slog.String("error", msg),
			slog.String("sql", domain.Preview(sql, 200)),
		)
		return &Result{Columns: []string{}, Rows: [][]any{}, ErrorMessage: msg}, nil
	}

	result := &Result{Columns: payload.ColumnNames, Rows: make([][]any, 0, len(payload.Data))}
	if result.Columns == nil {
		result.Columns = []string{}
	}
	for _, rawRow := range payload.Data {
		row, err := decodeRow(rawRow, result.Columns)
		if err != nil {
			return nil, &domain.BackendError{
				Backend: "mindsdb",
				Message: "Réponse MindsDB invalide (ligne illisible).",
				Err:     err,
			}
		}
		result.Rows = append(result.Rows, row)
	}
	return result, nil
}

// decodeRow accepts positional rows and keyed rows, returning values in column order.
func decodeRow(raw json.RawMessage, columns []string) ([]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]any
		if err := decodeNumber(trimmed, &obj); err != nil {
			return nil, err
		}
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = obj[c]
		}
		return row, nil
	}
	var row []any
	if err := decodeNumber(trimmed, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func decodeNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Tables lists columns per table from information_schema for the given schema.
func (m *MindsDB) Tables(ctx context.Context, schema string) (map[string][]string, error) {
	q := fmt.Sprintf(
		"SELECT table_name, column_name FROM information_schema.columns WHERE table_schema = '%s' ORDER BY table_name, ordinal_position",
		strings.ReplaceAll(schema, "'", "''"),
	)
	res, err := m.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	if res.ErrorMessage != "" {
		return nil, fmt.Errorf("listing tables: %s", res.ErrorMessage)
	}
	return groupColumns(res), nil
}

// Ping runs a trivial query.
func (m *MindsDB) Ping(ctx context.Context) error {
	res, err := m.Execute(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	if res.ErrorMessage != "" {
		return errors.New(res.ErrorMessage)
	}
	return nil
}

// groupColumns folds (table, column) rows into a map, preserving column order.
func groupColumns(res *Result) map[string][]string {
	out := make(map[string][]string)
	ti, ci := columnIndex(res.Columns, "table_name"), columnIndex(res.Columns, "column_name")
	if ti < 0 || ci < 0 {
		ti, ci = 0, 1
	}
	for _, row := range res.Rows {
		if len(row) <= ti || len(row) <= ci {
			continue
		}
		table, col := fmt.Sprint(row[ti]), fmt.Sprint(row[ci])
		out[table] = append(out[table], col)
	}
	return out
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

func (m *MindsDB) backendError(err error) error {
	var opErr *net.OpError
	var netErr net.Error
	if errors.As(err, &opErr) || (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.BackendError{
			Backend: "mindsdb",
			Message: fmt.Sprintf("Impossible de joindre MindsDB (%s). Vérifiez que le service est démarré.", m.baseURL),
			Err:     err,
		}
	}
	return &domain.BackendError{Backend: "mindsdb", Message: "Erreur lors de l'appel à MindsDB.", Err: err}
}
