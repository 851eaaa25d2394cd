// Package mcpserver exposes the analytics pipeline as MCP tools so that
// assistants can ask questions of the data without going through HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/chat"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/nl2sql"
)

// Tool names.
const (
	ToolAskData     = "ask_data"
	ToolRunSQL      = "run_sql"
	ToolListTables  = "list_tables"
	ToolGenerateSQL = "generate_sql"
)

// Config configures the MCP server.
type Config struct {
	Name    string
	Version string
	// Caps are the per-agent budgets allocated for every tool call.
	Caps map[string]int
	// AllowedTables restricts visible tables; nil means all.
	AllowedTables []string
}

// Server serves the analytics tools over MCP.
type Server struct {
	chat   *chat.Service
	config Config
	logger *slog.Logger
	mcp    *server.MCPServer
}

// AskResult is the structured payload returned by ask_data and run_sql.
type AskResult struct {
	Answer   string         `json:"answer"`
	SQL      []string       `json:"sql,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// New creates the MCP server and registers its tools.
func New(svc *chat.Service, cfg Config, logger *slog.Logger) *Server {
	if cfg.Name == "" {
		cfg.Name = "insight"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		chat:   svc,
		config: cfg,
		logger: logger,
		mcp:    server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, for in-process clients.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves the tools on stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio", slog.String("name", s.config.Name))
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(ToolAskData,
		mcp.WithDescription("Answer a natural-language question about the data. Runs the full multi-agent pipeline and returns the answer with the SQL it executed."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question, in natural language.")),
		mcp.WithString("exclude_tables", mcp.Description("Comma-separated tables to ignore.")),
	), s.handleAskData)

	s.mcp.AddTool(mcp.NewTool(ToolRunSQL,
		mcp.WithDescription("Execute a read-only SELECT after validation and return the result as a text table."),
		mcp.WithString("sql", mcp.Required(), mcp.Description("A single SELECT statement.")),
	), s.handleRunSQL)

	if s.chat.Agents != nil {
		s.mcp.AddTool(mcp.NewTool(ToolGenerateSQL,
			mcp.WithDescription("Generate one SELECT answering the question without executing it."),
			mcp.WithString("question", mcp.Required(), mcp.Description("The question, in natural language.")),
		), s.handleGenerateSQL)
	}

	s.mcp.AddTool(mcp.NewTool(ToolListTables,
		mcp.WithDescription("List the queryable tables and their columns."),
	), s.handleListTables)
}

func (s *Server) handleAskData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}
	metadata := map[string]any{}
	if raw := req.GetString("exclude_tables", ""); raw != "" {
		metadata["exclude_tables"] = splitList(raw)
	}
	return s.complete(ctx, ToolAskData, question, metadata, true)
}

func (s *Server) handleRunSQL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sql, err := req.RequireString("sql")
	if err != nil || strings.TrimSpace(sql) == "" {
		return mcp.NewToolResultError("sql is required"), nil
	}
	return s.complete(ctx, ToolRunSQL, "/sql "+strings.TrimSpace(sql), nil, false)
}

// complete runs one turn and collects the SQL statements it emitted.
func (s *Server) complete(ctx context.Context, tool, content string, metadata map[string]any, route bool) (*mcp.CallToolResult, error) {
	b := budget.New(s.config.Caps)
	req := &domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: content}},
		Metadata: metadata,
	}

	if route {
		d, err := s.chat.Route(ctx, b, req)
		if err != nil {
			return s.toolError(ctx, tool, err), nil
		}
		if d != nil && !d.Allow {
			return s.result(chat.Deflection(d), nil)
		}
	}

	var statements []string
	sink := func(kind string, data map[string]any) {
		if kind != "sql" {
			return
		}
		if sql, ok := data["sql"].(string); ok && sql != "" {
			statements = append(statements, sql)
		}
	}
	resp, err := s.chat.Completion(ctx, b, req, s.config.AllowedTables, sink)
	if err != nil {
		return s.toolError(ctx, tool, err), nil
	}
	s.logger.InfoContext(ctx, "mcp tool completed",
		slog.String("tool", tool),
		slog.String("provider", resp.Provider()),
		slog.Int("statements", len(statements)),
	)
	return s.result(resp, statements)
}

func (s *Server) handleGenerateSQL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}
	schema, err := s.schema(ctx)
	if err != nil {
		return s.toolError(ctx, ToolGenerateSQL, err), nil
	}
	sql, err := s.chat.Agents.Generate(ctx, budget.New(s.config.Caps), question, schema)
	if err != nil {
		return s.toolError(ctx, ToolGenerateSQL, err), nil
	}
	return mcp.NewToolResultText(sql), nil
}

func (s *Server) handleListTables(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schema, err := s.schema(ctx)
	if err != nil {
		return s.toolError(ctx, ToolListTables, err), nil
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

// schema returns the live schema narrowed to the allowed tables.
func (s *Server) schema(ctx context.Context) (nl2sql.Schema, error) {
	available, err := s.chat.Engine.Tables(ctx, s.chat.Validator.Prefix())
	if err != nil {
		return nil, err
	}
	out := make(nl2sql.Schema)
	for _, t := range chat.FilterTables(nl2sql.Schema(available).Tables(), s.config.AllowedTables, nil) {
		out[t] = available[t]
	}
	return out, nil
}

func (s *Server) result(resp *domain.ChatResponse, statements []string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(AskResult{
		Answer:   resp.Reply,
		SQL:      statements,
		Provider: resp.Provider(),
		Metadata: resp.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError reports a pipeline failure to the client as a tool error, with
// the same code the HTTP stream would use.
func (s *Server) toolError(ctx context.Context, tool string, err error) *mcp.CallToolResult {
	code := chat.ErrorCode(err)
	s.logger.WarnContext(ctx, "mcp tool failed",
		slog.String("tool", tool),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
	return mcp.NewToolResultError(code + ": " + err.Error())
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
