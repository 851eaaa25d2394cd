package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/insight/internal/mcpserver"
)

var mcpUser string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the analytics tools over MCP (stdio)",
	Long: `Serve ask_data, run_sql, list_tables and generate_sql as MCP tools on
stdin/stdout. Logs go to stderr. With --user, the table access list of that
configured user applies to every call.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpUser, "user", "", "configured user whose allowed_tables apply (or INSIGHT_MCP_USER env)")
}

func runMCP(_ *cobra.Command, _ []string) error {
	bootLogger := newLogger("warn", false)
	cfg, err := loadConfig(resolvedConfigPath(), bootLogger)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, false)

	sc, err := initShared(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	user := mcpUser
	if user == "" {
		user = os.Getenv("INSIGHT_MCP_USER")
	}
	srv := mcpserver.New(sc.Chat, mcpserver.Config{
		Name:          "insight",
		Version:       version,
		Caps:          cfg.Agents.MaxRequests,
		AllowedTables: cfg.UserTables(user),
	}, logger)

	logger.Info("serving MCP on stdio", slog.String("user", user))
	return srv.ServeStdio()
}
