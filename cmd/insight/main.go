// Insight: chat-driven analytics over SQL data sources.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/insight/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "insight",
	Short: "Insight: ask questions of your data in plain language.",
	Long: `Insight turns natural-language questions into validated, read-only SQL.
A team of agents explores the schema, writes and checks queries, and answers
with the evidence rows behind the answer. Conversations are served over HTTP,
Server-Sent Events, WebSocket and MCP.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML or JSON; default: environment only)")
	rootCmd.AddCommand(serveCmd, askCmd, mcpCmd, promptsCmd, indexCmd, versionCmd)
	_ = godotenv.Load()
}

// resolvedConfigPath returns the --config flag, INSIGHT_CONFIG, or the
// default path when that file exists.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("INSIGHT_CONFIG"); env != "" {
		return env
	}
	if def := config.DefaultConfigPath(); fileExists(def) {
		return def
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
