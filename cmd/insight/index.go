package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the retrieval index once and print per-table stats",
	Long: `Embed the rows of every table listed in the embeddings config and
upsert them into the vector store. Rows whose content is unchanged are
reused. Meaningful with a persistent store (pgvector); the in-memory store
is discarded when the command exits.`,
	RunE: runIndex,
}

func runIndex(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(resolvedConfigPath(), newLogger("info", false))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if sc.Indexer == nil {
		return errors.New("no embeddings config: set retrieval.embeddings_config_path")
	}
	if sc.VectorStore.Kind() == "memory" {
		logger.Warn("indexing into the in-memory store; results are not kept after exit")
	}

	stats, runErr := sc.Indexer.Reindex(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	if runErr != nil {
		logger.Error("reindex incomplete", slog.String("error", runErr.Error()))
		return runErr
	}
	return nil
}
