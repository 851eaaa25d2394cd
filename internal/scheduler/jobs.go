package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/insight/internal/retrieval"
)

// Job names.
const (
	JobReindex        = "retrieval-reindex"
	JobPruneRateLimit = "ratelimit-prune"
)

// Reindexer rebuilds the retrieval index.
type Reindexer interface {
	Reindex(ctx context.Context) ([]retrieval.TableStats, error)
}

// Pruner forgets idle rate limiter state.
type Pruner interface {
	Prune(maxIdle time.Duration) int
}

// ReindexJob rebuilds the retrieval index and logs a summary.
func ReindexJob(ix Reindexer, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		stats, err := ix.Reindex(ctx)
		indexed, failed := 0, 0
		for _, st := range stats {
			indexed += st.Indexed
			if st.Error != "" {
				failed++
			}
		}
		logger.InfoContext(ctx, "retrieval reindex summary",
			slog.Int("tables", len(stats)),
			slog.Int("failed_tables", failed),
			slog.Int("indexed", indexed),
		)
		return err
	}
}

// PruneJob drops rate limiter buckets idle for longer than maxIdle.
func PruneJob(p Pruner, maxIdle time.Duration, logger *slog.Logger) Job {
	return func(ctx context.Context) error {
		if n := p.Prune(maxIdle); n > 0 {
			logger.DebugContext(ctx, "rate limiter pruned", slog.Int("buckets", n))
		}
		return nil
	}
}
