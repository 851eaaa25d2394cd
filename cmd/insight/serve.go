package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/insight/internal/config"
	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/gateway"
	"github.com/jkaninda/insight/internal/gateway/httpapi"
	"github.com/jkaninda/insight/internal/gateway/ws"
	"github.com/jkaninda/insight/internal/observability"
	"github.com/jkaninda/insight/internal/ratelimit"
	"github.com/jkaninda/insight/internal/scheduler"
	"github.com/jkaninda/insight/internal/storage"
)

const (
	wsPath            = "/v1/chat/ws"
	pruneSchedule     = "@every 10m"
	rateLimitMaxIdle  = 30 * time.Minute
	shutdownDeadline  = 10 * time.Second
	initialIndexDelay = 2 * time.Second
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP, SSE and WebSocket chat server",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so `insight --port` and
	// `insight serve --port` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the chat gateway and the periodic jobs.
func runServe(_ *cobra.Command, _ []string) error {
	bootLogger := newLogger("info", true)
	path := resolvedConfigPath()

	cfg, err := loadConfig(path, bootLogger)
	if err != nil {
		return err
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &config.HTTPGatewayConfig{}
	}
	if addr := goutils.Env("INSIGHT_PORT", servePort); addr != "" {
		cfg.HTTP.ListenAddr = addr
	}

	logger := newLogger(cfg.LogLevel, true)
	logger.Info("starting insight",
		slog.String("config", path),
		slog.String("env", cfg.Env),
		slog.String("llm_mode", cfg.LLM.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	store, err := initStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeyUserMapping,
		MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
	}
	gwCfg.HealthChecker = readinessChecks(sc, store, logger)
	if obs := sc.Obs; obs != nil {
		if obs.Metrics != nil {
			gwCfg.Metrics = obs.Metrics
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			if m := cfg.Observability.Metrics; m != nil {
				gwCfg.MetricsPath = m.Path
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
	}

	sessions := &gateway.Sessions{
		Chat:   sc.Chat,
		Store:  store.Conversations(),
		Caps:   cfg.Agents.MaxRequests,
		Users:  cfg.HTTP.Users,
		Logger: logger,
	}
	rl := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.HTTP.RateLimit.BurstSize,
	})

	gw := httpapi.NewGateway(gwCfg, sessions, rl, logger).WithPrompts(sc.Prompts)
	if cfg.HTTP.WebSocket {
		gw.WithHandler(wsPath, ws.NewServer(sessions, gw.Authenticate, rl, logger).Handler())
		logger.Debug("websocket chat enabled", slog.String("path", wsPath))
	}

	stopJobs, err := startJobs(ctx, sc, rl)
	if err != nil {
		return err
	}
	defer stopJobs()

	return gateway.Run(ctx, logger, shutdownDeadline, gw)
}

// readinessChecks registers the /readyz probes. The conversation store is
// always required; the data engine is required unless configured otherwise
// and the vector store only degrades readiness.
func readinessChecks(sc *SharedComponents, store storage.Store, logger *slog.Logger) *observability.HealthChecker {
	var h *observability.HealthChecker
	if sc.Obs != nil && sc.Obs.Health != nil {
		h = sc.Obs.Health
		h.ReportAnomalies(sc.Obs.Anomaly)
	} else {
		h = observability.NewHealthChecker(logger)
	}

	var hc config.HealthConfig
	if o := sc.Config.Observability; o != nil && o.Health != nil {
		hc = *o.Health
	}
	h.SetTimeout(time.Duration(hc.TimeoutSeconds) * time.Second)

	h.AddCheck("storage", store.Ping)
	if p, ok := sc.Engine.(dataengine.Pinger); ok {
		if hc.DataEngineOptional {
			h.AddOptionalCheck("data_engine", p.Ping)
		} else {
			h.AddCheck("data_engine", p.Ping)
		}
	}
	if p, ok := sc.VectorStore.(dataengine.Pinger); ok {
		h.AddOptionalCheck("vector_store", p.Ping)
	}
	return h
}

// startJobs registers the periodic jobs and starts the scheduler. The
// in-memory vector store is empty at boot, so it is indexed once in the
// background regardless of the scheduler setting.
func startJobs(ctx context.Context, sc *SharedComponents, rl *ratelimit.Limiter) (func(), error) {
	cfg, logger := sc.Config, sc.Logger

	var metrics *scheduler.Metrics
	if sc.Obs != nil && sc.Obs.Metrics != nil {
		metrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
	}
	sched := scheduler.New(metrics, logger)

	if rl.Enabled() {
		if err := sched.Add(scheduler.JobPruneRateLimit, pruneSchedule, scheduler.PruneJob(rl, rateLimitMaxIdle, logger)); err != nil {
			return nil, err
		}
	}

	if sc.Indexer != nil {
		reindex := scheduler.ReindexJob(sc.Indexer, logger)
		if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
			if err := sched.Add(scheduler.JobReindex, cfg.Scheduler.Schedule(), reindex); err != nil {
				return nil, fmt.Errorf("scheduling reindex: %w", err)
			}
		}
		if sc.VectorStore.Kind() == "memory" {
			go func() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(initialIndexDelay):
				}
				if err := sched.RunNow(ctx, scheduler.JobReindex, reindex); err != nil {
					logger.Warn("initial retrieval index incomplete", slog.String("error", err.Error()))
				}
			}()
		}
	}

	if len(sched.Jobs()) == 0 {
		return func() {}, nil
	}
	stopSched := sched.Start(ctx)
	for _, name := range sched.Jobs() {
		if next, ok := sched.NextRun(name); ok {
			logger.Debug("job scheduled", slog.String("job", name), slog.Time("next_run", next))
		}
	}
	return stopSched, nil
}
