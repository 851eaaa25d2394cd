package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/insight/internal/animator"
	"github.com/jkaninda/insight/internal/chat"
	"github.com/jkaninda/insight/internal/config"
	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/dictionary"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/llm/anthropic"
	"github.com/jkaninda/insight/internal/llm/openai"
	"github.com/jkaninda/insight/internal/nl2sql"
	"github.com/jkaninda/insight/internal/observability"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/retrieval"
	"github.com/jkaninda/insight/internal/router"
	"github.com/jkaninda/insight/internal/sqlguard"
	"github.com/jkaninda/insight/internal/storage"
	pgstore "github.com/jkaninda/insight/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/insight/internal/storage/sqlite"
)

// SharedComponents holds the subsystems every command builds from the same
// config. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs       *observability.Observability
	Provider  llm.Provider
	Embedder  llm.Embedder
	Engine    dataengine.Engine
	Prompts   *prompts.Store
	Validator *sqlguard.Validator
	Agents    *nl2sql.Service
	Router    *router.Router

	VectorStore retrieval.Store
	Indexer     *retrieval.Indexer // nil = no embeddings config.
	Chat        *chat.Service

	embeddingModel string

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger. Long-running commands log JSON.
func newLogger(level string, jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if jsonOutput {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads the config and reports its warnings.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	return cfg, nil
}

// initShared builds the pipeline. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	// Observability.
	obs, err := observability.New(cfg.Observability, observability.ResourceInfo{Version: version, Environment: cfg.Env}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", slog.String("error", err.Error()))
		}
	})

	// LLM provider and embedder.
	provider, embedder := newLLMProvider(cfg, logger)
	if obs.Instrumented() {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Provider = provider
	sc.Embedder = embedder
	logger.Debug("llm provider initialized",
		slog.String("provider", provider.Name()),
		slog.String("mode", cfg.LLM.Mode),
	)

	// Data engine.
	engine, err := dataengine.New(cfg.DataEngine, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing data engine: %w", err)
	}
	if closer, ok := engine.(io.Closer); ok {
		sc.addCleanup(func() { _ = closer.Close() })
	}
	if obs.Instrumented() {
		engine = observability.NewInstrumentedEngine(engine, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Engine = engine
	logger.Debug("data engine initialized", slog.String("engine", engine.Name()))

	// Prompts, validator and agents.
	sc.Prompts = prompts.NewStore(cfg.Prompts.Path, logger)
	if _, err := sc.Prompts.Catalog(); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("loading prompt catalog: %w", err)
	}
	sc.Validator = sqlguard.New(cfg.NL2SQL.DBPrefix)
	target := cfg.LLM.Target()
	sc.Agents = nl2sql.New(provider, sc.Prompts, sc.Validator, nl2sql.Config{
		Model:            target.Model,
		MaxTokens:        cfg.LLM.MaxTokens,
		OutputMaxColumns: cfg.NL2SQL.OutputMaxColumns,
	}, logger)
	sc.Router = router.New(router.Config{
		Mode:  cfg.Router.Mode,
		Model: cfg.Router.Model,
	}, provider, sc.Prompts, logger)

	// Retrieval.
	var retrievalAgent *retrieval.Agent
	if err := sc.initRetrieval(ctx); err != nil {
		sc.Cleanup()
		return nil, err
	}
	if sc.Indexer != nil {
		model := cfg.Retrieval.Model
		if model == "" {
			model = target.Model
		}
		svc := retrieval.NewService(embedder, sc.VectorStore, sc.embeddingModel, logger)
		retrievalAgent = retrieval.NewAgent(svc, provider, sc.Prompts, retrieval.AgentConfig{
			Model:       model,
			Temperature: cfg.Retrieval.TemperatureValue(),
			MaxTokens:   cfg.Retrieval.MaxTokens,
			TopN:        cfg.Retrieval.TopN,
		}, logger)
	}

	var anim *animator.Animator
	if cfg.Animation == chat.AnimationOn {
		anim = animator.New(provider, sc.Prompts, target.Model, logger)
	}

	var observer chat.Observer
	if obs != nil {
		observer = obs
	}

	sc.Chat = chat.New(chat.Deps{
		Engine:     engine,
		Agents:     sc.Agents,
		Validator:  sc.Validator,
		Provider:   provider,
		Prompts:    sc.Prompts,
		Router:     sc.Router,
		Retrieval:  retrievalAgent,
		Dictionary: dictionary.NewRepository(cfg.Dictionary.Dir, logger),
		Animator:   anim,
		Observer:   observer,
	}, chat.Options{
		MinRows:              cfg.NL2SQL.MinRows(),
		ExploreMaxSteps:      cfg.NL2SQL.ExploreMaxSteps,
		AxesMaxItems:         cfg.NL2SQL.AxesMaxItems,
		EvidenceLimit:        cfg.NL2SQL.EvidenceLimit,
		OutputMaxRows:        cfg.NL2SQL.OutputMaxRows,
		OutputMaxColumns:     cfg.NL2SQL.OutputMaxColumns,
		DictionaryMaxChars:   cfg.Dictionary.MaxChars,
		InjectAnalystPreview: cfg.Retrieval.InjectAnalystPreview(),
		Animation:            cfg.Animation,
		Target:               llm.Target{Mode: target.Mode, BaseURL: target.BaseURL, Model: target.Model},
	}, logger)

	logger.Debug("chat pipeline initialized",
		slog.String("router", sc.Router.Mode()),
		slog.String("animation", cfg.Animation),
		slog.Bool("retrieval", retrievalAgent != nil),
	)
	return sc, nil
}

// initRetrieval opens the vector store and the indexer when an embeddings
// config is present.
func (sc *SharedComponents) initRetrieval(ctx context.Context) error {
	cfg := sc.Config
	embTarget := cfg.Embedding.Target(&cfg.LLM)
	tables, err := retrieval.LoadEmbeddingsConfig(cfg.Retrieval.EmbeddingsConfigPath, retrieval.ModelSettings{
		Mode:       embTarget.Mode,
		Model:      cfg.Embedding.Model,
		LocalModel: cfg.Embedding.LocalModel,
		LLMModel:   cfg.LLM.Model,
		BatchSize:  cfg.Retrieval.BatchSize,
	}, sc.Logger)
	if err != nil {
		return fmt.Errorf("loading embeddings config: %w", err)
	}
	if tables == nil {
		return nil
	}

	switch driver := cfg.Retrieval.Store.StoreDriver(); driver {
	case "memory":
		sc.VectorStore = retrieval.NewMemoryStore()
	case "pgvector":
		pg, err := retrieval.OpenPgvectorStore(ctx, cfg.Retrieval.Store.DSN, cfg.Retrieval.Store.Table, cfg.Retrieval.Store.Dimensions)
		if err != nil {
			return fmt.Errorf("opening vector store: %w", err)
		}
		sc.addCleanup(func() { _ = pg.Close() })
		sc.VectorStore = pg
	default:
		return fmt.Errorf("unknown vector store driver: %q", driver)
	}

	sc.Indexer = retrieval.NewIndexer(sc.Engine, sc.Embedder, sc.VectorStore, tables, retrieval.IndexerConfig{
		Prefix:     cfg.NL2SQL.DBPrefix,
		RowCap:     cfg.Retrieval.TableRowCap,
		MaxColumns: cfg.Retrieval.MaxColumns,
	}, sc.Logger)
	sc.embeddingModel = tables.DefaultModel
	sc.Logger.Debug("retrieval index configured",
		slog.String("store", sc.VectorStore.Kind()),
		slog.Int("tables", len(tables.Tables)),
	)
	return nil
}

// newLLMProvider builds the chat provider of the configured mode and the
// embedder of the embedding mode. In API mode with fallback_to_local the
// provider retries on the local server. Embeddings always use the
// OpenAI-compatible format.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, llm.Embedder) {
	target := cfg.LLM.Target()

	var primary llm.Provider
	if target.Mode == "api" && cfg.LLM.APIFormat == "anthropic" {
		primary = anthropic.NewClient(target.APIKey, target.Model, logger,
			anthropic.WithBaseURL(target.BaseURL),
			anthropic.WithTimeout(cfg.LLM.Timeout()),
		)
	} else {
		primary = newOpenAIClient(cfg, target, logger)
	}

	provider := primary
	if cfg.LLM.Mode == "api" && cfg.LLM.FallbackToLocal {
		provider = llm.NewFallbackProvider([]llm.Provider{
			primary,
			newOpenAIClient(cfg, cfg.LLM.LocalTarget(), logger),
		}, logger)
	}

	embTarget := cfg.Embedding.Target(&cfg.LLM)
	if oc, ok := primary.(*openai.Client); ok && strings.TrimRight(embTarget.BaseURL, "/") == oc.BaseURL() {
		return provider, oc
	}
	return provider, newOpenAIClient(cfg, embTarget, logger)
}

func newOpenAIClient(cfg *config.Config, t config.LLMTarget, logger *slog.Logger) *openai.Client {
	name := "vllm-local"
	if t.Mode == "api" {
		name = "openai-api"
	}
	return openai.NewClient(t.APIKey, t.Model, logger,
		openai.WithBaseURL(t.BaseURL),
		openai.WithName(name),
		openai.WithTimeout(cfg.LLM.Timeout()),
		openai.WithInsecureSkipVerify(!cfg.LLM.VerifyTLS()),
	)
}

// initStore creates the conversation store from config and migrates it.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch driver := cfg.StorageDriverName(); driver {
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		store, err = sqlitestore.Open(sqliteConfig(cfg), logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return store, nil
}

func sqliteConfig(cfg *config.Config) sqlitestore.Config {
	out := sqlitestore.Config{Path: cfg.DatabasePath(), JournalMode: "wal"}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		out.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return out
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var pgCfg pgstore.Config
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		p := cfg.Storage.Postgres
		pgCfg = pgstore.Config{
			DSN:             p.DSN,
			MaxOpenConns:    p.MaxOpenConns,
			MaxIdleConns:    p.MaxIdleConns,
			ConnMaxLifetime: time.Duration(p.ConnMaxLifetimeS) * time.Second,
		}
	}
	if pgCfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or DATABASE_URL)")
	}
	store, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return store, nil
}
