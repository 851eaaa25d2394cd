// Package config handles loading and validating Insight configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Insight.
type Config struct {
	Env        string           `json:"env" yaml:"env"`             // "development" (default), "staging", "production". Override: ENV.
	LogLevel   string           `json:"log_level" yaml:"log_level"` // debug|info|warn|error. Override: LOG_LEVEL.
	Animation  string           `json:"animation" yaml:"animation"` // sql (default) | true | false. Override: ANIMATION.
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding"`
	Router     RouterConfig     `json:"router" yaml:"router"`
	Agents     AgentsConfig     `json:"agents" yaml:"agents"`
	NL2SQL     NL2SQLConfig     `json:"nl2sql" yaml:"nl2sql"`
	Retrieval  RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	DataEngine DataEngineConfig `json:"data_engine" yaml:"data_engine"`
	Dictionary DictionaryConfig `json:"dictionary" yaml:"dictionary"`
	Prompts    PromptsConfig    `json:"prompts" yaml:"prompts"`

	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default
	HTTP          *HTTPGatewayConfig   `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = HTTP gateway with defaults
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = no periodic jobs

	warnings []string
}

// LLMConfig selects the chat-completion backend used by every agent.
type LLMConfig struct {
	Mode            string `json:"mode" yaml:"mode"`                           // "local" (vLLM, default) or "api". Override: LLM_MODE.
	BaseURL         string `json:"base_url" yaml:"base_url"`                   // API mode endpoint. Override: OPENAI_BASE_URL.
	APIFormat       string `json:"api_format" yaml:"api_format"`               // API mode wire format: "openai" (default) or "anthropic". Override: LLM_API_FORMAT.
	APIKey          string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: OPENAI_API_KEY.
	Model           string `json:"model" yaml:"model"`                         // API mode model. Override: LLM_MODEL.
	LocalBaseURL    string `json:"local_base_url" yaml:"local_base_url"`       // Default: http://localhost:8000/v1. Override: VLLM_BASE_URL.
	LocalModel      string `json:"local_model" yaml:"local_model"`             // Default: GLM-4.5-Air. Override: Z_LOCAL_MODEL.
	VerifySSL       *bool  `json:"verify_ssl,omitempty" yaml:"verify_ssl,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`     // Default: 90. Override: OPENAI_TIMEOUT_S.
	MaxTokens       int    `json:"max_tokens" yaml:"max_tokens"`               // Default: 1024. Override: LLM_MAX_TOKENS.
	FallbackToLocal bool   `json:"fallback_to_local" yaml:"fallback_to_local"` // API mode only: retry on vLLM when the API is unavailable.
}

// LLMTarget is a resolved endpoint for one mode.
type LLMTarget struct {
	Mode    string
	BaseURL string
	Model   string
	APIKey  string
}

// Target resolves the endpoint and model of the configured mode.
func (l *LLMConfig) Target() LLMTarget {
	if l.Mode == "api" {
		return LLMTarget{Mode: "api", BaseURL: l.BaseURL, Model: l.Model, APIKey: l.APIKey}
	}
	return l.LocalTarget()
}

// LocalTarget returns the vLLM endpoint regardless of mode.
func (l *LLMConfig) LocalTarget() LLMTarget {
	return LLMTarget{Mode: "local", BaseURL: l.LocalBaseURL, Model: l.LocalModel}
}

// Timeout returns the request-level timeout.
func (l *LLMConfig) Timeout() time.Duration {
	if l.TimeoutSeconds > 0 {
		return time.Duration(l.TimeoutSeconds) * time.Second
	}
	return 90 * time.Second
}

// VerifyTLS reports whether TLS certificates are checked. Default: true.
func (l *LLMConfig) VerifyTLS() bool {
	return l.VerifySSL == nil || *l.VerifySSL
}

// EmbeddingConfig selects the embedding backend used by the retrieval index.
type EmbeddingConfig struct {
	Mode       string `json:"mode" yaml:"mode"`               // "api" (default) or "local". Override: EMBEDDING_MODE.
	Model      string `json:"model" yaml:"model"`             // API mode model. Override: EMBEDDING_MODEL.
	LocalModel string `json:"local_model" yaml:"local_model"` // Default: sentence-transformers/all-MiniLM-L6-v2. Override: EMBEDDING_LOCAL_MODEL.
}

// Target resolves the embedding endpoint. Local mode uses the vLLM server.
func (e *EmbeddingConfig) Target(llm *LLMConfig) LLMTarget {
	if e.Mode == "local" {
		return LLMTarget{Mode: "local", BaseURL: llm.LocalBaseURL, Model: e.LocalModel}
	}
	return LLMTarget{Mode: "api", BaseURL: llm.BaseURL, Model: e.Model, APIKey: llm.APIKey}
}

// RouterConfig configures the pre-filter deciding whether a message enters the data pipeline.
type RouterConfig struct {
	Mode  string `json:"mode" yaml:"mode"`   // rule (default) | local | api | false. Override: ROUTER_MODE.
	Model string `json:"model" yaml:"model"` // LLM modes only. Override: ROUTER_MODEL.
}

// AgentsConfig holds per-request call caps by agent name.
type AgentsConfig struct {
	MaxRequests map[string]int `json:"max_requests" yaml:"max_requests"` // Override: AGENT_MAX_REQUESTS (JSON object).
}

// NL2SQLConfig tunes the multi-agent SQL pipeline.
type NL2SQLConfig struct {
	DBPrefix            string `json:"db_prefix" yaml:"db_prefix"`                                             // Default: "files". Override: NL2SQL_DB_PREFIX.
	SatisfactionMinRows *int   `json:"satisfaction_min_rows,omitempty" yaml:"satisfaction_min_rows,omitempty"` // Default: 1. Override: NL2SQL_SATISFACTION_MIN_ROWS.
	ExploreMaxSteps     int    `json:"explore_max_steps" yaml:"explore_max_steps"`                             // Default: 3.
	AxesMaxItems        int    `json:"axes_max_items" yaml:"axes_max_items"`                                   // Default: 3.
	EvidenceLimit       int    `json:"evidence_limit" yaml:"evidence_limit"`                                   // Default: 100. Override: EVIDENCE_LIMIT_DEFAULT.
	OutputMaxRows       int    `json:"output_max_rows" yaml:"output_max_rows"`                                 // Default: 200. Override: AGENT_OUTPUT_MAX_ROWS.
	OutputMaxColumns    int    `json:"output_max_columns" yaml:"output_max_columns"`                           // Default: 20. Override: AGENT_OUTPUT_MAX_COLUMNS.
}

// MinRows returns the satisfaction threshold.
func (n *NL2SQLConfig) MinRows() int {
	if n.SatisfactionMinRows != nil {
		return *n.SatisfactionMinRows
	}
	return 1
}

// RetrievalConfig configures the retrieval agent and its vector index.
type RetrievalConfig struct {
	Model                string             `json:"model" yaml:"model"`                                       // Default: the LLM target model. Override: RETRIEVAL_MODEL.
	Temperature          *float64           `json:"temperature,omitempty" yaml:"temperature,omitempty"`       // Default: 0.2. Override: RETRIEVAL_TEMPERATURE.
	MaxTokens            int                `json:"max_tokens" yaml:"max_tokens"`                             // Default: 220. Override: RETRIEVAL_MAX_TOKENS.
	InjectAnalyst        *bool              `json:"inject_analyst,omitempty" yaml:"inject_analyst,omitempty"` // Default: true. Override: RETRIEVAL_INJECT_ANALYST.
	TopN                 int                `json:"top_n" yaml:"top_n"`                                       // Default: 3. Override: RAG_TOP_N.
	TableRowCap          int                `json:"table_row_cap" yaml:"table_row_cap"`                       // Default: 500. Override: RAG_TABLE_ROW_CAP.
	MaxColumns           int                `json:"max_columns" yaml:"max_columns"`                           // Default: 6. Override: RAG_MAX_COLUMNS.
	EmbeddingsConfigPath string             `json:"embeddings_config_path" yaml:"embeddings_config_path"`     // Override: MINDSDB_EMBEDDINGS_CONFIG_PATH.
	BatchSize            int                `json:"batch_size" yaml:"batch_size"`                             // Default: 16. Override: MINDSDB_EMBEDDING_BATCH_SIZE.
	Store                *VectorStoreConfig `json:"store,omitempty" yaml:"store,omitempty"`                   // nil = in-memory store
}

// TemperatureValue returns the synthesis temperature.
func (r *RetrievalConfig) TemperatureValue() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return 0.2
}

// InjectAnalystPreview reports whether the analyst preview seeds the retrieval query.
func (r *RetrievalConfig) InjectAnalystPreview() bool {
	return r.InjectAnalyst == nil || *r.InjectAnalyst
}

// VectorStoreConfig selects where row embeddings live.
type VectorStoreConfig struct {
	Driver     string `json:"driver" yaml:"driver"`         // "memory" (default) or "pgvector".
	DSN        string `json:"dsn" yaml:"dsn"`               // pgvector only. Override: INSIGHT_VECTOR_DSN.
	Table      string `json:"table" yaml:"table"`           // Default: "insight_embeddings".
	Dimensions int    `json:"dimensions" yaml:"dimensions"` // Default: 384.
}

// StoreDriver returns the configured driver, defaulting to "memory".
func (v *VectorStoreConfig) StoreDriver() string {
	if v != nil && v.Driver != "" {
		return v.Driver
	}
	return "memory"
}

// DataEngineConfig selects the engine executing validated SQL.
type DataEngineConfig struct {
	Driver         string        `json:"driver" yaml:"driver"` // mindsdb (default) | postgres | mysql | sqlite. Override: INSIGHT_DATA_ENGINE.
	MindsDB        MindsDBConfig `json:"mindsdb" yaml:"mindsdb"`
	DSN            string        `json:"dsn" yaml:"dsn"`                         // SQL drivers only. Override: INSIGHT_DATA_DSN.
	MaxRows        int           `json:"max_rows" yaml:"max_rows"`               // SQL drivers only. Default: 1000.
	TimeoutSeconds int           `json:"timeout_seconds" yaml:"timeout_seconds"` // SQL drivers only. Default: 30.
}

// MindsDBConfig configures the MindsDB HTTP API.
type MindsDBConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`               // Default: http://127.0.0.1:47334/api. Override: MINDSDB_BASE_URL.
	Token          string `json:"token,omitempty" yaml:"token,omitempty"` // Override: MINDSDB_TOKEN.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 120. Override: MINDSDB_TIMEOUT_S.
}

// DictionaryConfig points at the per-table data dictionary.
type DictionaryConfig struct {
	Dir      string `json:"dir" yaml:"dir"`             // Default: ../data/dictionary. Override: DATA_DICTIONARY_DIR.
	MaxChars int    `json:"max_chars" yaml:"max_chars"` // Default: 6000. Override: DATA_DICTIONARY_MAX_CHARS.
}

// PromptsConfig locates the editable prompt catalog.
type PromptsConfig struct {
	Path string `json:"path" yaml:"path"` // Empty = embedded defaults only. Override: PROMPTS_PATH.
}

// StorageConfig configures conversation persistence.
// When nil, defaults to SQLite under ./data.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres". Override: INSIGHT_STORAGE_DRIVER.
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: ./data/insight.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: DATABASE_URL.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	EnableDocs          bool                  `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string                `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080". Override: INSIGHT_LISTEN_ADDR.
	MaxRequestSizeBytes int64                 `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string     `json:"api_key_user_mapping" yaml:"api_key_user_mapping"` // API key → user ID. Override: INSIGHT_API_KEYS ("key:user,...").
	Users               map[string]UserConfig `json:"users,omitempty" yaml:"users,omitempty"`           // Per-user access control.
	RateLimit           RateLimitConfig       `json:"rate_limit" yaml:"rate_limit"`
	WebSocket           bool                  `json:"websocket" yaml:"websocket"` // Serve /v1/chat/ws.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// UserConfig carries the table allow-list of a user. Nil AllowedTables = all tables.
type UserConfig struct {
	AllowedTables []string `json:"allowed_tables,omitempty" yaml:"allowed_tables,omitempty"`
	Admin         bool     `json:"admin" yaml:"admin"` // may edit prompts
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "insight"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency checks for the readiness probe.
type HealthConfig struct {
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"` // Per readiness probe. Default: 3
	// DataEngineOptional reports an unreachable data engine as degraded
	// instead of unavailable.
	DataEngineOptional bool `json:"data_engine_optional" yaml:"data_engine_optional"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Default: 5
	// BudgetRejections flags an agent whose per-request cap was hit this
	// many times within the window. 0 disables the check.
	BudgetRejections int `json:"budget_rejections" yaml:"budget_rejections"`
}

// SchedulerConfig configures periodic jobs.
type SchedulerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	ReindexSchedule string `json:"reindex_schedule" yaml:"reindex_schedule"` // 5-field cron expression. Default: "0 3 * * *".
}

// Schedule returns the reindex cron expression.
func (s *SchedulerConfig) Schedule() string {
	if s != nil && s.ReindexSchedule != "" {
		return s.ReindexSchedule
	}
	return "0 3 * * *"
}

// DefaultConfigPath returns the default config file path (~/.insight/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/insight.yaml"
	}
	return filepath.Join(home, ".insight", "config.yaml")
}

var deprecatedEnv = []string{
	"NL2SQL_ENABLED",
	"NL2SQL_INCLUDE_SAMPLES",
	"NL2SQL_SAMPLES_PATH",
	"NL2SQL_PLAN_MODE",
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// An empty path skips the file and builds the config from defaults and environment.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	cfg.applyDefaults()

	for _, key := range deprecatedEnv {
		if _, ok := os.LookupEnv(key); ok {
			cfg.warnings = append(cfg.warnings, "deprecated environment variable ignored: "+key)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a config built from defaults only, without reading the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Warnings returns non-fatal issues found while loading.
func (c *Config) Warnings() []string { return c.warnings }

// IsDevelopment reports whether insecure defaults are tolerated.
func (c *Config) IsDevelopment() bool {
	return isDevEnv(c.Env)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "dev", "development", "local":
		return true
	}
	return false
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join("data", "insight.db")
}

// UserTables returns the table allow-list of a user; nil means unrestricted.
func (c *Config) UserTables(userID string) []string {
	if c.HTTP == nil {
		return nil
	}
	if u, ok := c.HTTP.Users[userID]; ok {
		return u.AllowedTables
	}
	return nil
}

// IsAdmin reports whether a user may edit prompts.
func (c *Config) IsAdmin(userID string) bool {
	if c.HTTP == nil {
		return false
	}
	return c.HTTP.Users[userID].Admin
}

// applyEnv copies every supported environment variable onto c.
func (c *Config) applyEnv() error {
	e := &envReader{}

	e.str("ENV", &c.Env)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("ANIMATION", &c.Animation)

	e.str("LLM_MODE", &c.LLM.Mode)
	e.str("OPENAI_BASE_URL", &c.LLM.BaseURL)
	e.str("LLM_API_FORMAT", &c.LLM.APIFormat)
	e.str("OPENAI_API_KEY", &c.LLM.APIKey)
	e.str("LLM_MODEL", &c.LLM.Model)
	e.str("VLLM_BASE_URL", &c.LLM.LocalBaseURL)
	e.str("Z_LOCAL_MODEL", &c.LLM.LocalModel)
	e.boolPtr("LLM_VERIFY_SSL", &c.LLM.VerifySSL)
	e.integer("OPENAI_TIMEOUT_S", &c.LLM.TimeoutSeconds)
	e.integer("LLM_MAX_TOKENS", &c.LLM.MaxTokens)

	e.str("EMBEDDING_MODE", &c.Embedding.Mode)
	e.str("EMBEDDING_MODEL", &c.Embedding.Model)
	e.str("EMBEDDING_LOCAL_MODEL", &c.Embedding.LocalModel)

	e.str("ROUTER_MODE", &c.Router.Mode)
	e.str("ROUTER_MODEL", &c.Router.Model)

	e.str("NL2SQL_DB_PREFIX", &c.NL2SQL.DBPrefix)
	e.intPtr("NL2SQL_SATISFACTION_MIN_ROWS", &c.NL2SQL.SatisfactionMinRows)
	e.integer("EVIDENCE_LIMIT_DEFAULT", &c.NL2SQL.EvidenceLimit)
	e.integer("AGENT_OUTPUT_MAX_ROWS", &c.NL2SQL.OutputMaxRows)
	e.integer("AGENT_OUTPUT_MAX_COLUMNS", &c.NL2SQL.OutputMaxColumns)

	e.str("RETRIEVAL_MODEL", &c.Retrieval.Model)
	e.floatPtr("RETRIEVAL_TEMPERATURE", &c.Retrieval.Temperature)
	e.integer("RETRIEVAL_MAX_TOKENS", &c.Retrieval.MaxTokens)
	e.boolPtr("RETRIEVAL_INJECT_ANALYST", &c.Retrieval.InjectAnalyst)
	e.integer("RAG_TOP_N", &c.Retrieval.TopN)
	e.integer("RAG_TABLE_ROW_CAP", &c.Retrieval.TableRowCap)
	e.integer("RAG_MAX_COLUMNS", &c.Retrieval.MaxColumns)
	e.str("MINDSDB_EMBEDDINGS_CONFIG_PATH", &c.Retrieval.EmbeddingsConfigPath)
	e.integer("MINDSDB_EMBEDDING_BATCH_SIZE", &c.Retrieval.BatchSize)
	if dsn := os.Getenv("INSIGHT_VECTOR_DSN"); dsn != "" {
		if c.Retrieval.Store == nil {
			c.Retrieval.Store = &VectorStoreConfig{Driver: "pgvector"}
		}
		c.Retrieval.Store.DSN = dsn
	}

	e.str("INSIGHT_DATA_ENGINE", &c.DataEngine.Driver)
	e.str("INSIGHT_DATA_DSN", &c.DataEngine.DSN)
	e.str("MINDSDB_BASE_URL", &c.DataEngine.MindsDB.BaseURL)
	e.str("MINDSDB_TOKEN", &c.DataEngine.MindsDB.Token)
	e.integer("MINDSDB_TIMEOUT_S", &c.DataEngine.MindsDB.TimeoutSeconds)

	e.str("DATA_DICTIONARY_DIR", &c.Dictionary.Dir)
	e.integer("DATA_DICTIONARY_MAX_CHARS", &c.Dictionary.MaxChars)
	e.str("PROMPTS_PATH", &c.Prompts.Path)

	if driver := os.Getenv("INSIGHT_STORAGE_DRIVER"); driver != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		c.Storage.Driver = driver
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}

	if addr := os.Getenv("INSIGHT_LISTEN_ADDR"); addr != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPGatewayConfig{}
		}
		c.HTTP.ListenAddr = addr
	}
	if keys := os.Getenv("INSIGHT_API_KEYS"); keys != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPGatewayConfig{}
		}
		if c.HTTP.APIKeyUserMapping == nil {
			c.HTTP.APIKeyUserMapping = make(map[string]string)
		}
		for pair := range strings.SplitSeq(keys, ",") {
			key, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || key == "" || user == "" {
				e.errs = append(e.errs, "INSIGHT_API_KEYS entries must be key:user")
				continue
			}
			c.HTTP.APIKeyUserMapping[key] = user
		}
	}

	if raw, ok := os.LookupEnv("AGENT_MAX_REQUESTS"); ok && strings.TrimSpace(raw) != "" {
		caps, err := ParseAgentCaps(raw)
		switch {
		case err == nil:
			c.Agents.MaxRequests = caps
		case isDevEnv(c.Env):
			c.warnings = append(c.warnings, "Invalid AGENT_MAX_REQUESTS JSON; ignoring.")
		default:
			e.errs = append(e.errs, "Invalid AGENT_MAX_REQUESTS JSON in production environment")
		}
	}

	if len(e.errs) > 0 {
		return fmt.Errorf("%s", strings.Join(e.errs, "; "))
	}
	return nil
}

// ParseAgentCaps decodes a JSON object of agent caps. Non-integer values
// and negative caps are dropped; 0 disables an agent.
func ParseAgentCaps(raw string) (map[string]int, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(data))
	for k, v := range data {
		var n int
		switch val := v.(type) {
		case float64:
			if val != float64(int(val)) {
				continue
			}
			n = int(val)
		case string:
			parsed, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				continue
			}
			n = parsed
		default:
			continue
		}
		if n >= 0 {
			out[k] = n
		}
	}
	return out, nil
}

// envReader applies typed environment overrides and collects parse errors.
type envReader struct {
	errs []string
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if n, ok := e.parseInt(key); ok {
		*dst = n
	}
}

func (e *envReader) intPtr(key string, dst **int) {
	if n, ok := e.parseInt(key); ok {
		*dst = &n
	}
}

func (e *envReader) parseInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s must be an integer", key))
		return 0, false
	}
	return n, true
}

func (e *envReader) floatPtr(key string, dst **float64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s must be a number", key))
		return
	}
	*dst = &f
}

func (e *envReader) boolPtr(key string, dst **bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var b bool
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		b = true
	case "0", "false", "no", "off":
		b = false
	default:
		e.errs = append(e.errs, fmt.Sprintf("%s must be a boolean", key))
		return
	}
	*dst = &b
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Animation = strings.ToLower(strings.TrimSpace(c.Animation))
	if c.Animation == "" {
		c.Animation = "sql"
	}

	c.LLM.Mode = strings.ToLower(strings.TrimSpace(c.LLM.Mode))
	if c.LLM.Mode == "" {
		c.LLM.Mode = "local"
	}
	c.LLM.APIFormat = strings.ToLower(strings.TrimSpace(c.LLM.APIFormat))
	if c.LLM.APIFormat == "" {
		c.LLM.APIFormat = "openai"
	}
	if c.LLM.LocalBaseURL == "" {
		c.LLM.LocalBaseURL = "http://localhost:8000/v1"
	}
	if c.LLM.LocalModel == "" {
		c.LLM.LocalModel = "GLM-4.5-Air"
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 90
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}

	c.Embedding.Mode = strings.ToLower(strings.TrimSpace(c.Embedding.Mode))
	if c.Embedding.Mode == "" {
		c.Embedding.Mode = "api"
	}
	if c.Embedding.LocalModel == "" {
		c.Embedding.LocalModel = "sentence-transformers/all-MiniLM-L6-v2"
	}

	c.Router.Mode = strings.ToLower(strings.TrimSpace(c.Router.Mode))
	if c.Router.Mode == "" {
		c.Router.Mode = "rule"
	}

	if c.NL2SQL.DBPrefix == "" {
		c.NL2SQL.DBPrefix = "files"
	}
	if c.NL2SQL.ExploreMaxSteps == 0 {
		c.NL2SQL.ExploreMaxSteps = 3
	}
	if c.NL2SQL.AxesMaxItems == 0 {
		c.NL2SQL.AxesMaxItems = 3
	}
	if c.NL2SQL.EvidenceLimit == 0 {
		c.NL2SQL.EvidenceLimit = 100
	}
	if c.NL2SQL.OutputMaxRows == 0 {
		c.NL2SQL.OutputMaxRows = 200
	}
	if c.NL2SQL.OutputMaxColumns == 0 {
		c.NL2SQL.OutputMaxColumns = 20
	}

	if c.Retrieval.MaxTokens == 0 {
		c.Retrieval.MaxTokens = 220
	}
	if c.Retrieval.TopN == 0 {
		c.Retrieval.TopN = 3
	}
	if c.Retrieval.TableRowCap == 0 {
		c.Retrieval.TableRowCap = 500
	}
	if c.Retrieval.MaxColumns == 0 {
		c.Retrieval.MaxColumns = 6
	}
	if c.Retrieval.BatchSize == 0 {
		c.Retrieval.BatchSize = 16
	}
	if c.Retrieval.Store != nil {
		if c.Retrieval.Store.Table == "" {
			c.Retrieval.Store.Table = "insight_embeddings"
		}
		if c.Retrieval.Store.Dimensions == 0 {
			c.Retrieval.Store.Dimensions = 384
		}
	}

	if c.DataEngine.Driver == "" {
		c.DataEngine.Driver = "mindsdb"
	}
	if c.DataEngine.MindsDB.BaseURL == "" {
		c.DataEngine.MindsDB.BaseURL = "http://127.0.0.1:47334/api"
	}
	if c.DataEngine.MindsDB.TimeoutSeconds == 0 {
		c.DataEngine.MindsDB.TimeoutSeconds = 120
	}
	if c.DataEngine.MaxRows == 0 {
		c.DataEngine.MaxRows = 1000
	}
	if c.DataEngine.TimeoutSeconds == 0 {
		c.DataEngine.TimeoutSeconds = 30
	}

	if c.Dictionary.Dir == "" {
		c.Dictionary.Dir = filepath.Join("..", "data", "dictionary")
	}
	if c.Dictionary.MaxChars == 0 {
		c.Dictionary.MaxChars = 6000
	}
}

func (c *Config) validate() error {
	if !slices.Contains([]string{"local", "api"}, c.LLM.Mode) {
		return fmt.Errorf("llm.mode must be 'local' or 'api'; got %q", c.LLM.Mode)
	}
	if !slices.Contains([]string{"openai", "anthropic"}, c.LLM.APIFormat) {
		return fmt.Errorf("llm.api_format must be 'openai' or 'anthropic'; got %q", c.LLM.APIFormat)
	}
	if !slices.Contains([]string{"local", "api"}, c.Embedding.Mode) {
		return fmt.Errorf("embedding.mode must be 'local' or 'api'; got %q", c.Embedding.Mode)
	}
	if !slices.Contains([]string{"rule", "local", "api", "false"}, c.Router.Mode) {
		return fmt.Errorf("router.mode must be one of [api false local rule]; got %q", c.Router.Mode)
	}
	if !slices.Contains([]string{"sql", "true", "false"}, c.Animation) {
		return fmt.Errorf("animation must be one of [false sql true]; got %q", c.Animation)
	}

	positives := []struct {
		name  string
		value int
	}{
		{"llm.max_tokens", c.LLM.MaxTokens},
		{"llm.timeout_seconds", c.LLM.TimeoutSeconds},
		{"retrieval.max_tokens", c.Retrieval.MaxTokens},
		{"retrieval.top_n", c.Retrieval.TopN},
		{"retrieval.table_row_cap", c.Retrieval.TableRowCap},
		{"retrieval.max_columns", c.Retrieval.MaxColumns},
		{"retrieval.batch_size", c.Retrieval.BatchSize},
		{"nl2sql.output_max_rows", c.NL2SQL.OutputMaxRows},
		{"nl2sql.output_max_columns", c.NL2SQL.OutputMaxColumns},
		{"nl2sql.evidence_limit", c.NL2SQL.EvidenceLimit},
		{"nl2sql.explore_max_steps", c.NL2SQL.ExploreMaxSteps},
		{"dictionary.max_chars", c.Dictionary.MaxChars},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if c.Retrieval.TemperatureValue() < 0 {
		return fmt.Errorf("retrieval.temperature must be >= 0")
	}
	if c.NL2SQL.MinRows() < 0 {
		return fmt.Errorf("nl2sql.satisfaction_min_rows must not be negative")
	}
	for agent, n := range c.Agents.MaxRequests {
		if n < 0 {
			return fmt.Errorf("agents.max_requests.%s must not be negative", agent)
		}
	}

	switch c.DataEngine.Driver {
	case "mindsdb":
	case "postgres", "mysql", "sqlite":
		if c.DataEngine.DSN == "" {
			return fmt.Errorf("data_engine.dsn is required for driver %q", c.DataEngine.Driver)
		}
	default:
		return fmt.Errorf("data_engine.driver %q is not supported (use mindsdb, postgres, mysql or sqlite)", c.DataEngine.Driver)
	}

	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.Driver == "postgres" && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
			return fmt.Errorf("storage.postgres.dsn is required when storage.driver is postgres")
		}
	}
	if c.Retrieval.Store != nil {
		switch c.Retrieval.Store.StoreDriver() {
		case "memory":
		case "pgvector":
			if c.Retrieval.Store.DSN == "" {
				return fmt.Errorf("retrieval.store.dsn is required for pgvector")
			}
		default:
			return fmt.Errorf("retrieval.store.driver %q is not supported (use memory or pgvector)", c.Retrieval.Store.Driver)
		}
	}

	return c.validateSecurity()
}

// validateSecurity refuses insecure defaults outside development and records
// warnings inside it.
func (c *Config) validateSecurity() error {
	var problems []string
	if c.Storage != nil && c.Storage.Postgres != nil && strings.Contains(c.Storage.Postgres.DSN, "postgres:postgres@") {
		problems = append(problems, "DATABASE_URL must not use default 'postgres:postgres' credentials")
	}
	if c.HTTP == nil || len(c.HTTP.APIKeyUserMapping) == 0 {
		problems = append(problems, "http.api_key_user_mapping must not be empty (set INSIGHT_API_KEYS)")
	}
	if !c.LLM.VerifyTLS() {
		c.warnings = append(c.warnings, "LLM TLS verification disabled (LLM_VERIFY_SSL=false)")
	}
	if c.LLM.Mode == "api" && c.LLM.APIFormat == "anthropic" && c.Embedding.Mode == "api" && c.Retrieval.EmbeddingsConfigPath != "" {
		c.warnings = append(c.warnings, "embedding.mode=api sends embeddings to the anthropic base URL; use embedding.mode=local")
	}
	if len(problems) == 0 {
		return nil
	}
	if c.IsDevelopment() {
		c.warnings = append(c.warnings, problems...)
		return nil
	}
	return fmt.Errorf("insecure configuration for env %q: %s", c.Env, strings.Join(problems, "; "))
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
