// Package httpapi implements the HTTP API gateway for Insight.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-user rate limiting via token bucket on chat routes
//   - Per-user table allow-lists from configuration
//   - All requests logged with request IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/insight/internal/gateway"
	"github.com/jkaninda/insight/internal/observability"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/ratelimit"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	sessions *gateway.Sessions
	prompts  *prompts.Store // nil = prompt endpoints disabled.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket chat endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, sessions *gateway.Sessions, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxSize := cfg.MaxRequestSize
	if maxSize <= 0 {
		maxSize = defaultMaxRequestSize
	}
	cfg.MaxRequestSize = maxSize
	return &Gateway{
		config:   cfg,
		sessions: sessions,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(maxSize)),
	}
}

// WithPrompts enables the prompt catalog endpoints.
func (g *Gateway) WithPrompts(store *prompts.Store) *Gateway {
	g.prompts = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Insight",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given pattern.
// The handler performs its own authentication.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// routes registers every endpoint. Split from Start so tests can serve the mux.
func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}
	g.okapi.UseMiddleware(g.limitBody)

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Chat endpoints.
	g.group.Post("/chat/completions", g.handleCompletion,
		okapi.DocSummary("Answer a chat turn"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(ChatResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Post("/chat/stream", g.handleStream,
		okapi.DocSummary("Stream a chat turn via SSE"),
		okapi.DocTags("Chat"),
		okapi.DocRequestBody(ChatRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Conversation endpoints (only if persistence is configured).
	if g.sessions.Store != nil {
		g.group.Get("/conversations", g.handleConversationList,
			okapi.DocSummary("List the caller's conversations"),
			okapi.DocTags("Conversations"),
			okapi.DocResponse([]ConversationResponse{}),
		)
		g.group.Get("/conversations/{id}", g.handleConversationGet,
			okapi.DocSummary("Get a conversation with its messages and events"),
			okapi.DocTags("Conversations"),
			okapi.DocPathParam("id", "string", "Conversation ID (UUID)"),
			okapi.DocResponse(ConversationDetailResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Put("/conversations/{id}/excluded-tables", g.handleExcludedTables,
			okapi.DocSummary("Replace the tables excluded from a conversation"),
			okapi.DocTags("Conversations"),
			okapi.DocPathParam("id", "string", "Conversation ID (UUID)"),
			okapi.DocRequestBody(ExcludedTablesRequest{}),
			okapi.DocResponse(ConversationResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Delete("/conversations/{id}", g.handleConversationDelete,
			okapi.DocSummary("Delete a conversation"),
			okapi.DocTags("Conversations"),
			okapi.DocPathParam("id", "string", "Conversation ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Prompt catalog endpoints.
	if g.prompts != nil {
		g.group.Get("/prompts", g.handlePromptList,
			okapi.DocSummary("List the prompt catalog"),
			okapi.DocTags("Prompts"),
			okapi.DocResponse([]prompts.Entry{}),
		)
		g.group.Get("/prompts/{key}", g.handlePromptGet,
			okapi.DocSummary("Get one prompt"),
			okapi.DocTags("Prompts"),
			okapi.DocPathParam("key", "string", "Prompt key"),
			okapi.DocResponse(prompts.Entry{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Put("/prompts/{key}", g.handlePromptUpdate,
			okapi.DocSummary("Replace a prompt template (admin)"),
			okapi.DocTags("Prompts"),
			okapi.DocPathParam("key", "string", "Prompt key"),
			okapi.DocRequestBody(PromptUpdateRequest{}),
			okapi.DocResponse(prompts.Entry{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Extra handlers (e.g., WebSocket chat endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams stay open for the whole pipeline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

var _ gateway.Gateway = (*Gateway)(nil)

// --- Health ---

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&observability.HealthStatus{Status: observability.StatusOK})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness probes the dependencies. Only a failed required
// dependency answers 503; a degraded service stays in rotation.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&observability.HealthStatus{Status: observability.StatusOK})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status == observability.StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the mapped user ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := g.userForHeader(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// userForHeader resolves "Bearer <key>" to a user ID. Every configured key
// is compared so timing does not reveal which prefix matched.
func (g *Gateway) userForHeader(header string) (string, bool) {
	apiKey, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || apiKey == "" {
		return "", false
	}
	userID := ""
	for key, user := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			userID = user
		}
	}
	return userID, userID != ""
}

// Authenticate exposes bearer-key resolution to handlers mounted outside
// the /v1 group (the WebSocket endpoint). A "token" query parameter is
// accepted because browsers cannot set headers on WebSocket upgrades.
func (g *Gateway) Authenticate(r *http.Request) (string, bool) {
	if user, ok := g.userForHeader(r.Header.Get("Authorization")); ok {
		return user, true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return g.userForHeader("Bearer " + token)
	}
	return "", false
}

// limitBody caps request bodies before they reach any handler.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

// allow applies the per-user rate limit.
func (g *Gateway) allow(c *okapi.Context, userID string) error {
	err := g.limiter.Allow(userID)
	if err == nil {
		return nil
	}
	if wait := ratelimit.RetryAfter(err); wait > 0 {
		c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	}
	return err
}

// fail writes err as an ErrorBody with the mapped status.
func (g *Gateway) fail(c *okapi.Context, requestID string, err error) error {
	status, code := gateway.Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		msg = "processing failed"
	}
	return c.JSON(status, ErrorBody{Error: msg, Code: code})
}

func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "chatcmpl-" + hex.EncodeToString(b)
}
