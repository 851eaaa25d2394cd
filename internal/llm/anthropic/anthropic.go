// Package anthropic implements llm.StreamingProvider over the Anthropic
// Messages API, for API mode deployments that do not speak the OpenAI format.
package anthropic

import (
	"bufio"
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
	"github.com/jkaninda/insight/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
	defaultTimeout   = 90 * time.Second
)

// Client implements llm.StreamingProvider using the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (without the /v1 suffix).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimSuffix(strings.TrimRight(url, "/"), "/v1")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// SendMessage sends the conversation to the Messages API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	apiReq := c.buildRequest(req, false)

	httpResp, err := c.post(ctx, apiReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&apiResp); err != nil {
		return nil, &domain.BackendError{
			Backend: c.Name(),
			Message: "Réponse LLM invalide (JSON illisible).",
			Err:     err,
		}
	}

	resp := toResponse(&apiResp)
	if resp.Model == "" {
		resp.Model = apiReq.Model
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.Name()),
		slog.String("model", resp.Model),
		slog.String("agent", req.Agent),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
	return resp, nil
}

// StreamMessage streams text deltas until message_stop.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	defer close(events)

	httpResp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		events <- llm.StreamEvent{Type: llm.EventError, Error: err}
		return err
	}
	defer httpResp.Body.Close()

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev apiStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			c.logger.WarnContext(ctx, "skipping malformed stream event", slog.String("error", err.Error()))
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				events <- llm.StreamEvent{Type: llm.EventText, Content: ev.Delta.Text}
			}
		case "message_stop":
			events <- llm.StreamEvent{Type: llm.EventDone}
			return nil
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			be := &domain.BackendError{
				Backend: c.Name(),
				Message: "Erreur lors de l'appel au backend LLM.",
				Err:     errors.New(msg),
			}
			events <- llm.StreamEvent{Type: llm.EventError, Error: be}
			return be
		}
	}
	if err := scanner.Err(); err != nil {
		be := c.backendError(err)
		events <- llm.StreamEvent{Type: llm.EventError, Error: be}
		return be
	}
	events <- llm.StreamEvent{Type: llm.EventDone}
	return nil
}

// post sends body and returns the response when the status is 2xx. Every
// transport or status failure is a *domain.BackendError.
func (c *Client) post(ctx context.Context, body apiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.backendError(err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		_ = httpResp.Body.Close()
		c.logger.ErrorContext(ctx, "llm backend returned an error status",
			slog.String("url", c.baseURL+messagesPath),
			slog.Int("status", httpResp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return nil, &domain.BackendError{
			Backend: c.Name(),
			Message: fmt.Sprintf("Le backend LLM a retourné un statut %d. Consultez ses logs pour plus de détails.", httpResp.StatusCode),
			Err:     fmt.Errorf("status %d", httpResp.StatusCode),
		}
	}
	return httpResp, nil
}

func (c *Client) backendError(err error) *domain.BackendError {
	c.logger.Error("llm backend request failed",
		slog.String("url", c.baseURL+messagesPath),
		slog.String("error", err.Error()),
	)
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &domain.BackendError{
			Backend: c.Name(),
			Message: fmt.Sprintf("Impossible de joindre le backend LLM (%s). Vérifiez que le service est démarré et que l'URL configurée est correcte.", c.baseURL),
			Err:     err,
		}
	}
	return &domain.BackendError{
		Backend: c.Name(),
		Message: "Erreur lors de l'appel au backend LLM.",
		Err:     err,
	}
}

// buildRequest maps the conversation onto the Messages API. The API has no
// system role inside messages, so system turns are folded into System.
func (c *Client) buildRequest(req *llm.Request, stream bool) apiRequest {
	system := []string{}
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	messages := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, apiMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	return apiRequest{
		Model:       model,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func toResponse(apiResp *apiResponse) *llm.Response {
	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &llm.Response{
		Content:    text.String(),
		Model:      apiResp.Model,
		StopReason: apiResp.StopReason,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
}

// --- wire types ---

type apiRequest struct {
	Model       string       `json:"model"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	Model      string            `json:"model"`
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      apiUsage          `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiStreamEvent struct {
	Type  string          `json:"type"`
	Delta *apiStreamDelta `json:"delta,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiStreamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
