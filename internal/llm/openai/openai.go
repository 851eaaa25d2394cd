// Package openai implements the llm contracts over any OpenAI-compatible HTTP API
// (vLLM, OpenAI, Ollama). The base URL includes the API version, e.g. http://host:8000/v1.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
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
	defaultBaseURL   = "https://api.openai.com/v1"
	completionsPath  = "/chat/completions"
	embeddingsPath   = "/embeddings"
	defaultMaxTokens = 1024
	defaultTimeout   = 90 * time.Second
)

// Client implements llm.StreamingProvider and llm.Embedder.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	timeout    time.Duration
	insecure   bool
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client. Timeout and TLS options are then ignored.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "vllm-local").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithTimeout sets the request-level timeout. Streaming calls share it as a whole.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithInsecureSkipVerify disables TLS certificate verification.
func WithInsecureSkipVerify(skip bool) Option {
	return func(c *Client) { c.insecure = skip }
}

// NewClient creates an OpenAI-compatible client for model.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		name:    "openai-api",
		timeout: defaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if c.insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
			c.logger.Warn("llm TLS verification disabled; use only in controlled environments",
				slog.String("base_url", c.baseURL))
		}
		c.httpClient = &http.Client{Timeout: c.timeout, Transport: transport}
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Model returns the default model.
func (c *Client) Model() string { return c.model }

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// SendMessage sends the conversation to the chat completions endpoint.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	apiReq := c.buildRequest(req, false)

	httpResp, err := c.post(ctx, completionsPath, apiReq, "application/json")
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, c.backendError(completionsPath, err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &domain.BackendError{
			Backend: c.name,
			Message: "Réponse LLM invalide (JSON illisible).",
			Err:     err,
		}
	}

	resp := toResponse(&apiResp)
	if resp.Model == "" {
		resp.Model = apiReq.Model
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", apiReq.Model),
		slog.String("agent", req.Agent),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)

	return resp, nil
}

// StreamMessage streams delta text events parsed from "data: " lines until [DONE].
// Malformed chunks are skipped.
func (c *Client) StreamMessage(ctx context.Context, req *llm.Request, events chan<- llm.StreamEvent) error {
	defer close(events)

	httpResp, err := c.post(ctx, completionsPath, c.buildRequest(req, true), "text/event-stream")
	if err != nil {
		events <- llm.StreamEvent{Type: llm.EventError, Error: err}
		return err
	}
	defer httpResp.Body.Close()

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			break
		}
		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.WarnContext(ctx, "skipping malformed stream chunk", slog.String("error", err.Error()))
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				events <- llm.StreamEvent{Type: llm.EventText, Content: choice.Delta.Content}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		be := c.backendError(completionsPath, err)
		events <- llm.StreamEvent{Type: llm.EventError, Error: be}
		return be
	}
	events <- llm.StreamEvent{Type: llm.EventDone}
	return nil
}

// Embed returns one vector per input. Shape mismatches are reported as backend errors.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		model = c.model
	}
	httpResp, err := c.post(ctx, embeddingsPath, apiEmbeddingRequest{Model: model, Input: inputs}, "application/json")
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var payload struct {
		Data []struct {
			Embedding []json.Number `json:"embedding"`
		} `json:"data"`
	}
	dec := json.NewDecoder(httpResp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil || payload.Data == nil {
		return nil, &domain.BackendError{
			Backend: c.name,
			Message: "Réponse embedding invalide (pas de champ 'data').",
			Err:     err,
		}
	}

	vectors := make([][]float32, 0, len(payload.Data))
	for idx, item := range payload.Data {
		if item.Embedding == nil {
			return nil, &domain.BackendError{
				Backend: c.name,
				Message: "Réponse embedding invalide (vecteur manquant).",
				Err:     fmt.Errorf("embedding #%d missing", idx),
			}
		}
		vec := make([]float32, len(item.Embedding))
		for i, n := range item.Embedding {
			f, err := n.Float64()
			if err != nil {
				return nil, &domain.BackendError{
					Backend: c.name,
					Message: "Réponse embedding invalide (valeur non numérique).",
					Err:     err,
				}
			}
			vec[i] = float32(f)
		}
		vectors = append(vectors, vec)
	}
	c.logger.DebugContext(ctx, "embeddings computed",
		slog.String("provider", c.name),
		slog.String("model", model),
		slog.Int("batch", len(inputs)),
	)
	return vectors, nil
}

// post sends body as JSON and returns the response when the status is 2xx.
// Every failure is returned as a *domain.BackendError.
func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.backendError(path, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		_ = httpResp.Body.Close()
		c.logger.ErrorContext(ctx, "llm backend returned an error status",
			slog.String("url", url),
			slog.Int("status", httpResp.StatusCode),
			slog.String("body", string(snippet)),
		)
		return nil, &domain.BackendError{
			Backend: c.name,
			Message: fmt.Sprintf("Le %s a retourné un statut %d. Consultez ses logs pour plus de détails.",
				c.backendLabel(path), httpResp.StatusCode),
			Err: fmt.Errorf("status %d", httpResp.StatusCode),
		}
	}
	return httpResp, nil
}

func (c *Client) backendLabel(path string) string {
	if path == embeddingsPath {
		return "backend d'embeddings"
	}
	return "backend LLM"
}

// backendError classifies a transport failure. Connection refusals and timeouts
// name the endpoint; anything else gets the generic message.
func (c *Client) backendError(path string, err error) *domain.BackendError {
	c.logger.Error("llm backend request failed",
		slog.String("url", c.baseURL+path),
		slog.String("error", err.Error()),
	)
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &opErr), errors.As(err, &netErr) && netErr.Timeout(), errors.Is(err, context.DeadlineExceeded):
		return &domain.BackendError{
			Backend: c.name,
			Message: fmt.Sprintf("Impossible de joindre le %s (%s). Vérifiez que le service est démarré et que l'URL configurée est correcte.",
				c.backendLabel(path), c.baseURL),
			Err: err,
		}
	default:
		return &domain.BackendError{
			Backend: c.name,
			Message: fmt.Sprintf("Erreur lors de l'appel au %s.", c.backendLabel(path)),
			Err:     err,
		}
	}
}

func (c *Client) buildRequest(req *llm.Request, stream bool) apiRequest {
	var messages []apiMessage
	if req.SystemPrompt != "" {
		messages = append(messages, apiMessage{Role: string(llm.RoleSystem), Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
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
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func toResponse(apiResp *apiResponse) *llm.Response {
	resp := &llm.Response{
		Model: apiResp.Model,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}
	if len(apiResp.Choices) == 0 {
		return resp
	}
	choice := apiResp.Choices[0]
	resp.Content = choice.Message.Content
	resp.StopReason = normalizeFinishReason(choice.FinishReason)
	return resp
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// --- wire types ---

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type apiEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}
