// Package llm defines the backend-agnostic contract used by every agent to talk
// to an OpenAI-compatible chat and embedding endpoint.
package llm

import "context"

// Provider is the abstraction over a chat-completion backend.
type Provider interface {
	// SendMessage sends a conversation and returns the first choice.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "vllm-local").
	Name() string
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// Request is a full conversation sent to the backend.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Model        string   // overrides the provider default when set
	MaxTokens    int      // 0 = provider default
	Temperature  *float64 // nil = backend default
	Agent        string   // calling agent, used for metrics labels
}

// Message is a single turn in the conversation.
type Message struct {
	Role    Role
	Content string
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the backend returns.
type Response struct {
	Content    string
	Model      string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", or the raw finish reason
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Temperature returns a pointer to t, for use in Request literals.
func Temperature(t float64) *float64 { return &t }

// Target describes where a provider sends its calls. It is rendered in
// user-facing diagnostics when a round fails.
type Target struct {
	Mode    string
	BaseURL string
	Model   string
}

// Diagnostic renders the target as "LLM(mode=..., base_url=..., model=...)".
func (t Target) Diagnostic() string {
	return "LLM(mode=" + t.Mode + ", base_url=" + t.BaseURL + ", model=" + t.Model + ")"
}
