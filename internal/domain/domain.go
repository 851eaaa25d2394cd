// Package domain defines cross-cutting types shared by the chat pipeline,
// its transports and its collaborators.
package domain

import (
	"errors"
	"strings"
)

// Role identifies who authored a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn as received from a client.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound payload of a chat completion.
// Metadata carries optional client hints such as conversation_id and exclude_tables.
type ChatRequest struct {
	Messages []Message      `json:"messages"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LastUserMessage returns the last message when it was authored by the user.
func (r *ChatRequest) LastUserMessage() (Message, bool) {
	if r == nil || len(r.Messages) == 0 {
		return Message{}, false
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != RoleUser {
		return Message{}, false
	}
	return last, true
}

// ChatResponse is the final answer of one chat turn.
type ChatResponse struct {
	Reply    string         `json:"reply"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider returns the provider label recorded in the response metadata.
func (r *ChatResponse) Provider() string {
	if r == nil || r.Metadata == nil {
		return "-"
	}
	if p, ok := r.Metadata["provider"].(string); ok && p != "" {
		return p
	}
	return "-"
}

// Evidence is one executed query kept as grounding for later agents.
// Items are appended during a run and never mutated afterwards.
type Evidence struct {
	Purpose string   `json:"purpose"`
	SQL     string   `json:"sql"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// EventSink receives pipeline events (sql, rows, plan, meta, anim).
// A nil sink discards events.
type EventSink func(kind string, payload map[string]any)

// BackendError reports that an upstream backend (LLM, embeddings, data engine)
// could not serve a call. Message is user-facing.
type BackendError struct {
	Backend string
	Message string
	Err     error
}

func (e *BackendError) Error() string { return e.Message }

func (e *BackendError) Unwrap() error { return e.Err }

// IsBackendError reports whether err is, or wraps, a BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// Preview collapses whitespace and caps text at limit characters, appending "..." when cut.
func Preview(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	runes := []rune(compact)
	if len(runes) <= limit {
		return compact
	}
	cutoff := limit - 3
	if cutoff < 1 {
		cutoff = 1
	}
	return string(runes[:cutoff]) + "..."
}
