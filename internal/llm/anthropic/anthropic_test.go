package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" || r.Header.Get("Anthropic-Version") != apiVersion {
			t.Errorf("unexpected headers: %v", r.Header)
		}
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.System != "Generate SQL.\n\nBe brief." {
			t.Errorf("system = %q", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Fatalf("unexpected messages: %+v", req.Messages)
		}
		if req.Model != "claude-test" || req.MaxTokens != defaultMaxTokens {
			t.Errorf("model = %q, max_tokens = %d", req.Model, req.MaxTokens)
		}

		json.NewEncoder(w).Encode(apiResponse{
			Content:    []apiContentBlock{{Type: "text", Text: "SELECT "}, {Type: "text", Text: "1"}},
			StopReason: "end_turn",
			Usage:      apiUsage{InputTokens: 12, OutputTokens: 3},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL+"/v1"))
	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "Generate SQL.",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Be brief."},
			{Role: llm.RoleUser, Content: "count"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "SELECT 1" || resp.StopReason != "end_turn" || resp.Model != "claude-test" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestSendMessage_StatusIsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"type":"error"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "q"}}})
	var be *domain.BackendError
	if !errors.As(err, &be) || be.Backend != "anthropic" {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestSendMessage_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(url))
	_, err := client.SendMessage(context.Background(), &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "q"}}})
	if !domain.IsBackendError(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestStreamMessage_TextDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range []string{
			`{"type":"message_start"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Bon"}}`,
			`not json`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"jour"}}`,
			`{"type":"message_stop"}`,
		} {
			fmt.Fprintf(w, "event: x\ndata: %s\n\n", ev)
		}
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	events := make(chan llm.StreamEvent, 16)
	if err := client.StreamMessage(context.Background(), &llm.Request{}, events); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var text string
	var last llm.StreamEvent
	for ev := range events {
		if ev.Type == "text" {
			text += ev.Content
		}
		last = ev
	}
	if text != "Bonjour" || last.Type != "done" {
		t.Errorf("text = %q, last = %+v", text, last)
	}
}

func TestStreamMessage_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	events := make(chan llm.StreamEvent, 4)
	err := client.StreamMessage(context.Background(), &llm.Request{}, events)
	if !domain.IsBackendError(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
	ev := <-events
	if ev.Type != "error" {
		t.Errorf("first event = %+v", ev)
	}
}
