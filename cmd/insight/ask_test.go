package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func withMessage(t *testing.T, msg string) {
	t.Helper()
	prev := askMessage
	askMessage = msg
	t.Cleanup(func() { askMessage = prev })
}

// --- Synchronous ---

func TestAskHTTP_PrintsReply(t *testing.T) {
	withMessage(t, "how many tickets?")
	var got struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","conversation_id":"c1","reply":"42 tickets"}`))
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	if code := askHTTP(context.Background(), &stdout, &stderr, srv.URL, "k"); code != ExitSuccess {
		t.Fatalf("code = %d, stderr = %s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "42 tickets" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "how many tickets?" {
		t.Errorf("request messages = %+v", got.Messages)
	}
}

func TestAskHTTP_StatusCodes(t *testing.T) {
	withMessage(t, "q")
	tests := []struct {
		status int
		want   int
	}{
		{http.StatusUnauthorized, ExitDenied},
		{http.StatusTooManyRequests, ExitDenied},
		{http.StatusServiceUnavailable, ExitUnavailable},
		{http.StatusBadGateway, ExitFailure},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope","code":"backend_error"}`))
			}))
			defer srv.Close()

			var stdout, stderr bytes.Buffer
			if code := askHTTP(context.Background(), &stdout, &stderr, srv.URL, "k"); code != tt.want {
				t.Errorf("code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestAskHTTP_Unreachable(t *testing.T) {
	withMessage(t, "q")
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var stdout, stderr bytes.Buffer
	if code := askHTTP(context.Background(), &stdout, &stderr, url, "k"); code != ExitUnavailable {
		t.Errorf("code = %d", code)
	}
}

// --- Streaming ---

func sseServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(body))
	}))
}

func TestAskSSE_Done(t *testing.T) {
	withMessage(t, "q")
	srv := sseServer("event: meta\ndata: {\"provider\":\"x\"}\n\n" +
		"event: sql\ndata: {\"sql\":\"SELECT 1\",\"purpose\":\"answer\"}\n\n" +
		"event: delta\ndata: {\"seq\":1,\"content\":\"line one\"}\n\n" +
		"event: delta\ndata: {\"seq\":2,\"content\":\"line two\"}\n\n" +
		"event: done\ndata: {\"conversation_id\":\"c1\",\"content_full\":\"line one\\nline two\"}\n\n")
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	if code := askSSE(context.Background(), &stdout, &stderr, srv.URL, "k"); code != ExitSuccess {
		t.Fatalf("code = %d, stderr = %s", code, stderr.String())
	}
	if stdout.String() != "line one\nline two\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestAskSSE_ErrorEvent(t *testing.T) {
	withMessage(t, "q")
	srv := sseServer("event: meta\ndata: {}\n\nevent: error\ndata: {\"code\":\"sql_invalid\",\"message\":\"bad\"}\n\n")
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	if code := askSSE(context.Background(), &stdout, &stderr, srv.URL, "k"); code != ExitFailure {
		t.Errorf("code = %d", code)
	}
	if !strings.Contains(stderr.String(), "sql_invalid") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestAskSSE_TruncatedStream(t *testing.T) {
	withMessage(t, "q")
	srv := sseServer("event: delta\ndata: {\"content\":\"partial\"}\n\n")
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	if code := askSSE(context.Background(), &stdout, &stderr, srv.URL, "k"); code != ExitFailure {
		t.Errorf("code = %d", code)
	}
}

// --- Helpers ---

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
