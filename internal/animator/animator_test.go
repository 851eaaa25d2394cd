package animator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/prompts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	last  *llm.Request
}

func (s *stubProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.reply}, nil
}

func (s *stubProvider) Name() string { return "stub" }

func newAnimator(p llm.Provider) *Animator {
	return New(p, prompts.NewStore("", discardLogger()), "", discardLogger())
}

// --- Event selection ---

func TestShouldAnimate(t *testing.T) {
	tests := []struct {
		kind    string
		payload map[string]any
		want    bool
	}{
		{"plan", nil, true},
		{"SQL", map[string]any{"sql": "SELECT 1"}, true},
		{"meta", map[string]any{"effective_tables": []string{"a"}}, true},
		{"meta", map[string]any{"evidence_spec": map[string]any{}}, true},
		{"meta", map[string]any{"axes_suggestions": []any{}}, false},
		{"rows", map[string]any{"purpose": "evidence"}, true},
		{"rows", map[string]any{"purpose": "explore"}, false},
		{"delta", nil, false},
	}
	for _, tt := range tests {
		if got := ShouldAnimate(tt.kind, tt.payload); got != tt.want {
			t.Errorf("ShouldAnimate(%q, %v) = %v, want %v", tt.kind, tt.payload, got, tt.want)
		}
	}
}

func TestFacts(t *testing.T) {
	f := Facts("sql", map[string]any{"sql": "SELECT secret FROM t", "purpose": "explore", "step": 2})
	if f["event"] != "sql" || f["purpose"] != "explore" || f["step"] != 2 || f["has_sql"] != true {
		t.Errorf("sql facts = %v", f)
	}
	for _, v := range f {
		if s, ok := v.(string); ok && strings.Contains(s, "SELECT") {
			t.Fatalf("facts must not leak SQL: %v", f)
		}
	}

	f = Facts("rows", map[string]any{"row_count": 7, "rows": [][]any{{1}}})
	if f["row_count"] != 7 {
		t.Errorf("rows facts = %v", f)
	}
	if _, ok := f["rows"]; ok {
		t.Errorf("facts must not carry rows: %v", f)
	}

	f = Facts("meta", map[string]any{"effective_tables": []string{"a", "b"}, "evidence_spec": map[string]any{"pk": "id"}})
	if f["effective_tables"] != 2 || f["has_evidence_spec"] != true {
		t.Errorf("meta facts = %v", f)
	}
}

// --- Translate ---

func TestTranslate(t *testing.T) {
	p := &stubProvider{reply: "  Comptage par catégorie  "}
	msg, ok := newAnimator(p).Translate(context.Background(), nil, "plan", map[string]any{"purpose": "explore"})
	if !ok || msg != "Comptage par catégorie" {
		t.Fatalf("Translate = %q, %v", msg, ok)
	}
	if p.last.MaxTokens != 40 || *p.last.Temperature != 0.35 || p.last.Agent != budget.Animator {
		t.Errorf("unexpected request: %+v", p.last)
	}
	var body map[string]map[string]any
	if err := json.Unmarshal([]byte(p.last.Messages[0].Content), &body); err != nil {
		t.Fatalf("hint is not JSON: %v", err)
	}
	if body["hint"]["event"] != "plan" {
		t.Errorf("hint = %v", body)
	}
}

func TestTranslate_Truncates(t *testing.T) {
	p := &stubProvider{reply: strings.Repeat("é", 200)}
	msg, ok := newAnimator(p).Translate(context.Background(), nil, "plan", nil)
	if !ok {
		t.Fatal("expected a message")
	}
	if r := []rune(msg); len(r) != 120 || !strings.HasSuffix(msg, "...") {
		t.Errorf("message not capped: %d runes", len(r))
	}
}

func TestTranslate_Silent(t *testing.T) {
	backend := &domain.BackendError{Backend: "llm", Message: "down"}
	if _, ok := newAnimator(&stubProvider{err: backend}).Translate(context.Background(), nil, "plan", nil); ok {
		t.Error("backend failure must yield no message")
	}
	if _, ok := newAnimator(&stubProvider{reply: "   "}).Translate(context.Background(), nil, "plan", nil); ok {
		t.Error("blank reply must yield no message")
	}

	p := &stubProvider{reply: "ok"}
	b := budget.New(map[string]int{budget.Animator: 0})
	if _, ok := newAnimator(p).Translate(context.Background(), b, "plan", nil); ok {
		t.Error("exhausted budget must yield no message")
	}
	if p.calls != 0 {
		t.Errorf("provider called despite budget, calls=%d", p.calls)
	}
}

// --- Narrator ---

func TestNarrator_Spacing(t *testing.T) {
	p := &stubProvider{reply: "Filtrage par période"}
	n := NewNarrator(newAnimator(p), nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return clock }

	var mu sync.Mutex
	var got []string
	out := func(m string) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}

	n.Observe(context.Background(), "plan", nil, out)
	n.Wait()
	n.Observe(context.Background(), "sql", map[string]any{"sql": "x"}, out)
	n.Wait()
	clock = clock.Add(MinInterval)
	n.Observe(context.Background(), "sql", map[string]any{"sql": "x"}, out)
	n.Wait()
	n.Observe(context.Background(), "rows", map[string]any{"purpose": "explore"}, out)
	n.Wait()

	if len(got) != 2 {
		t.Fatalf("expected 2 narrations, got %v", got)
	}
	if p.calls != 2 {
		t.Errorf("throttled events must not call the LLM, calls=%d", p.calls)
	}
}

func TestNarrator_Nil(t *testing.T) {
	var n *Narrator
	n.Observe(context.Background(), "plan", nil, func(string) { t.Error("nil narrator must not emit") })
	n.Wait()
}
