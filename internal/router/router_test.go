package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/prompts"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubProvider struct {
	reply string
	err   error
	calls int
	last  *llm.Request
}

func (s *stubProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.reply}, nil
}

func (s *stubProvider) Name() string { return "stub" }

// --- Rule mode ---

func TestDecideRule(t *testing.T) {
	tests := []struct {
		text  string
		allow bool
		route Route
		conf  float64
	}{
		{"   ", false, RouteNone, 1},
		{"salut, ça va ?", false, RouteNone, confidenceShortTalk},
		{"salut, combien de ventes en 2024 ?", true, RouteData, confidenceQuestion},
		{"salut ça va", false, RouteNone, confidenceShortTalk},
		{"coucou", false, RouteNone, confidenceShortTalk},
		{"merci", false, RouteNone, confidenceShortTalk},
		{"Quels sont les avis clients", true, RouteFeedback, confidenceFeedback},
		{"le ménage de Lyon", true, RouteFoyer, confidenceFoyer},
		{"répartition des tickets", true, RouteData, confidenceData},
		{"donnée manquante", true, RouteData, confidenceData},
		{"montre moi tout", true, RouteData, confidenceQuestion},
		{"en janvier dernier", true, RouteData, confidenceQuestion},
		{"les 5 premiers", true, RouteData, confidenceQuestion},
		{"raconte une blague sur les chats", true, RouteData, confidenceAmbiguous},
		{"hello there my friend", true, RouteData, confidenceAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			d := DecideRule(tt.text)
			if d.Allow != tt.allow || d.Route != tt.route || d.Confidence != tt.conf {
				t.Errorf("got %+v", d)
			}
			if d.Reason == "" {
				t.Error("empty reason")
			}
		})
	}
}

func TestDecideRule_WordBoundaries(t *testing.T) {
	if d := DecideRule("avisé"); d.Route == RouteFeedback {
		t.Errorf("partial word matched feedback: %+v", d)
	}
	if d := DecideRule("parking"); d.Confidence == confidenceQuestion {
		t.Errorf("'par' matched inside 'parking': %+v", d)
	}
}

func TestIsSQLCommand(t *testing.T) {
	for text, want := range map[string]bool{
		"/sql SELECT 1":   true,
		"  /SQL select 1": true,
		"/sqlSELECT 1":    false,
		"please /sql x":   false,
		"/sql":            false,
	} {
		if got := IsSQLCommand(text); got != want {
			t.Errorf("%q: got %v, want %v", text, got, want)
		}
	}
}

func TestRouter_Modes(t *testing.T) {
	r := New(Config{Mode: " FALSE "}, nil, nil, discardLogger())
	if r.Enabled() {
		t.Error("false mode should disable routing")
	}
	r = New(Config{}, nil, nil, discardLogger())
	if r.Mode() != ModeRule {
		t.Errorf("default mode %q", r.Mode())
	}
	d, err := New(Config{Mode: "weird"}, nil, nil, discardLogger()).Decide(context.Background(), nil, "coucou")
	if err != nil || d.Allow {
		t.Errorf("unknown mode should fall back to rules: %+v %v", d, err)
	}
}

// --- LLM mode ---

func llmRouter(p llm.Provider) *Router {
	return New(Config{Mode: ModeAPI, Model: "router-model", MaxTokens: 64}, p, prompts.NewStore("", discardLogger()), discardLogger())
}

func TestDecideLLM_Parses(t *testing.T) {
	p := &stubProvider{reply: "```json\n{\"allow\": true, \"route\": \"feedback\", \"confidence\": 1.7, \"reason\": \"avis\"}\n```"}
	b := budget.New(map[string]int{budget.Router: 2})

	d, err := llmRouter(p).Decide(context.Background(), b, "que disent les clients")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allow || d.Route != RouteFeedback || d.Confidence != 1 || d.Reason != "avis" {
		t.Errorf("unexpected decision %+v", d)
	}
	if b.Count(budget.Router) != 1 {
		t.Errorf("router budget not charged")
	}
	if p.last.Model != "router-model" || p.last.Temperature == nil || *p.last.Temperature != 0 || p.last.Agent != budget.Router {
		t.Errorf("unexpected request %+v", p.last)
	}
}

func TestDecideLLM_CoercesUnknownRoute(t *testing.T) {
	p := &stubProvider{reply: `{"allow": false, "route": "weather"}`}
	d, err := llmRouter(p).Decide(context.Background(), nil, "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Route != RouteNone || d.Confidence != 0.5 || d.Reason != "Classifié par LLM" {
		t.Errorf("unexpected decision %+v", d)
	}
}

func TestDecideLLM_InvalidJSON(t *testing.T) {
	p := &stubProvider{reply: "je pense que oui"}
	_, err := llmRouter(p).Decide(context.Background(), nil, "x")
	var be *domain.BackendError
	if !errors.As(err, &be) || be.Message != "Réponse LLM invalide pour le routeur" {
		t.Fatalf("expected router backend error, got %v", err)
	}
}

func TestDecideLLM_BudgetExceeded(t *testing.T) {
	p := &stubProvider{reply: `{"allow": true}`}
	b := budget.New(map[string]int{budget.Router: 0})
	_, err := llmRouter(p).Decide(context.Background(), b, "x")
	if !budget.IsExceeded(err) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if p.calls != 0 {
		t.Error("provider called despite exhausted budget")
	}
}

func TestDecideLLM_TruncatesInput(t *testing.T) {
	p := &stubProvider{reply: `{"allow": true, "route": "data"}`}
	long := make([]rune, MaxInputChars+50)
	for i := range long {
		long[i] = 'é'
	}
	if _, err := llmRouter(p).Decide(context.Background(), nil, string(long)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len([]rune(p.last.Messages[0].Content)); n != MaxInputChars {
		t.Errorf("input not capped: %d", n)
	}
}
