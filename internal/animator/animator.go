// Package animator narrates pipeline events as short French status lines.
// It never sees SQL or rows: only a handful of derived facts are sent to the LLM.
package animator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/prompts"
)

const (
	maxTokens   = 40
	temperature = 0.35
	maxChars    = 120

	// MinInterval is the minimum spacing between two emitted lines.
	MinInterval = 400 * time.Millisecond
)

// Animator turns pipeline events into one-sentence narrations.
type Animator struct {
	provider llm.Provider
	prompts  *prompts.Store
	model    string
	logger   *slog.Logger
}

// New creates an Animator. model may be empty to use the provider default.
func New(provider llm.Provider, store *prompts.Store, model string, logger *slog.Logger) *Animator {
	return &Animator{provider: provider, prompts: store, model: model, logger: logger}
}

// ShouldAnimate reports whether kind/payload is worth a narration: every plan
// and sql event, meta carrying effective tables or an evidence spec, and
// evidence rows.
func ShouldAnimate(kind string, payload map[string]any) bool {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "plan", "sql":
		return true
	case "meta":
		_, tables := payload["effective_tables"]
		_, spec := payload["evidence_spec"]
		return tables || spec
	case "rows":
		return payload["purpose"] == "evidence"
	}
	return false
}

// Facts extracts the non-sensitive hints sent to the LLM.
func Facts(kind string, payload map[string]any) map[string]any {
	k := strings.ToLower(strings.TrimSpace(kind))
	facts := map[string]any{"event": k}
	if p, ok := payload["purpose"].(string); ok {
		facts["purpose"] = p
	}
	if step, ok := payload["step"].(int); ok {
		facts["step"] = step
	}
	switch k {
	case "sql":
		s, _ := payload["sql"].(string)
		facts["has_sql"] = s != ""
	case "rows":
		if rc, ok := payload["row_count"]; ok {
			switch n := rc.(type) {
			case int:
				facts["row_count"] = n
			case float64:
				facts["row_count"] = int(n)
			case nil:
				facts["row_count"] = nil
			}
		}
	case "meta":
		switch tables := payload["effective_tables"].(type) {
		case []string:
			facts["effective_tables"] = len(tables)
		case []any:
			facts["effective_tables"] = len(tables)
		}
		if spec, ok := payload["evidence_spec"]; ok && spec != nil {
			facts["has_evidence_spec"] = true
		}
	}
	return facts
}

// Translate returns a narration for the event, or false when the LLM is
// unavailable, over budget or silent.
func (a *Animator) Translate(ctx context.Context, b *budget.RequestBudget, kind string, payload map[string]any) (string, bool) {
	system, err := a.prompts.Render(prompts.AnimatorSystem, nil)
	if err != nil {
		a.logger.Warn("animator prompt unavailable", slog.String("error", err.Error()))
		return "", false
	}
	hint, err := json.Marshal(map[string]any{"hint": Facts(kind, payload)})
	if err != nil {
		return "", false
	}
	if err := b.CheckAndIncrement(budget.Animator); err != nil {
		return "", false
	}
	resp, err := a.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: string(hint)}},
		Model:        a.model,
		MaxTokens:    maxTokens,
		Temperature:  llm.Temperature(temperature),
		Agent:        budget.Animator,
	})
	if err != nil {
		if !domain.IsBackendError(err) {
			a.logger.Debug("animator call failed", slog.String("error", err.Error()))
		}
		return "", false
	}
	s := strings.TrimSpace(resp.Content)
	if s == "" {
		return "", false
	}
	if r := []rune(s); len(r) > maxChars {
		s = string(r[:maxChars-3]) + "..."
	}
	return s, true
}

// Narrator spaces narrations of one stream. Each call runs in its own
// goroutine and never blocks the caller.
type Narrator struct {
	animator *Animator
	budget   *budget.RequestBudget
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
	wg   sync.WaitGroup
}

// NewNarrator binds a to the budget of one request.
func NewNarrator(a *Animator, b *budget.RequestBudget) *Narrator {
	return &Narrator{animator: a, budget: b, interval: MinInterval, now: time.Now}
}

// Observe narrates the event in the background when it qualifies and the
// previous line is older than the minimum interval. out receives the line.
func (n *Narrator) Observe(ctx context.Context, kind string, payload map[string]any, out func(message string)) {
	if n == nil || !ShouldAnimate(kind, payload) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.mu.Lock()
		recent := !n.last.IsZero() && n.now().Sub(n.last) < n.interval
		n.mu.Unlock()
		if recent {
			return
		}
		msg, ok := n.animator.Translate(ctx, n.budget, kind, payload)
		if !ok {
			return
		}
		n.mu.Lock()
		n.last = n.now()
		n.mu.Unlock()
		out(msg)
	}()
}

// Wait blocks until every pending narration has finished.
func (n *Narrator) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}
