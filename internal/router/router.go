// Package router decides whether a chat message should trigger the data pipeline.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/sqlguard"
)

// Route is the category a message is routed to.
type Route string

const (
	RouteData     Route = "data"
	RouteFeedback Route = "feedback"
	RouteFoyer    Route = "foyer"
	RouteNone     Route = "none"
)

// Modes.
const (
	ModeRule     = "rule"
	ModeLocal    = "local"
	ModeAPI      = "api"
	ModeDisabled = "false"
)

// MaxInputChars caps the text handed to the router.
const MaxInputChars = 10000

// DeflectionMessage is returned to the user when a message is blocked.
const DeflectionMessage = "Ce n'est pas une question pour passer de la data à l'action"

// Decision is the routing verdict for one message.
type Decision struct {
	Allow      bool    `json:"allow"`
	Route      Route   `json:"route"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

const (
	shortMessageTokens  = 3
	confidenceAmbiguous = 0.55
	confidenceFeedback  = 0.9
	confidenceData      = 0.85
	confidenceFoyer     = 0.7
	confidenceQuestion  = 0.75
	confidenceShortTalk = 0.9
)

// word wraps alternatives in Unicode-aware word boundaries.
func word(alternatives string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN_])(?:` + alternatives + `)(?:[^\pL\pN_]|$)`)
}

var (
	reGreet    = word(`bonjour|salut|coucou|hello|hey`)
	rePleas    = regexp.MustCompile(`(?i)(ça va|ca va|merci|merci\s!|ok(?:[^\pL\pN_]|$)|test)`)
	reData     = word(`donn[ée]e?s?|data|kpi|indicateur|m[ée]trique|stat(?:istiques?)?|graphi(?:que|ques)|courbe|table(?:au|aux)?|requ[êe]te?s?|sql|analyse|moyenne|r[ée]partition|taux|[ée]volution|tickets?`)
	reFeedback = word(`feedback|retours?|avis|satisfaction|nps|csat|commentaires?`)
	reFoyer    = word(`foyer|foyerinsight|m[ée]nage|household`)
	reQuestion = word(`combien|quel(?:le|s)?|quand|comment|liste|montre|affiche|top|entre|par`)
	reTime     = word(`janv(?:ier)?|f[ée]vr(?:ier)?|mars|avril|mai|juin|juil(?:let)?|ao[ûu]t|sept(?:embre)?|oct(?:obre)?|nov(?:embre)?|d[ée]c(?:embre)?|20\d{2}`)
	reToken    = regexp.MustCompile(`[\pL\pN_]+`)
)

// Config configures a Router.
type Config struct {
	Mode      string
	Model     string // LLM modes; empty = provider default
	MaxTokens int
}

// Router classifies messages by rules or through an LLM.
type Router struct {
	config   Config
	provider llm.Provider
	prompts  *prompts.Store
	logger   *slog.Logger
}

// New creates a router. provider and store are only used by the LLM modes.
func New(cfg Config, provider llm.Provider, store *prompts.Store, logger *slog.Logger) *Router {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeRule
	}
	cfg.Mode = mode
	return &Router{config: cfg, provider: provider, prompts: store, logger: logger}
}

// Mode returns the normalized mode.
func (r *Router) Mode() string { return r.config.Mode }

// Enabled reports whether routing applies at all.
func (r *Router) Enabled() bool { return r.config.Mode != ModeDisabled }

// IsSQLCommand reports whether text is an explicit "/sql " passthrough.
func IsSQLCommand(text string) bool {
	t := strings.TrimLeftFunc(text, unicode.IsSpace)
	return len(t) >= 5 && strings.EqualFold(t[:5], "/sql ")
}

// Decide classifies text. LLM modes charge the router budget.
func (r *Router) Decide(ctx context.Context, b *budget.RequestBudget, text string) (Decision, error) {
	if runes := []rune(text); len(runes) > MaxInputChars {
		text = string(runes[:MaxInputChars])
	}
	switch r.config.Mode {
	case ModeRule:
		return DecideRule(text), nil
	case ModeLocal, ModeAPI:
		return r.decideLLM(ctx, b, text)
	default:
		r.logger.Warn("unknown router mode, using rules", slog.String("mode", r.config.Mode))
		return DecideRule(text), nil
	}
}

// DecideRule is the deterministic, permissive classifier. Order:
// domain cues, then short small talk (blocked, even when punctuated as a
// question), then interrogatives/time hints/digits, then allow by default.
func DecideRule(text string) Decision {
	t := strings.TrimSpace(text)
	if t == "" {
		return Decision{Allow: false, Route: RouteNone, Confidence: 1, Reason: "Message vide"}
	}
	if reFeedback.MatchString(t) {
		return Decision{true, RouteFeedback, confidenceFeedback, "Termes liés au feedback détectés"}
	}
	if reFoyer.MatchString(t) {
		return Decision{true, RouteFoyer, confidenceFoyer, "Référence au domaine Foyer"}
	}
	if reData.MatchString(t) {
		return Decision{true, RouteData, confidenceData, "Termes analytiques/données détectés"}
	}
	if len(reToken.FindAllString(t, -1)) <= shortMessageTokens && (reGreet.MatchString(t) || rePleas.MatchString(t)) {
		return Decision{false, RouteNone, confidenceShortTalk, "Salutation/banalité courte détectée"}
	}
	if reQuestion.MatchString(t) || strings.Contains(t, "?") || reTime.MatchString(t) || strings.ContainsFunc(t, unicode.IsDigit) {
		return Decision{true, RouteData, confidenceQuestion, "Formulation interrogative/indice temporel ou chiffre"}
	}
	return Decision{true, RouteData, confidenceAmbiguous, "Ambigu mais permis (politique permissive)"}
}

type llmDecision struct {
	Allow      any    `json:"allow"`
	Route      string `json:"route"`
	Confidence any    `json:"confidence"`
	Reason     any    `json:"reason"`
}

func (r *Router) decideLLM(ctx context.Context, b *budget.RequestBudget, text string) (Decision, error) {
	if r.provider == nil {
		return Decision{}, &domain.BackendError{Backend: "router", Message: "Router LLM non configuré (base_url/model)"}
	}
	system, err := r.prompts.Render(prompts.RouterSystem, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("rendering router prompt: %w", err)
	}
	if err := b.CheckAndIncrement(budget.Router); err != nil {
		return Decision{}, err
	}
	resp, err := r.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Model:        r.config.Model,
		MaxTokens:    r.config.MaxTokens,
		Temperature:  llm.Temperature(0),
		Agent:        budget.Router,
	})
	if err != nil {
		return Decision{}, err
	}

	d, err := parseDecision(resp.Content)
	if err != nil {
		r.logger.ErrorContext(ctx, "router LLM returned unparsable JSON",
			slog.String("error", err.Error()),
			slog.String("preview", domain.Preview(resp.Content, 120)),
		)
		return Decision{}, &domain.BackendError{Backend: "router", Message: "Réponse LLM invalide pour le routeur", Err: err}
	}
	return d, nil
}

func parseDecision(raw string) (Decision, error) {
	var obj llmDecision
	if err := json.Unmarshal([]byte(sqlguard.ExtractJSON(raw)), &obj); err != nil {
		return Decision{}, err
	}
	d := Decision{Allow: truthy(obj.Allow), Route: Route(obj.Route), Confidence: 0.5}
	switch d.Route {
	case RouteData, RouteFeedback, RouteFoyer, RouteNone:
	default:
		d.Route = RouteNone
	}
	switch c := obj.Confidence.(type) {
	case float64:
		d.Confidence = c
	case string:
		if _, err := fmt.Sscanf(c, "%g", &d.Confidence); err != nil {
			return Decision{}, fmt.Errorf("invalid confidence %q", c)
		}
	case nil:
	default:
		return Decision{}, fmt.Errorf("invalid confidence %v", c)
	}
	d.Confidence = min(max(d.Confidence, 0), 1)
	if obj.Reason != nil {
		d.Reason = fmt.Sprint(obj.Reason)
	}
	if d.Reason == "" {
		d.Reason = "Classifié par LLM"
	}
	return d, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case nil:
		return false
	default:
		return true
	}
}
