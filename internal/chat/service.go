// Package chat orchestrates one chat turn: routing, the /sql passthrough,
// the multi-agent NL→SQL round loop, evidence emission and the final answer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/jkaninda/insight/internal/animator"
	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/dictionary"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/nl2sql"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/retrieval"
	"github.com/jkaninda/insight/internal/router"
	"github.com/jkaninda/insight/internal/sqlguard"
)

// User-facing replies.
const (
	noActiveTablesMessage = "Aucune table active pour vos requêtes après application des exclusions. " +
		"Réactivez des tables dans le panneau ‘Données utilisées’."
	explorationDisabledMessage = "Exploration désactivée: aucun tour autorisé avec les plafonds d'agents actuels. " +
		"Ajustez AGENT_MAX_REQUESTS pour 'explorateur'/'analyste' ou relancez la requête."
	unsatisfiedMessage = "Impossible de produire une réponse satisfaisante après l'exploration. " +
		"Affinez votre question ou vérifiez les données disponibles."
	emptyAnswerMessage = "Je n'ai pas pu formuler de réponse à partir des résultats."
	noRowsMessage      = "(Aucune ligne)"
	passthroughLines   = 50
)

// Provider labels recorded in response metadata.
const (
	ProviderRouter          = "router"
	ProviderACL             = "nl2sql-acl"
	ProviderMultiAgent      = "nl2sql-multiagent"
	ProviderMultiAgentEmpty = "nl2sql-multiagent-empty"
	ProviderMultiAgentSynth = "nl2sql-multiagent-synth"
	ProviderExplore         = "nl2sql-explore"
	ProviderAnalyst         = "nl2sql-analyst"
	ProviderNL2SQL          = "nl2sql"
)

// Observer receives pipeline counters. observability.MetricsCollector implements it.
type Observer interface {
	ObserveRouterDecision(route string, allowed bool)
	ObserveStreamEvent(kind string)
	ObserveBudgetRejection(agent string)
}

// Options tunes the orchestration.
type Options struct {
	MinRows              int
	ExploreMaxSteps      int
	AxesMaxItems         int
	EvidenceLimit        int
	OutputMaxRows        int
	OutputMaxColumns     int
	DictionaryMaxChars   int
	InjectAnalystPreview bool
	Animation            string     // sql | true | false
	Target               llm.Target // rendered in failure replies
}

// Deps are the collaborators of the orchestrator. Router, Retrieval,
// Dictionary, Animator and Observer are optional.
type Deps struct {
	Engine     dataengine.Engine
	Agents     *nl2sql.Service
	Validator  *sqlguard.Validator
	Provider   llm.Provider
	Prompts    *prompts.Store
	Router     *router.Router
	Retrieval  *retrieval.Agent
	Dictionary *dictionary.Repository
	Animator   *animator.Animator
	Observer   Observer
}

// Service is the chat orchestrator.
type Service struct {
	Deps
	opts   Options
	logger *slog.Logger
}

// New creates the orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) *Service {
	if opts.ExploreMaxSteps <= 0 {
		opts.ExploreMaxSteps = 3
	}
	if opts.AxesMaxItems <= 0 {
		opts.AxesMaxItems = 3
	}
	if opts.EvidenceLimit <= 0 {
		opts.EvidenceLimit = 100
	}
	if opts.DictionaryMaxChars <= 0 {
		opts.DictionaryMaxChars = 6000
	}
	if opts.Animation == "" {
		opts.Animation = AnimationSQL
	}
	return &Service{Deps: deps, opts: opts, logger: logger}
}

// Animation returns the configured animation mode.
func (s *Service) Animation() string { return s.opts.Animation }

// RouterError wraps a failure of the LLM router.
type RouterError struct{ Err error }

func (e *RouterError) Error() string { return e.Err.Error() }

func (e *RouterError) Unwrap() error { return e.Err }

// Route classifies the last user message. It returns nil when routing does
// not apply: router disabled, no trailing user message, or a /sql command.
func (s *Service) Route(ctx context.Context, b *budget.RequestBudget, req *domain.ChatRequest) (*router.Decision, error) {
	last, ok := req.LastUserMessage()
	if !ok || s.Router == nil || !s.Router.Enabled() || router.IsSQLCommand(last.Content) {
		return nil, nil
	}
	d, err := s.Router.Decide(ctx, b, last.Content)
	if err != nil {
		if budget.IsExceeded(err) {
			s.observeBudget(err)
			return nil, err
		}
		return nil, &RouterError{Err: err}
	}
	if s.Observer != nil {
		s.Observer.ObserveRouterDecision(string(d.Route), d.Allow)
	}
	s.logger.InfoContext(ctx, "router decision",
		slog.Bool("allow", d.Allow),
		slog.String("route", string(d.Route)),
		slog.Float64("confidence", d.Confidence),
		slog.String("reason", d.Reason),
	)
	return &d, nil
}

// Deflection is the reply to a message the router blocked.
func Deflection(d *router.Decision) *domain.ChatResponse {
	return &domain.ChatResponse{
		Reply: router.DeflectionMessage,
		Metadata: map[string]any{
			"provider":   ProviderRouter,
			"route":      string(d.Route),
			"confidence": d.Confidence,
		},
	}
}

// WithMarkdownPrompt returns req with the markdown system prompt prepended
// unless an identical system message is already present.
func (s *Service) WithMarkdownPrompt(req *domain.ChatRequest) *domain.ChatRequest {
	if s.Prompts == nil {
		return req
	}
	prompt, err := s.Prompts.Render(prompts.ChatMarkdownSystem, nil)
	if err != nil {
		s.logger.Warn("markdown prompt unavailable", slog.String("error", err.Error()))
		return req
	}
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem && m.Content == prompt {
			return req
		}
	}
	out := *req
	out.Messages = append([]domain.Message{{Role: domain.RoleSystem, Content: prompt}}, req.Messages...)
	return &out
}

// Respond runs a full non-streaming turn: markdown prompt, routing, then completion.
func (s *Service) Respond(ctx context.Context, b *budget.RequestBudget, req *domain.ChatRequest, allowed []string) (*domain.ChatResponse, error) {
	req = s.WithMarkdownPrompt(req)
	d, err := s.Route(ctx, b, req)
	if err != nil {
		return nil, err
	}
	if d != nil && !d.Allow {
		return Deflection(d), nil
	}
	return s.Completion(ctx, b, req, allowed, nil)
}

// Completion answers req. A trailing "/sql " user message is executed as is
// after validation; any other user message goes through the NL→SQL rounds;
// otherwise the conversation is sent to the chat model. allowed restricts
// the visible tables (nil = all). Budget and backend errors are returned;
// every other failure becomes an explanatory reply.
func (s *Service) Completion(ctx context.Context, b *budget.RequestBudget, req *domain.ChatRequest, allowed []string, sink domain.EventSink) (*domain.ChatResponse, error) {
	if last, ok := req.LastUserMessage(); ok {
		s.logger.InfoContext(ctx, "completion start",
			slog.Int("messages", len(req.Messages)),
			slog.String("preview", domain.Preview(last.Content, 160)),
		)
		var (
			resp *domain.ChatResponse
			err  error
		)
		if router.IsSQLCommand(last.Content) {
			resp, err = s.passthrough(ctx, last.Content, sink)
		} else {
			resp, err = s.multiAgent(ctx, b, req, allowed, sink)
		}
		if err != nil {
			s.observeBudget(err)
			return nil, err
		}
		return s.logCompletion(ctx, resp), nil
	}
	resp, err := s.chat(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.logCompletion(ctx, resp), nil
}

func (s *Service) passthrough(ctx context.Context, content string, sink domain.EventSink) (*domain.ChatResponse, error) {
	raw := sqlCommandBody(content)
	provider := s.Engine.Name() + "-sql"
	sql, err := s.Validator.Validate(raw)
	if err != nil {
		var ve *sqlguard.ValidationError
		if errors.As(err, &ve) {
			return &domain.ChatResponse{Reply: ve.Msg, Metadata: map[string]any{"provider": provider}}, nil
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "sql passthrough", slog.String("sql", domain.Preview(sql, 200)))
	s.emit(sink, "sql", map[string]any{"sql": sql})

	res, err := s.execute(ctx, "passthrough", sql)
	if err != nil {
		return nil, err
	}
	s.emit(sink, "rows", map[string]any{"columns": res.Columns, "rows": res.Rows, "row_count": res.RowCount()})
	s.emitEvidence(ctx, sink, raw, sql, res.Columns, res.Rows)

	text := noRowsMessage
	switch {
	case !res.Empty():
		text = FormatTable(res.Columns, res.Rows, passthroughLines)
	case res.ErrorMessage != "":
		text = res.ErrorMessage
	}
	return &domain.ChatResponse{Reply: text, Metadata: map[string]any{"provider": provider}}, nil
}

// sqlCommandBody returns the statement following a "/sql " prefix, or ""
// when nothing follows it.
func sqlCommandBody(content string) string {
	t := strings.TrimLeftFunc(content, unicode.IsSpace)
	if len(t) < len("/sql ") {
		return ""
	}
	return strings.TrimSpace(t[len("/sql "):])
}

func (s *Service) multiAgent(ctx context.Context, b *budget.RequestBudget, req *domain.ChatRequest, allowed []string, sink domain.EventSink) (*domain.ChatResponse, error) {
	raw, question := PrepareQuestion(req.Messages)
	prefix := s.Validator.Prefix()

	available, err := s.Engine.Tables(ctx, prefix)
	if err != nil {
		return nil, err
	}
	names := nl2sql.Schema(available).Tables()
	tables := FilterTables(names, allowed, ExcludedTables(req.Metadata))
	s.emit(sink, "meta", map[string]any{"effective_tables": tables})
	if len(tables) == 0 {
		s.logger.InfoContext(ctx, "no effective tables",
			slog.Any("allowed", allowed),
			slog.Any("excluded", ExcludedTables(req.Metadata)),
		)
		return &domain.ChatResponse{
			Reply:    noActiveTablesMessage,
			Metadata: map[string]any{"provider": ProviderACL, "effective_tables": []string{}},
		}, nil
	}
	schema := make(nl2sql.Schema, len(tables))
	for _, t := range tables {
		schema[t] = available[t]
	}

	enriched := question
	if s.Dictionary != nil {
		enriched = s.Dictionary.Enrich(question, schema, s.opts.DictionaryMaxChars)
	}
	s.logger.InfoContext(ctx, "question prepared",
		slog.Any("tables", tables),
		slog.String("raw", domain.Preview(raw, 200)),
		slog.String("enriched", domain.Preview(enriched, 200)),
	)

	rounds := Rounds(b)
	minRows := max(0, s.opts.MinRows)
	s.logger.InfoContext(ctx, "rounds derived from budgets", slog.Int("rounds", rounds))
	s.emit(sink, "plan", map[string]any{
		"mode":                  "multiagent",
		"explore_rounds":        rounds,
		"satisfaction_min_rows": minRows,
	})
	if rounds <= 0 {
		return &domain.ChatResponse{
			Reply:    explorationDisabledMessage + "\n" + s.opts.Target.Diagnostic(),
			Metadata: map[string]any{"provider": ProviderMultiAgentEmpty, "rounds_used": 0},
		}, nil
	}

	var (
		evidence  []domain.Evidence
		lastCols  []string
		lastRows  [][]any
		diagnosis = "\n" + s.opts.Target.Diagnostic()
	)
	for r := 1; r <= rounds; r++ {
		observations := ""
		if len(evidence) > 0 {
			observations = fmt.Sprintf("Evidence so far: %d items.", len(evidence))
		}
		probes, err := s.Agents.Explore(ctx, b, enriched, schema, s.opts.ExploreMaxSteps, observations)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			s.logger.ErrorContext(ctx, "explore failed", slog.Int("round", r), slog.String("error", err.Error()))
			return &domain.ChatResponse{
				Reply:    fmt.Sprintf("Échec de l'exploration (tour %d): %s%s", r, err, diagnosis),
				Metadata: map[string]any{"provider": ProviderExplore},
			}, nil
		}
		s.emit(sink, "plan", map[string]any{"round": r, "steps": probes, "purpose": "explore"})

		for i, p := range probes {
			step := i + 1
			s.emit(sink, "sql", map[string]any{"sql": p.SQL, "purpose": "explore", "round": r, "step": step})
			res, err := s.execute(ctx, "explore", p.SQL)
			if err != nil {
				return nil, err
			}
			s.emit(sink, "rows", map[string]any{
				"round":     r,
				"step":      step,
				"purpose":   "explore",
				"columns":   res.Columns,
				"rows":      res.Rows,
				"row_count": res.RowCount(),
			})
			purpose := p.Purpose
			if purpose == "" {
				purpose = "explore"
			}
			evidence = append(evidence, domain.Evidence{Purpose: purpose, SQL: p.SQL, Columns: res.Columns, Rows: res.Rows})
			if !res.Empty() {
				lastCols, lastRows = res.Columns, res.Rows
			}
		}

		axes, err := s.Agents.ProposeAxes(ctx, b, question, schema, evidence, s.opts.AxesMaxItems)
		switch {
		case err == nil:
			s.emit(sink, "meta", map[string]any{"axes_suggestions": axes, "round": r})
		case fatal(ctx, err):
			return nil, err
		default:
			s.logger.WarnContext(ctx, "axes unavailable", slog.String("error", err.Error()))
		}

		finalSQL, err := s.Agents.GenerateWithEvidence(ctx, b, enriched, schema, evidence)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			s.logger.ErrorContext(ctx, "analyst failed", slog.Int("round", r), slog.String("error", err.Error()))
			return &domain.ChatResponse{
				Reply:    fmt.Sprintf("Échec de la génération SQL (analyste): %s%s", err, diagnosis),
				Metadata: map[string]any{"provider": ProviderAnalyst},
			}, nil
		}
		s.emit(sink, "sql", map[string]any{"sql": finalSQL, "purpose": "answer", "round": r})
		res, err := s.execute(ctx, "answer", finalSQL)
		if err != nil {
			return nil, err
		}
		s.emit(sink, "rows", map[string]any{
			"purpose":   "answer",
			"round":     r,
			"columns":   res.Columns,
			"rows":      res.Rows,
			"row_count": res.RowCount(),
		})
		s.emitEvidence(ctx, sink, raw, finalSQL, lastCols, lastRows)

		if res.RowCount() < minRows {
			s.logger.InfoContext(ctx, "round unsatisfied", slog.Int("round", r), slog.Int("rows", res.RowCount()))
			continue
		}
		forAnswer := append(append([]domain.Evidence(nil), evidence...),
			domain.Evidence{Purpose: "answer", SQL: finalSQL, Columns: res.Columns, Rows: res.Rows})
		return s.answer(ctx, b, question, finalSQL, forAnswer, r, sink)
	}

	return &domain.ChatResponse{
		Reply:    unsatisfiedMessage + diagnosis,
		Metadata: map[string]any{"provider": ProviderMultiAgentEmpty},
	}, nil
}

// answer runs the optional analyst preview, retrieval and the writer.
func (s *Service) answer(ctx context.Context, b *budget.RequestBudget, question, finalSQL string, evidence []domain.Evidence, round int, sink domain.EventSink) (*domain.ChatResponse, error) {
	var preview string
	if s.opts.InjectAnalystPreview {
		if b.Allows(budget.Analyst) {
			text, err := s.Agents.Synthesize(ctx, b, question, evidence)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.logger.WarnContext(ctx, "analyst preview unavailable", slog.String("error", err.Error()))
			}
			preview = strings.TrimSpace(text)
		} else {
			s.logger.InfoContext(ctx, "analyst preview skipped: cap reached", slog.Int("count", b.Count(budget.Analyst)))
		}
	}

	retrievalQuestion := question
	if preview != "" {
		retrievalQuestion = question + "\n\nRéponse analyste (SQL): " + preview
	}
	rows, highlight, err := s.retrieveContext(ctx, b, retrievalQuestion, sink, round)
	if err != nil {
		return nil, err
	}

	answer, err := s.Agents.Write(ctx, b, question, evidence, rows)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		reply := fmt.Sprintf("Échec de la synthèse finale (rédaction): %s\n%s", err, s.opts.Target.Diagnostic())
		return &domain.ChatResponse{
			Reply: AppendHighlight(reply, highlight),
			Metadata: map[string]any{
				"provider":       ProviderMultiAgentSynth,
				"retrieval_rows": rows,
			},
		}, nil
	}
	reply := strings.TrimSpace(answer)
	if reply == "" {
		reply = emptyAnswerMessage
	}
	meta := map[string]any{
		"provider":       ProviderMultiAgent,
		"rounds_used":    round,
		"sql":            finalSQL,
		"agents":         []string{budget.Explorer, budget.Analyst, budget.Retrieval, budget.Writer},
		"retrieval_rows": rows,
	}
	if highlight != "" {
		meta["highlight"] = highlight
	}
	return &domain.ChatResponse{Reply: reply, Metadata: meta}, nil
}

// retrieveContext runs the retrieval agent. Budget and cancellation errors
// are returned; any other failure becomes a highlight naming the cause while
// the rows already retrieved are kept.
func (s *Service) retrieveContext(ctx context.Context, b *budget.RequestBudget, question string, sink domain.EventSink, round int) ([]retrieval.Row, string, error) {
	if s.Retrieval == nil {
		return []retrieval.Row{}, "", nil
	}
	rows, highlight, err := s.Retrieval.Run(ctx, b, question, s.safeSink(sink), round)
	if err != nil {
		if fatal(ctx, err) {
			return nil, "", err
		}
		msg := domain.Preview(err.Error(), 160)
		s.logger.ErrorContext(ctx, "retrieval failed", slog.String("error", msg))
		return rowsOrEmpty(rows), retrieval.HighlightPrefix + "synthèse indisponible (" + msg + ").", nil
	}
	return rowsOrEmpty(rows), highlight, nil
}

// chat sends the conversation to the chat model.
func (s *Service) chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := s.Provider.SendMessage(ctx, toLLMRequest(req))
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{
		Reply:    resp.Content,
		Metadata: map[string]any{"provider": s.Provider.Name(), "model": resp.Model},
	}, nil
}

// toLLMRequest folds system messages into the system prompt.
func toLLMRequest(req *domain.ChatRequest) *llm.Request {
	var system []string
	out := &llm.Request{}
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out.Messages = append(out.Messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	out.SystemPrompt = strings.Join(system, "\n\n")
	return out
}

// execute runs sql and caps the result for downstream consumers.
func (s *Service) execute(ctx context.Context, purpose, sql string) (*dataengine.Result, error) {
	s.logger.InfoContext(ctx, "executing sql", slog.String("purpose", purpose), slog.String("sql", domain.Preview(sql, 200)))
	res, err := s.Engine.Execute(dataengine.WithPurpose(ctx, purpose), sql)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &dataengine.Result{}
	}
	res.Truncate(s.opts.OutputMaxRows, s.opts.OutputMaxColumns)
	if res.Columns == nil {
		res.Columns = []string{}
	}
	if res.Rows == nil {
		res.Rows = [][]any{}
	}
	if res.ErrorMessage != "" {
		s.logger.WarnContext(ctx, "engine rejected query", slog.String("purpose", purpose), slog.String("error", res.ErrorMessage))
	}
	return res, nil
}

// emit forwards an event, treating sink failures as non-fatal.
func (s *Service) emit(sink domain.EventSink, kind string, payload map[string]any) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("event sink failed", slog.String("kind", kind), slog.Any("panic", r))
		}
	}()
	sink(kind, payload)
}

func (s *Service) safeSink(sink domain.EventSink) domain.EventSink {
	if sink == nil {
		return nil
	}
	return func(kind string, payload map[string]any) { s.emit(sink, kind, payload) }
}

func (s *Service) observeBudget(err error) {
	var ee *budget.ExceededError
	if s.Observer != nil && errors.As(err, &ee) {
		s.Observer.ObserveBudgetRejection(ee.Agent)
	}
}

func (s *Service) logCompletion(ctx context.Context, resp *domain.ChatResponse) *domain.ChatResponse {
	s.logger.InfoContext(ctx, "completion done",
		slog.String("provider", resp.Provider()),
		slog.String("reply", domain.Preview(resp.Reply, 160)),
	)
	return resp
}

// fatal reports errors that must abort the turn instead of becoming a reply.
func fatal(ctx context.Context, err error) bool {
	return budget.IsExceeded(err) || ctx.Err() != nil
}
