package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/llm"
	"github.com/jkaninda/insight/internal/nl2sql"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/retrieval"
	"github.com/jkaninda/insight/internal/router"
	"github.com/jkaninda/insight/internal/sqlguard"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Stubs ---

// stubProvider answers per agent.
type stubProvider struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   map[string]int
	last    map[string]*llm.Request
}

func newStubProvider(replies map[string]string) *stubProvider {
	return &stubProvider{
		replies: replies,
		errs:    map[string]error{},
		calls:   map[string]int{},
		last:    map[string]*llm.Request{},
	}
}

func (s *stubProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Agent]++
	s.last[req.Agent] = req
	if err := s.errs[req.Agent]; err != nil {
		return nil, err
	}
	return &llm.Response{Content: s.replies[req.Agent], Model: "stub-model"}, nil
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) count(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agent]
}

type stubEngine struct {
	mu       sync.Mutex
	tables   map[string][]string
	execute  func(sql string) (*dataengine.Result, error)
	executed []string
	purposes []string
}

func (e *stubEngine) Execute(ctx context.Context, sql string) (*dataengine.Result, error) {
	e.mu.Lock()
	e.executed = append(e.executed, sql)
	e.purposes = append(e.purposes, dataengine.PurposeFrom(ctx))
	e.mu.Unlock()
	return e.execute(sql)
}

func (e *stubEngine) Tables(context.Context, string) (map[string][]string, error) {
	return e.tables, nil
}

func (e *stubEngine) Name() string { return "stub" }

type stubRetriever struct {
	rows []retrieval.Row
	err  error
}

func (r *stubRetriever) Retrieve(context.Context, string, int) ([]retrieval.Row, error) {
	return r.rows, r.err
}

type stubObserver struct {
	mu       sync.Mutex
	routes   []string
	events   []string
	rejected []string
}

func (o *stubObserver) ObserveRouterDecision(route string, _ bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.routes = append(o.routes, route)
}

func (o *stubObserver) ObserveStreamEvent(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, kind)
}

func (o *stubObserver) ObserveBudgetRejection(agent string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, agent)
}

type recorder struct {
	mu     sync.Mutex
	kinds  []string
	events []Event
}

func (r *recorder) sink(kind string, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.events = append(r.events, Event{Kind: kind, Data: payload})
}

func (r *recorder) find(kind, purpose string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind && (purpose == "" || e.Data["purpose"] == purpose) {
			return e.Data, true
		}
	}
	return nil, false
}

// salesEngine answers counts with 42 and row-level queries with two sales.
func salesEngine() *stubEngine {
	return &stubEngine{
		tables: map[string][]string{
			"ventes":  {"id", "montant", "date_vente"},
			"clients": {"id", "ville"},
		},
		execute: func(sql string) (*dataengine.Result, error) {
			if strings.Contains(strings.ToUpper(sql), "COUNT(") {
				return &dataengine.Result{Columns: []string{"n"}, Rows: [][]any{{42}}}, nil
			}
			return &dataengine.Result{
				Columns: []string{"id", "montant", "date_vente"},
				Rows:    [][]any{{1, 10.5, "2024-01-02"}, {2, 99, "2024-02-03"}},
			}, nil
		},
	}
}

func pipelineReplies() map[string]string {
	return map[string]string{
		budget.Explorer:  `{"queries":[{"purpose":"compter les ventes","sql":"SELECT COUNT(*) AS n FROM files.ventes"}]}`,
		budget.Axes:      `{"axes":[{"x":"date_vente","y":"montant","agg":"sum","chart":"line"}]}`,
		budget.Analyst:   "SELECT COUNT(*) AS n FROM files.ventes",
		budget.Writer:    "Il y a 42 ventes.",
		budget.Retrieval: "Deux ventes similaires en janvier.",
	}
}

func newTestService(p llm.Provider, e dataengine.Engine, opts Options, extra func(*Deps)) *Service {
	logger := discardLogger()
	store := prompts.NewStore("", logger)
	validator := sqlguard.New("files")
	deps := Deps{
		Engine:    e,
		Agents:    nl2sql.New(p, store, validator, nl2sql.Config{}, logger),
		Validator: validator,
		Provider:  p,
		Prompts:   store,
	}
	if extra != nil {
		extra(&deps)
	}
	if opts.MinRows == 0 {
		opts.MinRows = 1
	}
	return New(deps, opts, logger)
}

func userRequest(text string) *domain.ChatRequest {
	return &domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: text}}}
}

// --- Completion: multi-agent rounds ---

func TestCompletion_SatisfiedFirstRound(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	e := salesEngine()
	s := newTestService(p, e, Options{}, nil)
	rec := &recorder{}
	b := budget.New(map[string]int{budget.Explorer: 2, budget.Analyst: 5})

	resp, err := s.Completion(context.Background(), b, userRequest("Combien de ventes ?"), nil, rec.sink)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Reply != "Il y a 42 ventes." {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.Provider() != ProviderMultiAgent || resp.Metadata["rounds_used"] != 1 {
		t.Errorf("metadata = %v", resp.Metadata)
	}
	if !strings.Contains(resp.Metadata["sql"].(string), "COUNT(*)") {
		t.Errorf("sql metadata = %v", resp.Metadata["sql"])
	}
	if rows, ok := resp.Metadata["retrieval_rows"].([]retrieval.Row); !ok || rows == nil || len(rows) != 0 {
		t.Errorf("retrieval_rows = %#v", resp.Metadata["retrieval_rows"])
	}

	want := []string{"meta", "plan", "plan", "sql", "rows", "meta", "sql", "rows", "sql", "meta", "rows"}
	if strings.Join(rec.kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", rec.kinds, want)
	}
	if plan, _ := rec.find("plan", ""); plan["explore_rounds"] != 2 || plan["mode"] != "multiagent" {
		t.Errorf("plan = %v", plan)
	}
	if tables, _ := rec.find("meta", ""); len(tables["effective_tables"].([]string)) != 2 {
		t.Errorf("effective tables = %v", tables)
	}
	evidence, ok := rec.find("rows", "evidence")
	if !ok || evidence["row_count"] != 2 {
		t.Errorf("evidence rows = %v", evidence)
	}
	if sql, _ := rec.find("sql", "evidence"); !strings.Contains(sql["sql"].(string), "LIMIT") {
		t.Errorf("evidence sql = %v", sql)
	}

	if got := strings.Join(e.purposes, ","); got != "explore,answer,evidence" {
		t.Errorf("execution purposes = %s", got)
	}
	if p.count(budget.Writer) != 1 || p.count(budget.Explorer) != 1 {
		t.Errorf("calls = %v", p.calls)
	}
	if n, _ := b.Remaining(budget.Explorer); n != 1 {
		t.Errorf("explorer remaining = %d", n)
	}
}

func TestCompletion_NoEffectiveTables(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	s := newTestService(p, salesEngine(), Options{}, nil)

	req := userRequest("Combien de ventes ?")
	req.Metadata = map[string]any{"exclude_tables": []any{"ventes", "CLIENTS"}}
	resp, err := s.Completion(context.Background(), nil, req, nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != ProviderACL || resp.Reply != noActiveTablesMessage {
		t.Errorf("resp = %+v", resp)
	}
	if p.count(budget.Explorer) != 0 {
		t.Error("explorer must not run without tables")
	}

	resp, _ = s.Completion(context.Background(), nil, userRequest("Combien ?"), []string{}, nil)
	if resp.Provider() != ProviderACL {
		t.Errorf("empty allow-list must hide every table, got %v", resp.Metadata)
	}
}

func TestCompletion_ExplorationDisabled(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	s := newTestService(p, salesEngine(), Options{}, nil)
	b := budget.New(map[string]int{budget.Explorer: 0, budget.Analyst: 5})

	resp, err := s.Completion(context.Background(), b, userRequest("Combien de ventes ?"), nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != ProviderMultiAgentEmpty || resp.Metadata["rounds_used"] != 0 {
		t.Errorf("metadata = %v", resp.Metadata)
	}
	if !strings.HasPrefix(resp.Reply, "Exploration désactivée") {
		t.Errorf("reply = %q", resp.Reply)
	}
	if len(p.calls) != 0 {
		t.Errorf("no agent may run, calls = %v", p.calls)
	}
}

func TestCompletion_UnsatisfiedAccumulatesEvidence(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	s := newTestService(p, salesEngine(), Options{MinRows: 100}, nil)
	b := budget.New(map[string]int{budget.Explorer: 2, budget.Analyst: 2})

	resp, err := s.Completion(context.Background(), b, userRequest("Combien de ventes ?"), nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != ProviderMultiAgentEmpty || !strings.HasPrefix(resp.Reply, "Impossible de produire") {
		t.Errorf("resp = %+v", resp)
	}
	if p.count(budget.Explorer) != 2 || p.count(budget.Writer) != 0 {
		t.Errorf("calls = %v", p.calls)
	}
	if !strings.Contains(p.last[budget.Explorer].Messages[0].Content, "Evidence so far: 1 items.") {
		t.Errorf("second explore misses observations: %q", p.last[budget.Explorer].Messages[0].Content)
	}
}

func TestCompletion_BudgetPropagates(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	obs := &stubObserver{}
	s := newTestService(p, salesEngine(), Options{}, func(d *Deps) { d.Observer = obs })
	b := budget.New(map[string]int{budget.Explorer: 1, budget.Analyst: 1, budget.Axes: 0})

	_, err := s.Completion(context.Background(), b, userRequest("Combien de ventes ?"), nil, nil)
	if !budget.IsExceeded(err) {
		t.Fatalf("expected budget error, got %v", err)
	}
	if ErrorCode(err) != CodeBudgetExceeded {
		t.Errorf("code = %s", ErrorCode(err))
	}
	if len(obs.rejected) != 1 || obs.rejected[0] != budget.Axes {
		t.Errorf("rejections = %v", obs.rejected)
	}
}

func TestCompletion_AxesFailureIsNotFatal(t *testing.T) {
	replies := pipelineReplies()
	replies[budget.Axes] = "pas de json"
	s := newTestService(newStubProvider(replies), salesEngine(), Options{}, nil)
	rec := &recorder{}

	resp, err := s.Completion(context.Background(), nil, userRequest("Combien de ventes ?"), nil, rec.sink)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != ProviderMultiAgent {
		t.Errorf("metadata = %v", resp.Metadata)
	}
	for _, e := range rec.events {
		if _, ok := e.Data["axes_suggestions"]; ok {
			t.Error("axes event emitted despite failure")
		}
	}
}

func TestCompletion_AgentFailures(t *testing.T) {
	explore := pipelineReplies()
	explore[budget.Explorer] = "je ne sais pas"
	s := newTestService(newStubProvider(explore), salesEngine(), Options{}, nil)
	resp, err := s.Completion(context.Background(), nil, userRequest("Combien de ventes ?"), nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != ProviderExplore || !strings.HasPrefix(resp.Reply, "Échec de l'exploration (tour 1)") {
		t.Errorf("explore failure = %+v", resp)
	}

	analyst := pipelineReplies()
	analyst[budget.Analyst] = "DELETE FROM files.ventes"
	s = newTestService(newStubProvider(analyst), salesEngine(), Options{}, nil)
	resp, err = s.Completion(context.Background(), nil, userRequest("Combien de ventes ?"), nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != ProviderAnalyst {
		t.Errorf("analyst failure = %+v", resp)
	}
}

func TestCompletion_WriterFailureKeepsRetrieval(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	p.errs[budget.Writer] = &domain.BackendError{Backend: "llm", Message: "upstream 503"}
	rows := []retrieval.Row{{Table: "ventes", Score: 0.91, Focus: "janvier"}}
	s := newTestService(p, salesEngine(), Options{}, func(d *Deps) {
		d.Retrieval = retrieval.NewAgent(&stubRetriever{rows: rows}, p, d.Prompts, retrieval.AgentConfig{TopN: 3}, discardLogger())
	})

	resp, err := s.Completion(context.Background(), nil, userRequest("Combien de ventes ?"), nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != ProviderMultiAgentSynth {
		t.Errorf("metadata = %v", resp.Metadata)
	}
	if !strings.HasPrefix(resp.Reply, "Échec de la synthèse finale (rédaction): upstream 503") {
		t.Errorf("reply = %q", resp.Reply)
	}
	if !strings.Contains(resp.Reply, retrieval.HighlightPrefix+"Deux ventes similaires") {
		t.Errorf("highlight missing: %q", resp.Reply)
	}
	if got, _ := resp.Metadata["retrieval_rows"].([]retrieval.Row); len(got) != 1 {
		t.Errorf("retrieval_rows = %v", resp.Metadata["retrieval_rows"])
	}
}

func TestCompletion_RetrievalFailureBecomesHighlight(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	p.errs[budget.Retrieval] = errors.New("modèle indisponible")
	rows := []retrieval.Row{{Table: "ventes", Score: 0.5}}
	s := newTestService(p, salesEngine(), Options{}, func(d *Deps) {
		d.Retrieval = retrieval.NewAgent(&stubRetriever{rows: rows}, p, d.Prompts, retrieval.AgentConfig{TopN: 3}, discardLogger())
	})

	resp, err := s.Completion(context.Background(), nil, userRequest("Combien de ventes ?"), nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	hl, _ := resp.Metadata["highlight"].(string)
	if !strings.HasPrefix(hl, retrieval.HighlightPrefix+"synthèse indisponible (") {
		t.Errorf("highlight = %q", hl)
	}
	if got, _ := resp.Metadata["retrieval_rows"].([]retrieval.Row); len(got) != 1 {
		t.Errorf("rows must be kept, got %v", resp.Metadata["retrieval_rows"])
	}
}

func TestCompletion_AnalystPreviewFeedsRetrieval(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	retriever := &recordingRetriever{}
	s := newTestService(p, salesEngine(), Options{InjectAnalystPreview: true}, func(d *Deps) {
		d.Retrieval = retrieval.NewAgent(retriever, p, d.Prompts, retrieval.AgentConfig{TopN: 3}, discardLogger())
	})

	if _, err := s.Completion(context.Background(), nil, userRequest("Combien de ventes ?"), nil, nil); err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if !strings.Contains(retriever.question, "Réponse analyste (SQL): SELECT COUNT(*)") {
		t.Errorf("retrieval question = %q", retriever.question)
	}
	if p.count(budget.Analyst) != 2 {
		t.Errorf("analyst calls = %d", p.count(budget.Analyst))
	}
}

type recordingRetriever struct{ question string }

func (r *recordingRetriever) Retrieve(_ context.Context, question string, _ int) ([]retrieval.Row, error) {
	r.question = question
	return nil, nil
}

// --- Completion: /sql passthrough and plain chat ---

func TestCompletion_SQLPassthrough(t *testing.T) {
	p := newStubProvider(nil)
	e := salesEngine()
	s := newTestService(p, e, Options{}, nil)
	rec := &recorder{}

	resp, err := s.Completion(context.Background(), nil, userRequest("/sql SELECT id FROM files.ventes"), nil, rec.sink)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Provider() != "stub-sql" {
		t.Errorf("provider = %s", resp.Provider())
	}
	lines := strings.Split(resp.Reply, "\n")
	if len(lines) != 4 || lines[0] != "id | montant | date_vente" || !strings.HasPrefix(lines[1], "---") {
		t.Errorf("table = %q", resp.Reply)
	}
	if rec.kinds[0] != "sql" || rec.kinds[1] != "rows" {
		t.Errorf("events = %v", rec.kinds)
	}
	if len(p.calls) != 0 {
		t.Error("passthrough must not call any agent")
	}
}

func TestCompletion_SQLPassthroughRejected(t *testing.T) {
	e := salesEngine()
	s := newTestService(newStubProvider(nil), e, Options{}, nil)

	resp, err := s.Completion(context.Background(), nil, userRequest("/sql DELETE FROM files.ventes"), nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Reply == "" || len(e.executed) != 0 {
		t.Errorf("reply = %q, executed = %v", resp.Reply, e.executed)
	}
}

func TestCompletion_SQLPassthroughNoStatement(t *testing.T) {
	e := salesEngine()
	s := newTestService(newStubProvider(nil), e, Options{}, nil)

	for _, msg := range []string{"/sql ", "  /sql    ", "/SQL \t "} {
		resp, err := s.Completion(context.Background(), nil, userRequest(msg), nil, nil)
		if err != nil {
			t.Fatalf("Completion(%q): %v", msg, err)
		}
		if resp.Reply != "Requête SQL vide." {
			t.Errorf("Completion(%q) reply = %q", msg, resp.Reply)
		}
	}
	if len(e.executed) != 0 {
		t.Errorf("executed = %v", e.executed)
	}
}

func TestSQLCommandBody(t *testing.T) {
	tests := map[string]string{
		"/sql SELECT 1":     "SELECT 1",
		"  /sql  SELECT 1 ": "SELECT 1",
		"/sql ":             "",
		"/sql":              "",
	}
	for in, want := range tests {
		if got := sqlCommandBody(in); got != want {
			t.Errorf("sqlCommandBody(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompletion_SQLPassthroughEmpty(t *testing.T) {
	e := &stubEngine{execute: func(string) (*dataengine.Result, error) {
		return &dataengine.Result{ErrorMessage: "Table not found"}, nil
	}}
	s := newTestService(newStubProvider(nil), e, Options{}, nil)
	resp, _ := s.Completion(context.Background(), nil, userRequest("/sql SELECT * FROM files.absente"), nil, nil)
	if resp.Reply != "Table not found" {
		t.Errorf("reply = %q", resp.Reply)
	}

	e.execute = func(string) (*dataengine.Result, error) { return &dataengine.Result{}, nil }
	resp, _ = s.Completion(context.Background(), nil, userRequest("/sql SELECT * FROM files.vide"), nil, nil)
	if resp.Reply != noRowsMessage {
		t.Errorf("reply = %q", resp.Reply)
	}
}

func TestCompletion_BackendErrorPropagates(t *testing.T) {
	e := &stubEngine{execute: func(string) (*dataengine.Result, error) {
		return nil, &domain.BackendError{Backend: "mindsdb", Message: "connection refused"}
	}}
	s := newTestService(newStubProvider(nil), e, Options{}, nil)
	_, err := s.Completion(context.Background(), nil, userRequest("/sql SELECT id FROM files.ventes"), nil, nil)
	if ErrorCode(err) != CodeBackend {
		t.Errorf("err = %v (%s)", err, ErrorCode(err))
	}
}

func TestCompletion_PlainChat(t *testing.T) {
	p := newStubProvider(map[string]string{"": "Bonjour !"})
	s := newTestService(p, salesEngine(), Options{}, nil)
	req := &domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleSystem, Content: "Sois bref."},
		{Role: domain.RoleUser, Content: "salut"},
		{Role: domain.RoleAssistant, Content: "..."},
	}}
	resp, err := s.Completion(context.Background(), nil, req, nil, nil)
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if resp.Reply != "Bonjour !" || resp.Provider() != "stub" {
		t.Errorf("resp = %+v", resp)
	}
	if got := p.last[""]; got.SystemPrompt != "Sois bref." || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
}

// --- Routing ---

func TestRespond_RouterBlocks(t *testing.T) {
	p := newStubProvider(pipelineReplies())
	e := salesEngine()
	obs := &stubObserver{}
	s := newTestService(p, e, Options{}, func(d *Deps) {
		d.Router = router.New(router.Config{Mode: router.ModeRule}, nil, d.Prompts, discardLogger())
		d.Observer = obs
	})

	resp, err := s.Respond(context.Background(), nil, userRequest("salut, ça va ?"), nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Reply != router.DeflectionMessage || resp.Provider() != ProviderRouter {
		t.Errorf("resp = %+v", resp)
	}
	if len(e.executed) != 0 || len(p.calls) != 0 {
		t.Error("blocked message must not reach the pipeline")
	}
	if len(obs.routes) != 1 {
		t.Errorf("router decisions = %v", obs.routes)
	}

	resp, err = s.Respond(context.Background(), nil, userRequest("Combien de ventes en 2024 ?"), nil)
	if err != nil || resp.Provider() != ProviderMultiAgent {
		t.Errorf("data question blocked: %+v, %v", resp, err)
	}
}

func TestRoute_Skipped(t *testing.T) {
	s := newTestService(newStubProvider(nil), salesEngine(), Options{}, func(d *Deps) {
		d.Router = router.New(router.Config{Mode: router.ModeRule}, nil, d.Prompts, discardLogger())
	})
	if d, err := s.Route(context.Background(), nil, userRequest("/sql SELECT 1")); d != nil || err != nil {
		t.Errorf("/sql must bypass the router: %v %v", d, err)
	}

	s = newTestService(newStubProvider(nil), salesEngine(), Options{}, func(d *Deps) {
		d.Router = router.New(router.Config{Mode: router.ModeDisabled}, nil, d.Prompts, discardLogger())
	})
	if d, _ := s.Route(context.Background(), nil, userRequest("salut")); d != nil {
		t.Errorf("disabled router decided: %+v", d)
	}
}

func TestRoute_BackendError(t *testing.T) {
	p := newStubProvider(nil)
	p.errs[budget.Router] = &domain.BackendError{Backend: "router", Message: "timeout"}
	s := newTestService(p, salesEngine(), Options{}, func(d *Deps) {
		d.Router = router.New(router.Config{Mode: router.ModeLocal}, p, d.Prompts, discardLogger())
	})
	_, err := s.Route(context.Background(), nil, userRequest("Combien de ventes ?"))
	if ErrorCode(err) != CodeRouterBackend {
		t.Errorf("code = %s (%v)", ErrorCode(err), err)
	}
}

// --- Stream ---

func drain(t *testing.T, st *Stream) []Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Event
	for {
		e, ok := st.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				t.Fatal("stream did not terminate")
			}
			return out
		}
		out = append(out, e)
	}
}

func TestStream_Pipeline(t *testing.T) {
	replies := pipelineReplies()
	replies[budget.Writer] = "Ligne 1\nLigne 2"
	obs := &stubObserver{}
	s := newTestService(newStubProvider(replies), salesEngine(), Options{Target: llm.Target{Model: "m1"}}, func(d *Deps) {
		d.Observer = obs
	})

	events := drain(t, s.Stream(context.Background(), nil, userRequest("Combien de ventes ?"), nil,
		StreamOptions{RequestID: "req-1", ConversationID: "c-1"}))

	first := events[0]
	if first.Kind != "meta" || first.Data["provider"] != ProviderNL2SQL || first.Data["request_id"] != "req-1" || first.Data["model"] != "m1" {
		t.Errorf("first event = %+v", first)
	}
	last := events[len(events)-1]
	if last.Kind != "done" || last.Data["content_full"] != "Ligne 1\nLigne 2" || last.Data["finish_reason"] != "stop" {
		t.Fatalf("last event = %+v", last)
	}

	var deltas []string
	for i, e := range events {
		if e.Kind != "delta" {
			continue
		}
		if e.Data["seq"] != len(deltas)+1 {
			t.Errorf("delta %d seq = %v", i, e.Data["seq"])
		}
		deltas = append(deltas, e.Data["content"].(string))
	}
	if strings.Join(deltas, "") != "Ligne 1\nLigne 2" || len(deltas) != 2 {
		t.Errorf("deltas = %q", deltas)
	}
	if len(obs.events) != len(events) {
		t.Errorf("observed %d events, streamed %d", len(obs.events), len(events))
	}
}

func TestStream_RouterDeflection(t *testing.T) {
	s := newTestService(newStubProvider(nil), salesEngine(), Options{}, func(d *Deps) {
		d.Router = router.New(router.Config{Mode: router.ModeRule}, nil, d.Prompts, discardLogger())
	})
	events := drain(t, s.Stream(context.Background(), nil, userRequest("merci"), nil, StreamOptions{}))

	if events[0].Data["provider"] != ProviderRouter || events[0].Data["model"] != "rule" {
		t.Errorf("meta = %+v", events[0])
	}
	if events[1].Kind != "delta" || events[len(events)-1].Data["content_full"] != router.DeflectionMessage {
		t.Errorf("events = %+v", events)
	}
}

func TestStream_ErrorTerminates(t *testing.T) {
	s := newTestService(newStubProvider(pipelineReplies()), salesEngine(), Options{}, nil)
	b := budget.New(map[string]int{budget.Explorer: 1, budget.Analyst: 1, budget.Axes: 0})
	events := drain(t, s.Stream(context.Background(), b, userRequest("Combien de ventes ?"), nil, StreamOptions{}))

	last := events[len(events)-1]
	if last.Kind != "error" || last.Data["code"] != CodeBudgetExceeded {
		t.Errorf("last = %+v", last)
	}
	for _, e := range events {
		if e.Kind == "done" || e.Kind == "delta" {
			t.Errorf("unexpected %s after failure", e.Kind)
		}
	}
}

func TestStream_PlainChat(t *testing.T) {
	s := newTestService(newStubProvider(map[string]string{"": "Réponse libre"}), salesEngine(), Options{}, nil)
	req := &domain.ChatRequest{Messages: []domain.Message{
		{Role: domain.RoleUser, Content: "bonjour"},
		{Role: domain.RoleAssistant, Content: "Bonjour"},
	}}
	events := drain(t, s.Stream(context.Background(), nil, req, nil, StreamOptions{}))

	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	if strings.Join(kinds, ",") != "meta,delta,done" {
		t.Fatalf("kinds = %v", kinds)
	}
	if events[0].Data["provider"] != "stub" || events[2].Data["content_full"] != "Réponse libre" {
		t.Errorf("events = %+v", events)
	}
}

func TestStream_DropsAfterTerminal(t *testing.T) {
	st := newStream(nil)
	st.push("meta", nil)
	st.push("done", map[string]any{})
	st.push("anim", map[string]any{"message": "trop tard"})

	events := drain(t, st)
	if len(events) != 2 || events[1].Kind != "done" {
		t.Errorf("events = %+v", events)
	}
}

func TestStream_NextHonoursContext(t *testing.T) {
	st := newStream(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := st.Next(ctx); ok {
		t.Error("Next must stop on a cancelled context")
	}
}

func TestPersistencePolicy(t *testing.T) {
	evidence := map[string]any{"purpose": "evidence"}
	explore := map[string]any{"purpose": "explore"}
	tests := []struct {
		mode, kind string
		data       map[string]any
		persist    bool
		send       bool
	}{
		{AnimationSQL, "sql", nil, true, true},
		{AnimationSQL, "plan", nil, true, true},
		{AnimationSQL, "rows", explore, false, true},
		{AnimationSQL, "rows", evidence, true, true},
		{AnimationOn, "anim", nil, false, true},
		{AnimationOn, "meta", nil, true, true},
		{AnimationOff, "sql", nil, false, false},
		{AnimationOff, "plan", nil, false, false},
		{AnimationOff, "meta", nil, true, true},
		{AnimationOff, "rows", evidence, true, true},
		{AnimationOff, "rows", explore, false, true},
		{AnimationSQL, "delta", nil, false, true},
	}
	for _, tt := range tests {
		if got := ShouldPersist(tt.mode, tt.kind, tt.data); got != tt.persist {
			t.Errorf("ShouldPersist(%s, %s, %v) = %v", tt.mode, tt.kind, tt.data, got)
		}
		if got := ShouldSend(tt.mode, tt.kind); got != tt.send {
			t.Errorf("ShouldSend(%s, %s) = %v", tt.mode, tt.kind, got)
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := map[string]error{
		CodeBudgetExceeded: &budget.ExceededError{Agent: "x", Cap: 1},
		CodeRouterBackend:  &RouterError{Err: &domain.BackendError{Message: "x"}},
		CodeBackend:        &domain.BackendError{Message: "x"},
		CodeInternal:       errors.New("boom"),
	}
	for want, err := range tests {
		if got := ErrorCode(err); got != want {
			t.Errorf("ErrorCode(%v) = %s, want %s", err, got, want)
		}
	}
}

// --- Helpers ---

func TestRounds(t *testing.T) {
	tests := []struct {
		caps map[string]int
		want int
	}{
		{map[string]int{budget.Explorer: 2, budget.Analyst: 5}, 2},
		{map[string]int{budget.Analyst: 3}, 3},
		{map[string]int{budget.Explorer: 0}, 0},
		{nil, 1},
	}
	for _, tt := range tests {
		if got := Rounds(budget.New(tt.caps)); got != tt.want {
			t.Errorf("Rounds(%v) = %d, want %d", tt.caps, got, tt.want)
		}
	}
	if Rounds(nil) != 1 {
		t.Error("nil budget is uncapped")
	}
}

func TestPrepareQuestion(t *testing.T) {
	raw, enriched := PrepareQuestion([]domain.Message{
		{Role: domain.RoleSystem, Content: "consigne"},
		{Role: domain.RoleUser, Content: "Ventes en 2024 ?"},
		{Role: domain.RoleAssistant, Content: "1200 ventes."},
		{Role: domain.RoleUser, Content: "  Et en 2023 ?  "},
	})
	if raw != "Et en 2023 ?" {
		t.Errorf("raw = %q", raw)
	}
	want := "Conversation history (keep implicit references consistent):\nUser: Ventes en 2024 ?\nAssistant: 1200 ventes.\nCurrent user question: Et en 2023 ?"
	if enriched != want {
		t.Errorf("enriched = %q", enriched)
	}

	raw, enriched = PrepareQuestion([]domain.Message{{Role: domain.RoleUser, Content: "Seule"}})
	if raw != "Seule" || enriched != "Seule" {
		t.Errorf("single turn = %q / %q", raw, enriched)
	}
}

func TestPrepareQuestion_KeepsRecentTurns(t *testing.T) {
	var msgs []domain.Message
	for i := range 12 {
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: string(rune('a' + i))})
	}
	_, enriched := PrepareQuestion(msgs)
	if strings.Contains(enriched, "User: c\n") || !strings.Contains(enriched, "User: d\n") {
		t.Errorf("history window wrong: %q", enriched)
	}
}

func TestFilterTables(t *testing.T) {
	tables := []string{"clients", "tickets", "ventes"}
	if got := FilterTables(tables, nil, []string{"TICKETS"}); strings.Join(got, ",") != "clients,ventes" {
		t.Errorf("exclude = %v", got)
	}
	if got := FilterTables(tables, []string{"ventes", "tickets"}, []string{"tickets"}); strings.Join(got, ",") != "ventes" {
		t.Errorf("allow+exclude = %v", got)
	}
	if got := FilterTables(tables, []string{}, nil); got == nil || len(got) != 0 {
		t.Errorf("empty allow = %#v", got)
	}
}

func TestBuildEvidenceSpec(t *testing.T) {
	spec := BuildEvidenceSpec([]string{"ticket_id", "Title", "status", "created_at"}, "tickets ouverts", 50)
	if spec.EntityLabel != "Tickets" || spec.PK != "ticket_id" || spec.Limit != 50 {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Display["title"] != "Title" || spec.Display["status"] != "status" || spec.Display["created_at"] != "created_at" {
		t.Errorf("display = %v", spec.Display)
	}

	spec = BuildEvidenceSpec([]string{"code", "montant"}, "ventes", 10)
	if spec.EntityLabel != "Éléments" || spec.PK != "code" || len(spec.Display) != 0 {
		t.Errorf("generic spec = %+v", spec)
	}

	spec = BuildEvidenceSpec([]string{"feedback_id", "date"}, "", 10)
	if spec.EntityLabel != "Feedback" || spec.PK != "feedback_id" || spec.Display["created_at"] != "date" {
		t.Errorf("feedback spec = %+v", spec)
	}
}

func TestFormatTable(t *testing.T) {
	got := FormatTable([]string{"a", "b"}, [][]any{{1, nil}, {2, "x"}, {3, "y"}}, 2)
	want := "a | b\n-----\n1 | NULL\n2 | x"
	if got != want {
		t.Errorf("FormatTable = %q, want %q", got, want)
	}
}

func TestAppendHighlight(t *testing.T) {
	if got := AppendHighlight("Réponse.\n", " Mise en avant : x "); got != "Réponse.\n\nMise en avant : x" {
		t.Errorf("got %q", got)
	}
	if got := AppendHighlight("Réponse.", ""); got != "Réponse." {
		t.Errorf("got %q", got)
	}
}
