package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/chat"
	"github.com/jkaninda/insight/internal/config"
	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/prompts"
	"github.com/jkaninda/insight/internal/ratelimit"
	"github.com/jkaninda/insight/internal/sqlguard"
	"github.com/jkaninda/insight/internal/storage"
	"github.com/jkaninda/insight/internal/storage/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Stubs ---

type stubEngine struct {
	result *dataengine.Result
	err    error
	calls  int
}

func (e *stubEngine) Execute(_ context.Context, _ string) (*dataengine.Result, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func (e *stubEngine) Tables(_ context.Context, _ string) (map[string][]string, error) {
	return map[string][]string{"files.orders": {"id", "title"}}, nil
}

func (e *stubEngine) Name() string { return "stub" }

func newTestSessions(t *testing.T, animation string) (*Sessions, *stubEngine) {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "insight.db")}, discardLogger())
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	engine := &stubEngine{result: &dataengine.Result{
		Columns: []string{"id", "title"},
		Rows:    [][]any{{1, "alpha"}, {2, "beta"}},
	}}
	svc := chat.New(chat.Deps{
		Engine:    engine,
		Validator: sqlguard.New("files"),
	}, chat.Options{Animation: animation}, discardLogger())

	return &Sessions{
		Chat:   svc,
		Store:  store.Conversations(),
		Caps:   map[string]int{budget.Explorer: 2},
		Users:  map[string]config.UserConfig{"alice": {AllowedTables: []string{"files.orders"}, Admin: true}},
		Logger: discardLogger(),
	}, engine
}

func userMessage(content string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: content}}
}

// drain consumes a stream through Deliver and returns the forwarded events.
func drain(t *testing.T, s *Sessions, turn *Turn) []chat.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := s.Stream(ctx, turn, "req-1")
	var out []chat.Event
	for {
		ev, ok := st.Next(ctx)
		if !ok {
			t.Fatal("stream ended without a terminal event")
		}
		if sent, send := turn.Deliver(ctx, ev); send {
			out = append(out, sent)
		}
		if ev.Terminal() {
			return out
		}
	}
}

// --- Begin ---

func TestBegin_EmptyRequest(t *testing.T) {
	s, _ := newTestSessions(t, chat.AnimationSQL)
	if _, err := s.Begin(context.Background(), TurnRequest{UserID: "alice"}); !errors.Is(err, ErrEmptyRequest) {
		t.Errorf("err = %v, want ErrEmptyRequest", err)
	}
}

func TestBegin_CreatesConversation(t *testing.T) {
	s, _ := newTestSessions(t, chat.AnimationSQL)
	ctx := context.Background()

	turn, err := s.Begin(ctx, TurnRequest{UserID: "alice", Messages: userMessage("Combien de commandes ?")})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if turn.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}
	if len(turn.Allowed) != 1 || turn.Allowed[0] != "files.orders" {
		t.Errorf("Allowed = %v", turn.Allowed)
	}
	if limit, ok := turn.Budget.Limit(budget.Explorer); !ok || limit != 2 {
		t.Errorf("explorer limit = %d, %v", limit, ok)
	}

	convs, _ := s.Store.ListConversations(ctx, "alice", 0)
	if len(convs) != 1 || convs[0].Title != "Combien de commandes ?" {
		t.Fatalf("conversations = %+v", convs)
	}
	msgs, _ := s.Store.Messages(ctx, convs[0].ID, 0)
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestBegin_HydratesExclusionsAndHistory(t *testing.T) {
	s, _ := newTestSessions(t, chat.AnimationSQL)
	ctx := context.Background()

	first, err := s.Begin(ctx, TurnRequest{
		UserID:        "alice",
		Messages:      userMessage("/sql SELECT id FROM files.orders"),
		ExcludeTables: []string{"files.secret"},
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	drain(t, s, first)

	second, err := s.Begin(ctx, TurnRequest{
		UserID:         "alice",
		ConversationID: first.ConversationID,
		Messages:       userMessage("q2"),
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	excluded := chat.ExcludedTables(second.Request.Metadata)
	if len(excluded) != 1 || excluded[0] != "files.secret" {
		t.Errorf("exclude_tables = %v", excluded)
	}
	got := second.Request.Messages
	if len(got) != 3 {
		t.Fatalf("got %d messages, want history (2) + new (1): %+v", len(got), got)
	}
	if got[0].Role != domain.RoleUser || got[1].Role != domain.RoleAssistant || got[2].Content != "q2" {
		t.Errorf("messages = %+v", got)
	}
}

func TestBegin_ConversationLookup(t *testing.T) {
	s, _ := newTestSessions(t, chat.AnimationSQL)
	ctx := context.Background()

	turn, _ := s.Begin(ctx, TurnRequest{UserID: "alice", Messages: userMessage("q")})

	tests := []struct {
		name string
		req  TurnRequest
		want error
	}{
		{"malformed id", TurnRequest{UserID: "alice", ConversationID: "nope", Messages: userMessage("q")}, ErrInvalidConversation},
		{"other user", TurnRequest{UserID: "bob", ConversationID: turn.ConversationID, Messages: userMessage("q")}, storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Begin(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBegin_WithoutStore(t *testing.T) {
	s, _ := newTestSessions(t, chat.AnimationSQL)
	s.Store = nil
	turn, err := s.Begin(context.Background(), TurnRequest{UserID: "bob", Messages: userMessage("q")})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if turn.ConversationID != "" || turn.Allowed != nil {
		t.Errorf("turn = %+v", turn)
	}
	if id := turn.storeReply(context.Background(), "x"); id != "" {
		t.Errorf("storeReply without store = %q", id)
	}
}

// --- Stream delivery ---

func TestDeliver_PersistsAndFillsMessageID(t *testing.T) {
	s, _ := newTestSessions(t, chat.AnimationSQL)
	ctx := context.Background()

	turn, err := s.Begin(ctx, TurnRequest{UserID: "alice", Messages: userMessage("/sql SELECT id, title FROM files.orders")})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	events := drain(t, s, turn)

	kinds := map[string]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	if kinds["meta"] == 0 || kinds["sql"] == 0 || kinds["done"] != 1 {
		t.Fatalf("sent kinds = %v", kinds)
	}
	done := events[len(events)-1]
	messageID, _ := done.Data["message_id"].(string)
	if messageID == "" {
		t.Fatalf("done without message_id: %+v", done.Data)
	}

	conv, _ := s.Store.ListConversations(ctx, "alice", 1)
	msgs, _ := s.Store.Messages(ctx, conv[0].ID, 0)
	if len(msgs) != 2 || msgs[1].ID.String() != messageID {
		t.Errorf("stored messages = %+v, want assistant %s", msgs, messageID)
	}

	stored, _ := s.Store.Events(ctx, conv[0].ID)
	for _, ev := range stored {
		switch ev.Kind {
		case "delta", "done", "error", "anim":
			t.Errorf("persisted transient event %q", ev.Kind)
		case "rows":
			if ev.Payload["purpose"] != "evidence" {
				t.Errorf("persisted non-evidence rows: %+v", ev.Payload)
			}
		}
	}
	if len(stored) == 0 || stored[0].Kind != "meta" {
		t.Errorf("stored events = %+v", stored)
	}
}

func TestDeliver_AnimationOffHidesSQL(t *testing.T) {
	s, _ := newTestSessions(t, chat.AnimationOff)
	ctx := context.Background()

	turn, _ := s.Begin(ctx, TurnRequest{UserID: "alice", Messages: userMessage("/sql SELECT id FROM files.orders")})
	for _, ev := range drain(t, s, turn) {
		if ev.Kind == "sql" || ev.Kind == "plan" {
			t.Errorf("sent %q with animation off", ev.Kind)
		}
	}

	conv, _ := s.Store.ListConversations(ctx, "alice", 1)
	stored, _ := s.Store.Events(ctx, conv[0].ID)
	for _, ev := range stored {
		if ev.Kind != "meta" && !(ev.Kind == "rows" && ev.Payload["purpose"] == "evidence") {
			t.Errorf("persisted %q with animation off", ev.Kind)
		}
	}
}

func TestRespond_StoresReply(t *testing.T) {
	s, engine := newTestSessions(t, chat.AnimationSQL)
	ctx := context.Background()

	turn, _ := s.Begin(ctx, TurnRequest{UserID: "alice", Messages: userMessage("/sql SELECT id FROM files.orders")})
	resp, messageID, err := s.Respond(ctx, turn)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if resp.Provider() != "stub-sql" {
		t.Errorf("provider = %q", resp.Provider())
	}
	if messageID == "" {
		t.Error("expected a stored message id")
	}
	if engine.calls == 0 {
		t.Error("engine was not called")
	}
}

func TestRespond_BackendError(t *testing.T) {
	s, engine := newTestSessions(t, chat.AnimationSQL)
	engine.err = &domain.BackendError{Backend: "stub", Message: "engine down"}

	turn, _ := s.Begin(context.Background(), TurnRequest{UserID: "alice", Messages: userMessage("/sql SELECT id FROM files.orders")})
	_, _, err := s.Respond(context.Background(), turn)
	if status, code := Classify(err); status != http.StatusBadGateway || code != chat.CodeBackend {
		t.Errorf("Classify = %d %q", status, code)
	}
}

// --- Classify ---

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"rate limited", &ratelimit.LimitedError{Key: "a", RetryAfter: time.Second}, http.StatusTooManyRequests, CodeRateLimited},
		{"budget", &budget.ExceededError{Agent: budget.Analyst, Cap: 1}, http.StatusTooManyRequests, chat.CodeBudgetExceeded},
		{"conversation", storage.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"prompt", &prompts.NotFoundError{Key: "x"}, http.StatusNotFound, CodeNotFound},
		{"body", ErrInvalidBody, http.StatusBadRequest, CodeInvalidRequest},
		{"prompt validation", &prompts.ValidationError{Msg: "bad"}, http.StatusBadRequest, CodeInvalidPrompt},
		{"router", &chat.RouterError{Err: errors.New("down")}, http.StatusBadGateway, chat.CodeRouterBackend},
		{"wrapped backend", fmt.Errorf("x: %w", &domain.BackendError{Message: "m"}), http.StatusBadGateway, chat.CodeBackend},
		{"other", errors.New("boom"), http.StatusInternalServerError, chat.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("Classify = %d %q, want %d %q", status, code, tt.status, tt.code)
			}
		})
	}
}
