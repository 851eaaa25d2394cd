package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/jkaninda/insight/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "insight.db")}, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

// --- Lifecycle ---

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, discardLogger()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_PingAndDriver(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
	if s.Conversations() != s.Conversations() {
		t.Error("Conversations should return the same repository")
	}
}

func TestConfig_DSN(t *testing.T) {
	dsn, mode := Config{Path: "/data/insight.db", JournalMode: "DELETE"}.dsn()
	if mode != "delete" {
		t.Errorf("mode = %q", mode)
	}
	for _, want := range []string{"/data/insight.db?", "journal_mode(delete)", "busy_timeout(5000)", "foreign_keys(ON)"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
	if _, mode := (Config{Path: "x.db"}).dsn(); mode != "wal" {
		t.Errorf("default mode = %q", mode)
	}
}

// --- Conversations ---

func TestConversations_CreateGetScopedByUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Conversations()

	conv, err := repo.CreateConversation(ctx, "alice", "Combien de ventes en 2023 ?")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conv.Title != "Combien de ventes en 2023 ?" {
		t.Errorf("Title = %q", conv.Title)
	}
	if len(conv.ExcludedTables) != 0 {
		t.Errorf("ExcludedTables = %v, want empty", conv.ExcludedTables)
	}

	got, err := repo.GetConversation(ctx, conv.ID, "alice")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("ID = %v, want %v", got.ID, conv.ID)
	}

	if _, err := repo.GetConversation(ctx, conv.ID, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("other user lookup: err = %v, want ErrNotFound", err)
	}
	if _, err := repo.GetConversation(ctx, uuid.New(), "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing lookup: err = %v, want ErrNotFound", err)
	}
}

func TestConversations_ListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Conversations()

	first, _ := repo.CreateConversation(ctx, "alice", "first")
	second, _ := repo.CreateConversation(ctx, "alice", "second")
	if _, err := repo.CreateConversation(ctx, "bob", "other"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	// Activity on the first thread moves it to the top.
	if _, err := repo.AppendMessage(ctx, first.ID, "user", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	list, err := repo.ListConversations(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d conversations, want 2", len(list))
	}
	if list[0].ID != first.ID {
		t.Errorf("most recent = %v, want %v", list[0].ID, first.ID)
	}

	if err := repo.DeleteConversation(ctx, second.ID, "bob"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cross-user delete: err = %v, want ErrNotFound", err)
	}
	if err := repo.DeleteConversation(ctx, first.ID, "alice"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	msgs, err := repo.Messages(ctx, first.ID, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
}

func TestConversations_ExcludedTables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Conversations()

	conv, _ := repo.CreateConversation(ctx, "alice", "t")
	if err := repo.SetExcludedTables(ctx, conv.ID, "alice", []string{"files.orders"}); err != nil {
		t.Fatalf("SetExcludedTables: %v", err)
	}
	got, _ := repo.GetConversation(ctx, conv.ID, "alice")
	if len(got.ExcludedTables) != 1 || got.ExcludedTables[0] != "files.orders" {
		t.Errorf("ExcludedTables = %v", got.ExcludedTables)
	}

	if err := repo.SetExcludedTables(ctx, conv.ID, "bob", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cross-user update: err = %v, want ErrNotFound", err)
	}
}

// --- Messages & events ---

func TestMessages_SequenceAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Conversations()
	conv, _ := repo.CreateConversation(ctx, "alice", "t")

	for _, m := range []struct{ role, content string }{
		{"user", "q1"}, {"assistant", "a1"}, {"user", "q2"}, {"system", "sneaky"},
	} {
		if _, err := repo.AppendMessage(ctx, conv.ID, m.role, m.content); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	all, err := repo.Messages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d messages, want 4", len(all))
	}
	for i, m := range all {
		if m.Seq != i+1 {
			t.Errorf("message %d seq = %d", i, m.Seq)
		}
	}
	if all[3].Role != "user" {
		t.Errorf("unknown role stored as %q, want user", all[3].Role)
	}

	last, _ := repo.Messages(ctx, conv.ID, 2)
	if len(last) != 2 || last[0].Content != "q2" || last[1].Content != "sneaky" {
		t.Errorf("last two = %+v", last)
	}
}

func TestEvents_RoundTripPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	repo := s.Conversations()
	conv, _ := repo.CreateConversation(ctx, "alice", "t")

	if err := repo.AddEvent(ctx, conv.ID, "meta", map[string]any{"provider": "nl2sql"}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}
	if err := repo.AddEvent(ctx, conv.ID, "rows", map[string]any{"purpose": "evidence", "row_count": 3}); err != nil {
		t.Fatalf("AddEvent: %v", err)
	}

	events, err := repo.Events(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "meta" || events[0].Payload["provider"] != "nl2sql" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Payload["row_count"] != float64(3) {
		t.Errorf("row_count = %v", events[1].Payload["row_count"])
	}
}
