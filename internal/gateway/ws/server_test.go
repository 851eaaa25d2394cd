package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/insight/internal/chat"
	"github.com/jkaninda/insight/internal/dataengine"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/gateway"
	"github.com/jkaninda/insight/internal/ratelimit"
	"github.com/jkaninda/insight/internal/sqlguard"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubEngine struct{}

func (stubEngine) Execute(_ context.Context, _ string) (*dataengine.Result, error) {
	return &dataengine.Result{Columns: []string{"n"}, Rows: [][]any{{42}}}, nil
}

func (stubEngine) Tables(_ context.Context, _ string) (map[string][]string, error) {
	return map[string][]string{}, nil
}

func (stubEngine) Name() string { return "stub" }

func tokenAuth(r *http.Request) (string, bool) {
	return "alice", r.URL.Query().Get("token") == "secret"
}

func newTestServer(t *testing.T, rl *ratelimit.Limiter) *httptest.Server {
	t.Helper()
	svc := chat.New(chat.Deps{Engine: stubEngine{}, Validator: sqlguard.New("files")}, chat.Options{}, discardLogger())
	sessions := &gateway.Sessions{Chat: svc, Logger: discardLogger()}
	srv := httptest.NewServer(NewServer(sessions, tokenAuth, rl, discardLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	return websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
}

func send(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()
	data, _ := json.Marshal(frame)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntilTerminal collects events up to and including done or error.
func readUntilTerminal(t *testing.T, conn *websocket.Conn) []chat.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []chat.Event
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev chat.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
}

// --- Tests ---

func TestUpgrade_Unauthorized(t *testing.T) {
	srv := newTestServer(t, nil)
	_, resp, err := dial(t, srv, "wrong")
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %+v", resp)
	}
}

func TestChat_StreamsEnvelopes(t *testing.T) {
	srv := newTestServer(t, nil)
	conn, _, err := dial(t, srv, "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	send(t, conn, ClientFrame{Messages: []domain.Message{{Role: domain.RoleUser, Content: "/sql SELECT COUNT(*) AS n FROM files.orders"}}})
	events := readUntilTerminal(t, conn)

	if events[0].Kind != "meta" {
		t.Errorf("first event = %q, want meta", events[0].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != "done" {
		t.Fatalf("last event = %+v", last)
	}
	if content, _ := last.Data["content_full"].(string); !strings.Contains(content, "42") {
		t.Errorf("content_full = %q", content)
	}

	// The connection stays usable for the next turn.
	send(t, conn, ClientFrame{Type: FrameChat, Messages: []domain.Message{{Role: domain.RoleUser, Content: "/sql DELETE FROM files.orders"}}})
	events = readUntilTerminal(t, conn)
	if events[len(events)-1].Kind != "done" {
		t.Errorf("second turn ended with %q", events[len(events)-1].Kind)
	}
}

func TestChat_RequestErrors(t *testing.T) {
	srv := newTestServer(t, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}))
	conn, _, err := dial(t, srv, "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Invalid JSON.
	if err := conn.Write(context.Background(), websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntilTerminal(t, conn)[0]
	if ev.Kind != "error" || ev.Data["code"] != gateway.CodeInvalidRequest {
		t.Errorf("invalid json -> %+v", ev)
	}

	// Empty request consumes the only token.
	send(t, conn, ClientFrame{})
	ev = readUntilTerminal(t, conn)[0]
	if ev.Data["code"] != gateway.CodeInvalidRequest {
		t.Errorf("empty request -> %+v", ev)
	}

	send(t, conn, ClientFrame{Messages: []domain.Message{{Role: domain.RoleUser, Content: "/sql SELECT 1 FROM files.orders"}}})
	ev = readUntilTerminal(t, conn)[0]
	if ev.Data["code"] != gateway.CodeRateLimited {
		t.Errorf("rate limited -> %+v", ev)
	}
}
