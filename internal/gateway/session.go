package gateway

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/insight/internal/budget"
	"github.com/jkaninda/insight/internal/chat"
	"github.com/jkaninda/insight/internal/config"
	"github.com/jkaninda/insight/internal/domain"
	"github.com/jkaninda/insight/internal/storage"
)

// ErrEmptyRequest is returned when a chat request carries no messages.
var ErrEmptyRequest = errors.New("messages are required")

// ErrInvalidConversation is returned for a malformed conversation id.
var ErrInvalidConversation = errors.New("invalid conversation id")

// DefaultHistoryLimit is how many stored messages are replayed into a
// single-message request that continues a conversation.
const DefaultHistoryLimit = 16

// Sessions binds chat turns to stored conversations. It is shared by every
// transport (JSON, SSE, WebSocket, MCP).
type Sessions struct {
	Chat         *chat.Service
	Store        storage.ConversationStore // nil = nothing persisted
	Caps         map[string]int
	Users        map[string]config.UserConfig
	HistoryLimit int
	Logger       *slog.Logger
}

// TurnRequest is a transport-neutral chat request.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Messages       []domain.Message
	Metadata       map[string]any
	// ExcludeTables nil means "use the conversation's stored exclusions".
	ExcludeTables []string
}

// Turn is one request bound to its conversation, budget and access list.
type Turn struct {
	Request        *domain.ChatRequest
	Allowed        []string
	Budget         *budget.RequestBudget
	ConversationID string

	conv     uuid.UUID
	sessions *Sessions
}

// AllowedTables returns the user's table allow-list, nil when unrestricted.
func (s *Sessions) AllowedTables(userID string) []string {
	if u, ok := s.Users[userID]; ok {
		return u.AllowedTables
	}
	return nil
}

// IsAdmin reports whether userID may edit prompts.
func (s *Sessions) IsAdmin(userID string) bool {
	return s.Users[userID].Admin
}

// Begin resolves the conversation, hydrates exclusions and history, stores
// the incoming user message and allocates a fresh request budget.
func (s *Sessions) Begin(ctx context.Context, tr TurnRequest) (*Turn, error) {
	if len(tr.Messages) == 0 {
		return nil, ErrEmptyRequest
	}

	metadata := make(map[string]any, len(tr.Metadata)+1)
	maps.Copy(metadata, tr.Metadata)
	excluded := tr.ExcludeTables
	if excluded == nil {
		excluded = chat.ExcludedTables(tr.Metadata)
	}
	messages := tr.Messages

	t := &Turn{
		Allowed:  s.AllowedTables(tr.UserID),
		Budget:   budget.New(s.Caps),
		sessions: s,
	}

	if s.Store != nil {
		conv, created, err := s.resolve(ctx, tr)
		if err != nil {
			return nil, err
		}
		t.conv = conv.ID
		t.ConversationID = conv.ID.String()

		switch {
		case excluded != nil:
			if err := s.Store.SetExcludedTables(ctx, conv.ID, tr.UserID, excluded); err != nil {
				return nil, err
			}
		default:
			excluded = conv.ExcludedTables
		}

		if !created && len(messages) == 1 {
			history, err := s.Store.Messages(ctx, conv.ID, s.historyLimit())
			if err != nil {
				return nil, err
			}
			messages = append(storedMessages(history), messages...)
		}

		if last := tr.Messages[len(tr.Messages)-1]; last.Role == domain.RoleUser {
			if _, err := s.Store.AppendMessage(ctx, conv.ID, string(last.Role), last.Content); err != nil {
				return nil, err
			}
		}
	}

	if excluded != nil {
		metadata["exclude_tables"] = excluded
	}
	t.Request = &domain.ChatRequest{Messages: messages, Metadata: metadata}
	return t, nil
}

func (s *Sessions) resolve(ctx context.Context, tr TurnRequest) (*storage.Conversation, bool, error) {
	if tr.ConversationID != "" {
		id, err := uuid.Parse(tr.ConversationID)
		if err != nil {
			return nil, false, ErrInvalidConversation
		}
		conv, err := s.Store.GetConversation(ctx, id, tr.UserID)
		return conv, false, err
	}
	conv, err := s.Store.CreateConversation(ctx, tr.UserID, titleOf(tr.Messages))
	return conv, true, err
}

func (s *Sessions) historyLimit() int {
	if s.HistoryLimit > 0 {
		return s.HistoryLimit
	}
	return DefaultHistoryLimit
}

// Stream starts the streaming pipeline for t.
func (s *Sessions) Stream(ctx context.Context, t *Turn, requestID string) *chat.Stream {
	return s.Chat.Stream(ctx, t.Budget, t.Request, t.Allowed, chat.StreamOptions{
		RequestID:      requestID,
		ConversationID: t.ConversationID,
	})
}

// Respond runs t without streaming and stores the reply.
func (s *Sessions) Respond(ctx context.Context, t *Turn) (*domain.ChatResponse, string, error) {
	resp, err := s.Chat.Respond(ctx, t.Budget, t.Request, t.Allowed)
	if err != nil {
		return nil, "", err
	}
	return resp, t.storeReply(ctx, resp.Reply), nil
}

// Deliver applies the persistence policy to one stream event and returns
// the event to forward, or false when it must not be sent. A done event
// stores the assistant reply and carries its message_id.
func (t *Turn) Deliver(ctx context.Context, ev chat.Event) (chat.Event, bool) {
	mode := t.sessions.Chat.Animation()
	// The client may be gone; the history is still written.
	ctx = context.WithoutCancel(ctx)
	if t.conv != uuid.Nil && chat.ShouldPersist(mode, ev.Kind, ev.Data) {
		if err := t.sessions.Store.AddEvent(ctx, t.conv, ev.Kind, ev.Data); err != nil {
			t.sessions.Logger.Warn("persisting stream event failed",
				slog.String("kind", ev.Kind),
				slog.String("error", err.Error()),
			)
		}
	}

	if ev.Kind == "done" {
		text, _ := ev.Data["content_full"].(string)
		if id := t.storeReply(ctx, text); id != "" {
			data := maps.Clone(ev.Data)
			data["message_id"] = id
			ev.Data = data
		}
	}
	return ev, chat.ShouldSend(mode, ev.Kind)
}

func (t *Turn) storeReply(ctx context.Context, text string) string {
	if t.conv == uuid.Nil {
		return ""
	}
	msg, err := t.sessions.Store.AppendMessage(ctx, t.conv, string(domain.RoleAssistant), text)
	if err != nil {
		t.sessions.Logger.Warn("persisting assistant message failed", slog.String("error", err.Error()))
		return ""
	}
	return msg.ID.String()
}

func storedMessages(history []storage.Message) []domain.Message {
	out := make([]domain.Message, 0, len(history))
	for _, m := range history {
		out = append(out, domain.Message{Role: domain.Role(m.Role), Content: m.Content})
	}
	return out
}

func titleOf(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}
