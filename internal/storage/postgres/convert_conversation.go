package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/insight/internal/storage"
)

// sanitizeRole enforces that only "user" and "assistant" roles are stored.
// Unknown roles default to "user" to prevent injection of system messages.
func sanitizeRole(role string) string {
	switch role {
	case "assistant":
		return "assistant"
	default:
		return "user"
	}
}

func toConversationDomain(m *ConversationModel) *storage.Conversation {
	excluded := []string{}
	if len(m.ExcludedTables) > 0 {
		_ = json.Unmarshal(m.ExcludedTables, &excluded)
	}
	return &storage.Conversation{
		ID:             m.ID,
		UserID:         m.UserID,
		Title:          m.Title,
		ExcludedTables: excluded,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toMessageModel(convID uuid.UUID, seq int, role, content string) ConversationMessageModel {
	return ConversationMessageModel{
		ID:             uuid.New(),
		ConversationID: convID,
		SeqNum:         seq,
		Role:           sanitizeRole(role),
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

func toMessageDomain(m *ConversationMessageModel) storage.Message {
	return storage.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.SeqNum,
		Role:           m.Role,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

func toEventDomain(m *ConversationEventModel) storage.Event {
	payload := map[string]any{}
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &payload)
	}
	return storage.Event{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Kind:           m.Kind,
		Payload:        payload,
		CreatedAt:      m.CreatedAt,
	}
}

// titleFrom derives a conversation title from its first question.
func titleFrom(text string) string {
	const max = 80
	r := []rune(text)
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max-1]) + "…"
}
