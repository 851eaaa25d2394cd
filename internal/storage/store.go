// Package storage defines the persistence interface for conversations, their
// messages, and the pipeline events replayed in the history panels.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation does not exist or belongs to
// another user.
var ErrNotFound = errors.New("conversation not found")

// Conversation is a chat thread owned by one user.
type Conversation struct {
	ID             uuid.UUID `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	ExcludedTables []string  `json:"excluded_tables"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one persisted chat turn.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Seq            int       `json:"seq"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Event is one persisted stream event (meta, plan, sql, evidence rows).
type Event struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	Kind           string         `json:"kind"`
	Payload        map[string]any `json:"payload"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ConversationStore persists conversations. Every lookup is scoped to the
// owning user; other users' conversations behave as missing.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID, userID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	DeleteConversation(ctx context.Context, id uuid.UUID, userID string) error
	SetExcludedTables(ctx context.Context, id uuid.UUID, userID string, tables []string) error

	AppendMessage(ctx context.Context, convID uuid.UUID, role, content string) (*Message, error)
	// Messages returns the last limit messages oldest-first (limit <= 0 = all).
	Messages(ctx context.Context, convID uuid.UUID, limit int) ([]Message, error)

	AddEvent(ctx context.Context, convID uuid.UUID, kind string, payload map[string]any) error
	Events(ctx context.Context, convID uuid.UUID) ([]Event, error)
}

// Store is the persistence root shared by the SQLite and PostgreSQL backends.
type Store interface {
	Conversations() ConversationStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = DriverSQLite

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
