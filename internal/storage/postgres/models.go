package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT on SQLite).
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner. Drivers return JSON as text or bytes.
func (j *JSONB) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSONB(nil), v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", src)
	}
	return nil
}

// ConversationModel maps to the "conversations" table.
type ConversationModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index:idx_conv_user"`
	Title          string    `gorm:"not null;default:''"`
	ExcludedTables JSONB     `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"index:idx_conv_user"`
}

func (ConversationModel) TableName() string { return "conversations" }

// ConversationMessageModel maps to the "conversation_messages" table.
type ConversationMessageModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index:idx_convmsg_seq"`
	SeqNum         int       `gorm:"not null;index:idx_convmsg_seq"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"type:text"`
	CreatedAt      time.Time
}

func (ConversationMessageModel) TableName() string { return "conversation_messages" }

// ConversationEventModel maps to the "conversation_events" table.
// Append-only: no UpdatedAt.
type ConversationEventModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index:idx_convevt_conv"`
	Kind           string    `gorm:"not null"`
	Payload        JSONB     `gorm:"type:jsonb;not null"`
	CreatedAt      time.Time `gorm:"index:idx_convevt_conv"`
}

func (ConversationEventModel) TableName() string { return "conversation_events" }

// Models lists every model in migration order.
func Models() []any {
	return []any{
		&ConversationModel{},
		&ConversationMessageModel{},
		&ConversationEventModel{},
	}
}
