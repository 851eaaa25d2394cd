package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/insight/internal/storage"
)

// Compile-time interface check.
var _ storage.ConversationStore = (*ConversationRepository)(nil)

// ConversationRepository implements storage.ConversationStore with GORM.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// CreateConversation starts a new thread for userID.
func (r *ConversationRepository) CreateConversation(ctx context.Context, userID, title string) (*storage.Conversation, error) {
	now := time.Now().UTC()
	model := ConversationModel{
		ID:             uuid.New(),
		UserID:         userID,
		Title:          titleFrom(title),
		ExcludedTables: JSONB("[]"),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return toConversationDomain(&model), nil
}

// GetConversation returns the conversation when it belongs to userID.
func (r *ConversationRepository) GetConversation(ctx context.Context, id uuid.UUID, userID string) (*storage.Conversation, error) {
	model, err := r.find(ctx, r.db, id, userID)
	if err != nil {
		return nil, err
	}
	return toConversationDomain(model), nil
}

// ListConversations returns the user's threads, most recently active first.
func (r *ConversationRepository) ListConversations(ctx context.Context, userID string, limit int) ([]storage.Conversation, error) {
	q := r.db.WithContext(ctx).
		Scopes(UserScope(userID)).
		Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []ConversationModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]storage.Conversation, len(models))
	for i := range models {
		out[i] = *toConversationDomain(&models[i])
	}
	return out, nil
}

// DeleteConversation removes events, messages and the conversation record.
func (r *ConversationRepository) DeleteConversation(ctx context.Context, id uuid.UUID, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := r.find(ctx, tx, id, userID); err != nil {
			return err
		}
		// No FK cascade in GORM AutoMigrate by default.
		if err := tx.Where("conversation_id = ?", id).Delete(&ConversationEventModel{}).Error; err != nil {
			return fmt.Errorf("deleting conversation events: %w", err)
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&ConversationMessageModel{}).Error; err != nil {
			return fmt.Errorf("deleting conversation messages: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&ConversationModel{}).Error; err != nil {
			return fmt.Errorf("deleting conversation: %w", err)
		}
		return nil
	})
}

// SetExcludedTables replaces the per-conversation table exclusion list.
func (r *ConversationRepository) SetExcludedTables(ctx context.Context, id uuid.UUID, userID string, tables []string) error {
	if tables == nil {
		tables = []string{}
	}
	data, err := json.Marshal(tables)
	if err != nil {
		return fmt.Errorf("marshaling excluded tables: %w", err)
	}

	res := r.db.WithContext(ctx).
		Model(&ConversationModel{}).
		Scopes(UserScope(userID)).
		Where("id = ?", id).
		Updates(map[string]any{
			"excluded_tables": JSONB(data),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating excluded tables: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AppendMessage appends one message. Sequence numbers are monotonically
// assigned starting after the current max.
func (r *ConversationRepository) AppendMessage(ctx context.Context, convID uuid.UUID, role, content string) (*storage.Message, error) {
	var model ConversationMessageModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		err := tx.Model(&ConversationMessageModel{}).
			Where("conversation_id = ?", convID).
			Select("COALESCE(MAX(seq_num), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("getting max seq_num: %w", err)
		}

		model = toMessageModel(convID, maxSeq+1, role, content)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}

		return tx.Model(&ConversationModel{}).
			Where("id = ?", convID).
			Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		return nil, err
	}
	msg := toMessageDomain(&model)
	return &msg, nil
}

// Messages returns the most recent messages for a conversation,
// ordered oldest-first (ascending seq_num).
func (r *ConversationRepository) Messages(ctx context.Context, convID uuid.UUID, limit int) ([]storage.Message, error) {
	q := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("seq_num DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var models []ConversationMessageModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading conversation messages: %w", err)
	}

	// Reverse to oldest-first order.
	for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
		models[i], models[j] = models[j], models[i]
	}

	out := make([]storage.Message, len(models))
	for i := range models {
		out[i] = toMessageDomain(&models[i])
	}
	return out, nil
}

// AddEvent appends one persisted stream event.
func (r *ConversationRepository) AddEvent(ctx context.Context, convID uuid.UUID, kind string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}
	model := ConversationEventModel{
		ID:             uuid.New(),
		ConversationID: convID,
		Kind:           kind,
		Payload:        JSONB(data),
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Events returns a conversation's events in insertion order.
func (r *ConversationRepository) Events(ctx context.Context, convID uuid.UUID) ([]storage.Event, error) {
	var models []ConversationEventModel
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading conversation events: %w", err)
	}

	out := make([]storage.Event, len(models))
	for i := range models {
		out[i] = toEventDomain(&models[i])
	}
	return out, nil
}

func (r *ConversationRepository) find(ctx context.Context, db *gorm.DB, id uuid.UUID, userID string) (*ConversationModel, error) {
	var model ConversationModel
	err := db.WithContext(ctx).
		Scopes(UserScope(userID)).
		Where("id = ?", id).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up conversation: %w", err)
	}
	return &model, nil
}
