package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/model"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *ConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// SyncLastMessageAt sets last_message_at to the newest persisted message of
// the conversation, or clears it when none is left.
func (r *ConversationRepository) SyncLastMessageAt(ctx context.Context, id uuid.UUID) (*time.Time, error) {
	var latest model.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", id).
		Order("created_at DESC").
		Limit(1).
		Find(&latest).Error
	if err != nil {
		return nil, err
	}
	var at *time.Time
	if latest.ID != uuid.Nil {
		t := latest.CreatedAt
		at = &t
	}
	err = r.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ?", id).
		Update("last_message_at", at).Error
	return at, err
}

type AgentRepository struct {
	db *gorm.DB
}

func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) Create(ctx context.Context, agent *model.Agent) error {
	return r.db.WithContext(ctx).Create(agent).Error
}

func (r *AgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	var agent model.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &agent, nil
}
