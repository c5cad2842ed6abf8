package model

import (
	"time"

	"github.com/google/uuid"
)

type Agent struct {
	BaseModel
	Name         string `gorm:"size:255;not null" json:"name"`
	Description  string `gorm:"type:text" json:"description"`
	Instructions string `gorm:"type:text" json:"instructions"`
}

func (Agent) TableName() string {
	return "agents"
}

type Conversation struct {
	BaseModel
	Title         string     `gorm:"size:500" json:"title"`
	AgentID       *uuid.UUID `gorm:"type:uuid;index" json:"agent_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type Feedback string

const (
	FeedbackUp   Feedback = "up"
	FeedbackDown Feedback = "down"
)

type Message struct {
	BaseModel
	ConversationID   uuid.UUID   `gorm:"type:uuid;not null;index" json:"conversation_id"`
	Role             MessageRole `gorm:"size:20;not null" json:"role"`
	Content          string      `gorm:"type:text" json:"content"`
	Feedback         *Feedback   `gorm:"size:10" json:"feedback,omitempty"`
	EditedAt         *time.Time  `json:"edited_at,omitempty"`
	PromptTokens     int         `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int         `gorm:"default:0" json:"completion_tokens"`
}

func (Message) TableName() string {
	return "messages"
}
