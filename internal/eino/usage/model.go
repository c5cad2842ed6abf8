package usage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UsageRecord is one LLM call made on behalf of a conversation.
type UsageRecord struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ConversationID   *uuid.UUID        `gorm:"type:uuid;index"`
	MessageID        *uuid.UUID        `gorm:"type:uuid;index"`
	Operation        string            `gorm:"size:50"`
	ProviderKind     string            `gorm:"size:50"`
	Model            string            `gorm:"size:100"`
	PromptTokens     int               `gorm:"default:0"`
	CompletionTokens int               `gorm:"default:0"`
	TotalTokens      int               `gorm:"default:0"`
	Estimated        bool              `gorm:"default:false"`
	LatencyMs        int64             `gorm:"default:0"`
	Success          bool              `gorm:"not null"`
	ErrorMessage     string            `gorm:"type:text"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"autoCreateTime"`
	DeletedAt        gorm.DeletedAt    `gorm:"index"`
}

func (UsageRecord) TableName() string {
	return "usage_records"
}

func (u *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// UsageSummary aggregates usage over a period.
type UsageSummary struct {
	TotalRequests         int64     `json:"total_requests"`
	FailedRequests        int64     `json:"failed_requests"`
	EstimatedRequests     int64     `json:"estimated_requests"`
	TotalPromptTokens     int64     `json:"total_prompt_tokens"`
	TotalCompletionTokens int64     `json:"total_completion_tokens"`
	TotalTokens           int64     `json:"total_tokens"`
	AvgLatencyMs          float64   `json:"avg_latency_ms"`
	PeriodStart           time.Time `json:"period_start"`
	PeriodEnd             time.Time `json:"period_end"`
}
