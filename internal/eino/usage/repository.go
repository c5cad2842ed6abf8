package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository persists usage records.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, record *UsageRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// ListByConversation returns the records of a conversation, oldest first.
func (r *Repository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]UsageRecord, error) {
	var records []UsageRecord
	err := r.db.WithContext(ctx).
		Where(&UsageRecord{ConversationID: &conversationID}).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// SummaryFilter narrows an aggregation. A nil ConversationID covers every
// conversation.
type SummaryFilter struct {
	Start          time.Time
	End            time.Time
	ConversationID *uuid.UUID
}

type summaryRow struct {
	Requests         int64
	Failed           int64
	Estimated        int64
	PromptTokens     int64
	CompletionTokens int64
	Tokens           int64
	Latency          float64
}

// Summarize aggregates the records created inside [Start, End).
func (r *Repository) Summarize(ctx context.Context, f SummaryFilter) (*UsageSummary, error) {
	q := r.db.WithContext(ctx).
		Model(&UsageRecord{}).
		Where("created_at >= ? AND created_at < ?", f.Start, f.End)
	if f.ConversationID != nil {
		q = q.Where("conversation_id = ?", *f.ConversationID)
	}

	var row summaryRow
	err := q.Select(
		"COUNT(*) AS requests",
		"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS failed",
		"COALESCE(SUM(CASE WHEN estimated THEN 1 ELSE 0 END), 0) AS estimated",
		"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens",
		"COALESCE(SUM(completion_tokens), 0) AS completion_tokens",
		"COALESCE(SUM(total_tokens), 0) AS tokens",
		"COALESCE(AVG(latency_ms), 0) AS latency",
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	return &UsageSummary{
		TotalRequests:         row.Requests,
		FailedRequests:        row.Failed,
		EstimatedRequests:     row.Estimated,
		TotalPromptTokens:     row.PromptTokens,
		TotalCompletionTokens: row.CompletionTokens,
		TotalTokens:           row.Tokens,
		AvgLatencyMs:          row.Latency,
		PeriodStart:           f.Start,
		PeriodEnd:             f.End,
	}, nil
}

// DeleteOldRecords hard deletes records created before the cutoff.
func (r *Repository) DeleteOldRecords(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Unscoped().
		Where("created_at < ?", before).
		Delete(&UsageRecord{})
	return res.RowsAffected, res.Error
}
