package usage

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/pkg/logger"
)

// Tracker tracks usage for LLM calls
type Tracker struct {
	repo *Repository
	log  *logrus.Entry
}

func NewTracker(db *gorm.DB, log *logrus.Entry) *Tracker {
	return &Tracker{
		repo: NewRepository(db),
		log:  logger.OrDefault(log, "usage"),
	}
}

func (t *Tracker) Repository() *Repository {
	return t.repo
}

// TrackRequest describes one finished call.
type TrackRequest struct {
	ConversationID *uuid.UUID
	MessageID      *uuid.UUID
	Operation      string
	ProviderKind   string
	Model          string
	Prompt         []*schema.Message
	Completion     string
	Reported       *schema.TokenUsage
	Latency        time.Duration
	Err            error
	Metadata       map[string]interface{}
}

// Counts holds the token numbers written to the usage record.
type Counts struct {
	PromptTokens     int
	CompletionTokens int
	Estimated        bool
}

// Resolve prefers the provider-reported usage and falls back to a tiktoken
// estimate of the prompt and completion text.
func Resolve(reported *schema.TokenUsage, prompt []*schema.Message, completion string) Counts {
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		return Counts{PromptTokens: reported.PromptTokens, CompletionTokens: reported.CompletionTokens}
	}
	est, err := GetEstimator()
	if err != nil {
		return Counts{Estimated: true}
	}
	contents := make([]string, 0, len(prompt))
	for _, m := range prompt {
		if m != nil {
			contents = append(contents, m.Content)
		}
	}
	return Counts{
		PromptTokens:     est.CountMessages(contents),
		CompletionTokens: est.CountTokens(completion),
		Estimated:        true,
	}
}

// Track records a usage event. Failures are logged and returned; callers
// treat them as non-fatal.
func (t *Tracker) Track(ctx context.Context, req *TrackRequest) (Counts, error) {
	counts := Resolve(req.Reported, req.Prompt, req.Completion)
	record := &UsageRecord{
		ConversationID:   req.ConversationID,
		MessageID:        req.MessageID,
		Operation:        req.Operation,
		ProviderKind:     req.ProviderKind,
		Model:            req.Model,
		PromptTokens:     counts.PromptTokens,
		CompletionTokens: counts.CompletionTokens,
		TotalTokens:      counts.PromptTokens + counts.CompletionTokens,
		Estimated:        counts.Estimated,
		LatencyMs:        req.Latency.Milliseconds(),
		Success:          req.Err == nil,
		Metadata:         req.Metadata,
	}
	if req.Err != nil {
		record.ErrorMessage = req.Err.Error()
	}

	if err := t.repo.Create(ctx, record); err != nil {
		t.log.WithError(err).Warn("failed to persist usage record")
		return counts, err
	}
	return counts, nil
}

// GetDailySummary returns usage for the current day.
func (t *Tracker) GetDailySummary(ctx context.Context) (*UsageSummary, error) {
	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return t.repo.Summarize(ctx, SummaryFilter{Start: start, End: start.Add(24 * time.Hour)})
}
