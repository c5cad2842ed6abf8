package task

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tgo/kiwi/internal/pkg/logger"
)

// StalledRecoverer requeues documents stuck in processing.
type StalledRecoverer interface {
	RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error)
}

// StalledDocumentTask requeues documents that a crash left pending or
// processing for longer than olderThan.
type StalledDocumentTask struct {
	docs      StalledRecoverer
	olderThan time.Duration
	log       *logrus.Entry
}

func NewStalledDocumentTask(docs StalledRecoverer, olderThan time.Duration, log *logrus.Entry) *StalledDocumentTask {
	return &StalledDocumentTask{docs: docs, olderThan: olderThan, log: logger.OrDefault(log, "task")}
}

func (t *StalledDocumentTask) Name() string {
	return "stalled_document_recovery"
}

func (t *StalledDocumentTask) Run(ctx context.Context) error {
	n, err := t.docs.RecoverStalled(ctx, t.olderThan)
	if err != nil {
		return err
	}
	if n > 0 {
		t.log.WithField("documents", n).Warn("requeued stalled documents")
	}
	return nil
}

// UsagePruner deletes usage records created before a cutoff.
type UsagePruner interface {
	DeleteOldRecords(ctx context.Context, before time.Time) (int64, error)
}

// UsageRetentionTask keeps the usage table bounded.
type UsageRetentionTask struct {
	usage     UsagePruner
	retention time.Duration
}

func NewUsageRetentionTask(usage UsagePruner, retention time.Duration) *UsageRetentionTask {
	return &UsageRetentionTask{usage: usage, retention: retention}
}

func (t *UsageRetentionTask) Name() string {
	return "usage_retention"
}

func (t *UsageRetentionTask) Run(ctx context.Context) error {
	_, err := t.usage.DeleteOldRecords(ctx, time.Now().Add(-t.retention))
	return err
}
