package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/repository"
)

// ProgressChannel receives every persisted progress update.
const ProgressChannel = "documents:progress"

// ProgressEvent is the payload published on ProgressChannel.
type ProgressEvent struct {
	DocumentID uuid.UUID            `json:"document_id"`
	EntityType model.EntityType     `json:"entity_type"`
	EntityID   uuid.UUID            `json:"entity_id"`
	Status     model.DocumentStatus `json:"status"`
	model.Progress
}

// progressSink persists the latest progress of one run. Values lower than the
// best one seen are dropped so bars never move backwards.
type progressSink struct {
	ctx   context.Context
	doc   *model.Document
	repo  *repository.DocumentRepository
	cache Cache
	log   *logrus.Entry

	mu   sync.Mutex
	best model.Progress
}

func newProgressSink(ctx context.Context, doc *model.Document, repo *repository.DocumentRepository, cache Cache, log *logrus.Entry, start model.Progress) *progressSink {
	return &progressSink{ctx: ctx, doc: doc, repo: repo, cache: cache, log: log, best: start}
}

// Report records p when it does not regress.
func (s *progressSink) Report(p model.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Progress < s.best.Progress {
		return
	}
	s.best = p
	if err := s.repo.UpdateProgress(s.ctx, s.doc.ID, p.Map()); err != nil {
		s.log.WithError(err).Debug("failed to persist progress")
	}
	s.publish(model.DocumentStatusProcessing, p)
}

// Within maps an extractor fraction onto [from, to] of the overall run.
func (s *progressSink) Within(from, to float64) func(model.Progress) {
	return func(p model.Progress) {
		p.Progress = from + (to-from)*clamp01(p.Progress)
		s.Report(p)
	}
}

// Latest returns the best progress reported so far.
func (s *progressSink) Latest() model.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best
}

func (s *progressSink) publish(status model.DocumentStatus, p model.Progress) {
	if s.cache == nil {
		return
	}
	ev := ProgressEvent{
		DocumentID: s.doc.ID,
		EntityType: s.doc.EntityType,
		EntityID:   s.doc.EntityID,
		Status:     status,
		Progress:   p,
	}
	if err := s.cache.Publish(s.ctx, ProgressChannel, ev); err != nil {
		s.log.WithError(err).Debug("failed to publish progress")
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
