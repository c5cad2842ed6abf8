// Package vectorstore persists document chunks with their embeddings and keeps
// an optional native vector index in sync.
package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/logger"
)

// NativeState tracks whether the native vector index can be used.
type NativeState int32

const (
	NativeUnknown NativeState = iota
	NativeSupported
	NativeUnsupported
)

func (s NativeState) String() string {
	switch s {
	case NativeSupported:
		return "supported"
	case NativeUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// ScoredID is a raw hit from a native index, score in [-1,1] with 1 the closest.
type ScoredID struct {
	ChunkID uuid.UUID
	Score   float64
}

// NativeIndex is an approximate nearest neighbour index mirrored from the
// chunk table.
type NativeIndex interface {
	Name() string
	// Ensure creates whatever the index needs (extension, column, collection).
	Ensure(ctx context.Context) error
	Mirror(ctx context.Context, doc *model.Document, chunks []model.DocumentChunk) error
	Delete(ctx context.Context, documentID uuid.UUID) error
	Search(ctx context.Context, query []float32, scopes []model.Scope, topK int) ([]ScoredID, error)
	Status(ctx context.Context) IndexStatus
	// IsUnsupported reports whether err means the backend cannot hold vectors at all.
	IsUnsupported(err error) bool
}

type Store struct {
	db    *gorm.DB
	index NativeIndex
	log   *logrus.Entry

	state atomic.Int32
	mu    sync.Mutex
}

// New returns a store. index may be nil when no native index is configured.
func New(db *gorm.DB, index NativeIndex, log *logrus.Entry) *Store {
	s := &Store{db: db, index: index, log: logger.OrDefault(log, "vectorstore")}
	if index == nil {
		s.state.Store(int32(NativeUnsupported))
	}
	return s
}

func (s *Store) State() NativeState {
	return NativeState(s.state.Load())
}

// NativeEnabled reports whether the native index may still be tried.
func (s *Store) NativeEnabled() bool {
	return s.State() != NativeUnsupported
}

func (s *Store) Index() NativeIndex {
	return s.index
}

// Disable permanently stops native index use for this store.
func (s *Store) Disable(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == NativeUnsupported {
		return
	}
	s.state.Store(int32(NativeUnsupported))
	entry := s.log
	if s.index != nil {
		entry = entry.WithField("index", s.index.Name())
	}
	if reason != nil {
		entry = entry.WithError(reason)
	}
	entry.Warn("native vector index unavailable, disabling mirroring for this process")
}

func (s *Store) markSupported() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == NativeUnknown {
		s.state.Store(int32(NativeSupported))
	}
}

// EnsureIndex prepares the native index. A backend that cannot hold vectors
// trips the breaker instead of failing startup.
func (s *Store) EnsureIndex(ctx context.Context) error {
	if !s.NativeEnabled() {
		return nil
	}
	if err := s.index.Ensure(ctx); err != nil {
		if s.index.IsUnsupported(err) {
			s.Disable(err)
			return nil
		}
		return fmt.Errorf("ensure %s index: %w", s.index.Name(), err)
	}
	s.markSupported()
	return nil
}

// UpsertChunks replaces every chunk of doc in one transaction, then mirrors
// the vectors into the native index on a best effort basis.
func (s *Store) UpsertChunks(ctx context.Context, doc *model.Document, contents []string, vectors [][]float32, embeddingModel string) ([]model.DocumentChunk, error) {
	if len(contents) != len(vectors) {
		return nil, fmt.Errorf("got %d chunks and %d vectors", len(contents), len(vectors))
	}

	rows := make([]model.DocumentChunk, len(contents))
	for i := range contents {
		rows[i] = model.DocumentChunk{
			ID:             uuid.New(),
			DocumentID:     doc.ID,
			ChunkIndex:     i,
			Content:        contents[i],
			Embedding:      model.Vector(vectors[i]),
			EmbeddingModel: embeddingModel,
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&model.DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mirror(ctx, doc, rows)
	return rows, nil
}

func (s *Store) mirror(ctx context.Context, doc *model.Document, rows []model.DocumentChunk) {
	if !s.NativeEnabled() || len(rows) == 0 {
		return
	}
	err := s.index.Mirror(ctx, doc, rows)
	switch {
	case err == nil:
		s.markSupported()
	case s.index.IsUnsupported(err):
		s.Disable(err)
	default:
		// the array column stays authoritative; search falls back to exact scoring
		s.log.WithError(err).WithField("document_id", doc.ID).Warn("native vector mirror failed")
	}
}

// DeleteDocument removes chunks of a document from the table and the native index.
func (s *Store) DeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&model.DocumentChunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if s.NativeEnabled() {
		if err := s.index.Delete(ctx, documentID); err != nil {
			s.log.WithError(err).WithField("document_id", documentID).Warn("native index delete failed")
		}
	}
	return nil
}

// CountChunks returns how many chunks a document currently has.
func (s *Store) CountChunks(ctx context.Context, documentID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.DocumentChunk{}).Where("document_id = ?", documentID).Count(&n).Error
	return n, err
}

// ToNativeLiteral renders v as a vector literal with fixed precision.
func ToNativeLiteral(v []float32) string {
	var sb strings.Builder
	sb.Grow(len(v)*10 + 2)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', 6, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

var unsupportedHints = []string{
	`type "vector" does not exist`,
	`extension "vector"`,
	"could not open extension control file",
	`column "embedding_vec" does not exist`,
	"operator does not exist",
	"no such column",
	"unrecognized token",
	"syntax error",
}

func matchesUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, h := range unsupportedHints {
		if strings.Contains(msg, strings.ToLower(h)) {
			return true
		}
	}
	return false
}
