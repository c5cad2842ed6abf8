// Package retrieval ranks stored chunks against a query vector.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/logger"
	"github.com/tgo/kiwi/internal/rag/vectorstore"
)

type Hit struct {
	ChunkID      uuid.UUID   `json:"chunk_id"`
	DocumentID   uuid.UUID   `json:"document_id"`
	DocumentName string      `json:"document_name"`
	Scope        model.Scope `json:"-"`
	ChunkIndex   int         `json:"chunk_index"`
	Content      string      `json:"-"`
	Snippet      string      `json:"snippet"`
	Score        float64     `json:"score"`
}

type Query struct {
	Vector []float32
	// Text is the original query, used to center snippets.
	Text   string
	Scopes []model.Scope
	TopK   int
	// MinScore drops hits below it when set.
	MinScore *float64
}

type Engine struct {
	db          *gorm.DB
	store       *vectorstore.Store
	snippetSize int
	log         *logrus.Entry
}

func NewEngine(db *gorm.DB, store *vectorstore.Store, snippetSize int, log *logrus.Entry) *Engine {
	if snippetSize <= 0 {
		snippetSize = DefaultSnippetSize
	}
	return &Engine{db: db, store: store, snippetSize: snippetSize, log: logger.OrDefault(log, "retrieval")}
}

// Search ranks each scope on its own, then merges every candidate and keeps the
// global top K.
func (e *Engine) Search(ctx context.Context, q Query) ([]Hit, error) {
	if q.TopK <= 0 {
		q.TopK = 5
	}
	if len(q.Vector) == 0 || len(q.Scopes) == 0 {
		return []Hit{}, nil
	}

	candidates := make([]Hit, 0)
	for _, scope := range q.Scopes {
		hits, err := e.searchScope(ctx, q, scope)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, hits...)
	}

	sortHits(candidates)
	if len(candidates) > q.TopK {
		candidates = candidates[:q.TopK]
	}
	if err := e.decorate(ctx, q.Text, candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (e *Engine) searchScope(ctx context.Context, q Query, scope model.Scope) ([]Hit, error) {
	if e.store != nil && e.store.NativeEnabled() {
		hits, err := e.approximate(ctx, q, scope)
		switch {
		case err != nil:
			e.log.WithError(err).WithField("scope", scope.String()).Warn("approximate search failed, using exact scoring")
			if e.store.Index().IsUnsupported(err) {
				e.store.Disable(err)
			}
		case len(hits) > 0:
			return hits, nil
		}
	}
	return e.exact(ctx, q, scope)
}

func (e *Engine) approximate(ctx context.Context, q Query, scope model.Scope) ([]Hit, error) {
	scored, err := e.store.Index().Search(ctx, q.Vector, []model.Scope{scope}, q.TopK)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(scored))
	for i, s := range scored {
		ids[i] = s.ChunkID
	}
	var chunks []model.DocumentChunk
	if err := e.db.WithContext(ctx).Where("id IN ?", ids).Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	byID := make(map[uuid.UUID]model.DocumentChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	hits := make([]Hit, 0, len(scored))
	for _, s := range scored {
		c, ok := byID[s.ChunkID]
		if !ok || !passes(s.Score, q.MinScore) {
			continue
		}
		hits = append(hits, newHit(c, scope, s.Score))
	}
	return hits, nil
}

func (e *Engine) exact(ctx context.Context, q Query, scope model.Scope) ([]Hit, error) {
	var chunks []model.DocumentChunk
	err := e.db.WithContext(ctx).
		Model(&model.DocumentChunk{}).
		Select("document_chunks.*").
		Joins("JOIN documents ON documents.id = document_chunks.document_id").
		Where("documents.entity_type = ? AND documents.entity_id = ?", string(scope.EntityType), scope.EntityID).
		Where("documents.deleted_at IS NULL").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("load scope chunks: %w", err)
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) != len(q.Vector) {
			continue
		}
		score := Cosine(q.Vector, c.Embedding)
		if !passes(score, q.MinScore) {
			continue
		}
		hits = append(hits, newHit(c, scope, score))
	}
	sortHits(hits)
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// decorate fills document names and snippets of the final hits.
func (e *Engine) decorate(ctx context.Context, text string, hits []Hit) error {
	if len(hits) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DocumentID)
	}
	var docs []struct {
		ID   uuid.UUID
		Name string
	}
	if err := e.db.WithContext(ctx).Model(&model.Document{}).Select("id, name").Where("id IN ?", ids).Scan(&docs).Error; err != nil {
		return fmt.Errorf("load document names: %w", err)
	}
	names := make(map[uuid.UUID]string, len(docs))
	for _, d := range docs {
		names[d.ID] = d.Name
	}
	for i := range hits {
		hits[i].DocumentName = names[hits[i].DocumentID]
		hits[i].Snippet = Snippet(hits[i].Content, text, e.snippetSize)
	}
	return nil
}

func newHit(c model.DocumentChunk, scope model.Scope, score float64) Hit {
	return Hit{
		ChunkID:    c.ID,
		DocumentID: c.DocumentID,
		Scope:      scope,
		ChunkIndex: c.ChunkIndex,
		Content:    c.Content,
		Score:      score,
	}
}

func passes(score float64, min *float64) bool {
	return min == nil || score >= *min
}

// sortHits orders by score, then by document and chunk index so equal scores rank the same way every time.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID.String() < hits[j].DocumentID.String()
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
}

// Cosine returns the cosine similarity of a and b, 0 when either is a zero vector.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
