package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/model"
)

const nativeColumn = "embedding_vec"

// PGVectorIndex keeps a vector(N) column next to the array column of
// document_chunks, with an ivfflat cosine index.
type PGVectorIndex struct {
	db         *gorm.DB
	dimensions int
	lists      int
	probes     int
}

func NewPGVectorIndex(db *gorm.DB, dimensions, lists, probes int) *PGVectorIndex {
	if lists <= 0 {
		lists = 100
	}
	if probes <= 0 {
		probes = 10
	}
	return &PGVectorIndex{db: db, dimensions: dimensions, lists: lists, probes: probes}
}

func (p *PGVectorIndex) Name() string { return "pgvector" }

func (p *PGVectorIndex) IsUnsupported(err error) bool {
	return matchesUnsupported(err)
}

func (p *PGVectorIndex) Ensure(ctx context.Context) error {
	db := p.db.WithContext(ctx)
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf("ALTER TABLE document_chunks ADD COLUMN IF NOT EXISTS %s vector(%d)", nativeColumn, p.dimensions),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_document_chunks_%s ON document_chunks USING ivfflat (%s vector_cosine_ops) WITH (lists = %d)",
			nativeColumn, nativeColumn, p.lists),
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (p *PGVectorIndex) Mirror(ctx context.Context, doc *model.Document, chunks []model.DocumentChunk) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range chunks {
			err := tx.Exec("UPDATE document_chunks SET "+nativeColumn+" = ?::vector WHERE id = ?",
				ToNativeLiteral(c.Embedding), c.ID).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete is a no-op: the column lives on the chunk rows themselves.
func (p *PGVectorIndex) Delete(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

// Search runs the nearest neighbour query inside its own transaction so the
// probes setting and any failure stay local to it.
func (p *PGVectorIndex) Search(ctx context.Context, query []float32, scopes []model.Scope, topK int) ([]ScoredID, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	var rows []struct {
		ID       uuid.UUID
		Distance float64
	}
	vec := pgvector.NewVector(query)

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(fmt.Sprintf("SET LOCAL ivfflat.probes = %d", p.probes)).Error; err != nil {
			return err
		}
		where, args := scopeClause(scopes)
		q := tx.Table("document_chunks").
			Select("document_chunks.id, document_chunks."+nativeColumn+" <=> ? AS distance", vec).
			Joins("JOIN documents ON documents.id = document_chunks.document_id").
			Where("document_chunks."+nativeColumn+" IS NOT NULL").
			Where("documents.deleted_at IS NULL").
			Where(where, args...).
			Order(gorm.Expr("document_chunks."+nativeColumn+" <=> ?", vec)).
			Limit(topK)
		return q.Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]ScoredID, len(rows))
	for i, r := range rows {
		out[i] = ScoredID{ChunkID: r.ID, Score: 1 - r.Distance}
	}
	return out, nil
}

func (p *PGVectorIndex) Status(ctx context.Context) IndexStatus {
	st := IndexStatus{Backend: p.Name()}
	db := p.db.WithContext(ctx)

	if err := db.Raw("SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&st.ExtensionInstalled).Error; err != nil {
		st.Error = err.Error()
		return st
	}
	if err := db.Raw("SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'document_chunks' AND column_name = ?)",
		nativeColumn).Scan(&st.ColumnPresent).Error; err != nil {
		st.Error = err.Error()
		return st
	}
	if err := db.Raw("SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'document_chunks' AND indexname = ?)",
		"idx_document_chunks_"+nativeColumn).Scan(&st.IndexPresent).Error; err != nil {
		st.Error = err.Error()
		return st
	}
	if st.ColumnPresent {
		var n int64
		if err := db.Raw("SELECT COUNT(*) FROM document_chunks WHERE " + nativeColumn + " IS NOT NULL").Scan(&n).Error; err != nil {
			st.Error = err.Error()
			return st
		}
		st.IndexedCount = n
	}
	return st
}

// scopeClause builds "(documents.entity_type = ? AND documents.entity_id = ?) OR ..." for scopes.
func scopeClause(scopes []model.Scope) (string, []interface{}) {
	parts := make([]string, len(scopes))
	args := make([]interface{}, 0, 2*len(scopes))
	for i, s := range scopes {
		parts[i] = "(documents.entity_type = ? AND documents.entity_id = ?)"
		args = append(args, string(s.EntityType), s.EntityID)
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}
