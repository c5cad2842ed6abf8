package vectorstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tgo/kiwi/internal/model"
)

// QdrantIndex mirrors chunk vectors into a Qdrant collection. Point ids are
// the chunk ids; payload carries the owning scope for filtering.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimensions int
	hnswEf     uint64
}

func NewQdrantIndex(host string, port int, collection string, dimensions, hnswEf int) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	if hnswEf <= 0 {
		hnswEf = 64
	}
	return &QdrantIndex{client: client, collection: collection, dimensions: dimensions, hnswEf: uint64(hnswEf)}, nil
}

func (q *QdrantIndex) Name() string { return "qdrant" }

func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func (q *QdrantIndex) IsUnsupported(err error) bool {
	switch status.Code(err) {
	case codes.Unimplemented, codes.NotFound, codes.FailedPrecondition:
		return true
	}
	return false
}

func (q *QdrantIndex) Ensure(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimensions),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func (q *QdrantIndex) Mirror(ctx context.Context, doc *model.Document, chunks []model.DocumentChunk) error {
	if err := q.Delete(ctx, doc.ID); err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		vec := make([]float32, len(c.Embedding))
		copy(vec, c.Embedding)
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID.String()),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrant.NewValueMap(map[string]interface{}{
				"document_id": doc.ID.String(),
				"entity_type": string(doc.EntityType),
				"entity_id":   doc.EntityID.String(),
				"chunk_index": c.ChunkIndex,
			}),
		}
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	return err
}

func (q *QdrantIndex) Delete(ctx context.Context, documentID uuid.UUID) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID.String())},
				},
			},
		},
	})
	return err
}

func (q *QdrantIndex) Search(ctx context.Context, query []float32, scopes []model.Scope, topK int) ([]ScoredID, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	should := make([]*qdrant.Condition, len(scopes))
	for i, s := range scopes {
		should[i] = qdrant.NewFilterAsCondition(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("entity_type", string(s.EntityType)),
				qdrant.NewMatch("entity_id", s.EntityID.String()),
			},
		})
	}

	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		Filter:         &qdrant.Filter{Should: should},
		Params:         &qdrant.SearchParams{HnswEf: &q.hnswEf},
	})
	if err != nil {
		return nil, err
	}

	out := make([]ScoredID, 0, len(hits))
	for _, h := range hits {
		id, err := uuid.Parse(h.GetId().GetUuid())
		if err != nil {
			continue
		}
		out = append(out, ScoredID{ChunkID: id, Score: float64(h.GetScore())})
	}
	return out, nil
}

func (q *QdrantIndex) Status(ctx context.Context) IndexStatus {
	st := IndexStatus{Backend: q.Name()}
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.ExtensionInstalled = true
	st.ColumnPresent = exists
	st.IndexPresent = exists
	if !exists {
		return st
	}
	info, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.IndexedCount = int64(info.GetPointsCount())
	return st
}
