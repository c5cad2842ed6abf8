package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/logger"
	"github.com/tgo/kiwi/internal/rag/embedding"
	"github.com/tgo/kiwi/internal/rag/retrieval"
)

// Searcher is what generation needs from retrieval.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]retrieval.Hit, error)
}

type SearchRequest struct {
	Query    string
	Scopes   []model.Scope
	TopK     int
	MinScore *float64
}

// SearchService embeds a query and ranks chunks across scopes.
type SearchService struct {
	embedder embedding.Embedder
	engine   *retrieval.Engine
	topK     int
	minScore *float64
	log      *logrus.Entry
}

// NewSearchService takes the configured defaults for top K and the score
// floor. A zero minScore means no floor.
func NewSearchService(embedder embedding.Embedder, engine *retrieval.Engine, topK int, minScore float64, log *logrus.Entry) *SearchService {
	s := &SearchService{embedder: embedder, engine: engine, topK: topK, log: logger.OrDefault(log, "search")}
	if minScore > 0 {
		s.minScore = &minScore
	}
	return s
}

func (s *SearchService) Search(ctx context.Context, req SearchRequest) ([]retrieval.Hit, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" || len(req.Scopes) == 0 {
		return []retrieval.Hit{}, nil
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}
	minScore := req.MinScore
	if minScore == nil {
		minScore = s.minScore
	}

	hits, err := s.engine.Search(ctx, retrieval.Query{
		Vector:   vec,
		Text:     query,
		Scopes:   req.Scopes,
		TopK:     topK,
		MinScore: minScore,
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"scopes": len(req.Scopes),
		"hits":   len(hits),
	}).Debug("search finished")
	return hits, nil
}
