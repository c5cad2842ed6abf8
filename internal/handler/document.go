package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/response"
	"github.com/tgo/kiwi/internal/rag/retrieval"
	"github.com/tgo/kiwi/internal/service"
)

// DocumentService is the part of the ingestion service exposed over HTTP.
type DocumentService interface {
	Upload(ctx context.Context, req service.UploadRequest) (*model.Document, error)
	List(ctx context.Context, scope model.Scope, limit, offset int) ([]model.Document, int64, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Document, error)
	GetContent(ctx context.Context, id uuid.UUID) (string, error)
	Reprocess(ctx context.Context, id uuid.UUID) (*model.Document, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type DocumentHandler struct {
	svc    DocumentService
	search service.Searcher
}

func NewDocumentHandler(svc DocumentService, search service.Searcher) *DocumentHandler {
	return &DocumentHandler{svc: svc, search: search}
}

func scopeParam(c *gin.Context) (model.Scope, bool) {
	entityType, err := model.ParseEntityType(c.Param("entity_type"))
	if err != nil {
		response.BadRequest(c, err.Error())
		return model.Scope{}, false
	}
	entityID, err := uuid.Parse(c.Param("entity_id"))
	if err != nil {
		response.BadRequest(c, "invalid entity_id")
		return model.Scope{}, false
	}
	return model.Scope{EntityType: entityType, EntityID: entityID}, true
}

func idParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// Upload stores the file and answers before processing starts.
func (h *DocumentHandler) Upload(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	defer file.Close()

	doc, err := h.svc.Upload(c.Request.Context(), service.UploadRequest{
		Scope:        scope,
		Filename:     header.Filename,
		DeclaredMIME: header.Header.Get("Content-Type"),
		Reader:       file,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, doc)
}

func (h *DocumentHandler) List(c *gin.Context) {
	scope, ok := scopeParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	docs, total, err := h.svc.List(c.Request.Context(), scope, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	response.List(c, docs, total, limit, offset)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	doc, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, doc)
}

func (h *DocumentHandler) Content(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	content, err := h.svc.GetContent(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, gin.H{"document_id": id, "content": content})
}

func (h *DocumentHandler) Reprocess(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	doc, err := h.svc.Reprocess(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Accepted(c, doc)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	response.NoContent(c)
}

type ScopeRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
	EntityID   string `json:"entity_id" binding:"required"`
}

type SearchRequest struct {
	Query    string         `json:"query" binding:"required,min=1,max=10000"`
	Scopes   []ScopeRequest `json:"scopes" binding:"required,min=1,dive"`
	TopK     int            `json:"top_k"`
	MinScore *float64       `json:"min_score"`
}

type SearchResponse struct {
	Query string          `json:"query"`
	Hits  []retrieval.Hit `json:"hits"`
}

func (h *DocumentHandler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.TopK < 0 || req.TopK > 50 {
		response.BadRequest(c, "top_k must be between 1 and 50")
		return
	}

	scopes := make([]model.Scope, 0, len(req.Scopes))
	for _, s := range req.Scopes {
		entityType, err := model.ParseEntityType(s.EntityType)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		entityID, err := uuid.Parse(s.EntityID)
		if err != nil {
			response.BadRequest(c, "invalid entity_id in scopes")
			return
		}
		scopes = append(scopes, model.Scope{EntityType: entityType, EntityID: entityID})
	}

	hits, err := h.search.Search(c.Request.Context(), service.SearchRequest{
		Query:    req.Query,
		Scopes:   scopes,
		TopK:     req.TopK,
		MinScore: req.MinScore,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, SearchResponse{Query: req.Query, Hits: hits})
}
