package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/model"
	"github.com/tgo/kiwi/internal/pkg/logger"
	"github.com/tgo/kiwi/internal/rag/chunker"
	"github.com/tgo/kiwi/internal/rag/embedding"
	"github.com/tgo/kiwi/internal/rag/extractor"
	"github.com/tgo/kiwi/internal/repository"
	"github.com/tgo/kiwi/internal/storage"
)

const (
	genericMIME = "application/octet-stream"
	sniffBytes  = 3072

	StageQueued    = "queued"
	StageChunking  = "chunking"
	StageEmbedding = "embedding"
	StageIndexing  = "indexing"
	StageCompleted = "completed"
	StageFailed    = "failed"
)

// ContentExtractor turns a stored file into text.
type ContentExtractor interface {
	Extract(ctx context.Context, path, declaredMIME string, progress extractor.ProgressFunc) (string, error)
}

// ChunkStore persists chunk rows and vectors.
type ChunkStore interface {
	UpsertChunks(ctx context.Context, doc *model.Document, contents []string, vectors [][]float32, embeddingModel string) ([]model.DocumentChunk, error)
	DeleteDocument(ctx context.Context, documentID uuid.UUID) error
}

type DocumentConfig struct {
	MaxUploadSize     int64
	AllowedExtensions []string
	MaxAgentDocuments int
	MaxChatDocuments  int
	ChunkSize         int
	ChunkOverlap      int
	Workers           int
	ContentCacheTTL   time.Duration
}

type DocumentService struct {
	repo      *repository.DocumentRepository
	storage   storage.Storage
	extractor ContentExtractor
	embedder  embedding.Embedder
	store     ChunkStore
	cache     Cache
	cfg       DocumentConfig
	allowed   map[string]struct{}
	pool      *ants.Pool
	wg        sync.WaitGroup
	log       *logrus.Entry
}

func NewDocumentService(
	repo *repository.DocumentRepository,
	store storage.Storage,
	ext ContentExtractor,
	embedder embedding.Embedder,
	chunks ChunkStore,
	cache Cache,
	cfg DocumentConfig,
	log *logrus.Entry,
) (*DocumentService, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ContentCacheTTL <= 0 {
		cfg.ContentCacheTTL = 30 * time.Minute
	}
	log = logger.OrDefault(log, "document")

	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p interface{}) {
		log.WithField("panic", p).Error("document worker panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("create ingestion pool: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}

	return &DocumentService{
		repo:      repo,
		storage:   store,
		extractor: ext,
		embedder:  embedder,
		store:     chunks,
		cache:     cache,
		cfg:       cfg,
		allowed:   allowed,
		pool:      pool,
		log:       log,
	}, nil
}

// UploadRequest describes an incoming file.
type UploadRequest struct {
	Scope        model.Scope
	Filename     string
	DeclaredMIME string
	Reader       io.Reader
}

// Upload validates and stores a file, persists a pending document and queues
// it for processing. It returns before any extraction happens.
func (s *DocumentService) Upload(ctx context.Context, req UploadRequest) (*model.Document, error) {
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if _, ok := s.allowed[ext]; !ok || ext == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExtension, ext)
	}

	if err := s.checkQuota(ctx, req.Scope); err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(req.Reader, sniffBytes)
	head, _ := br.Peek(sniffBytes)
	fileType := detectMIME(head, ext, req.DeclaredMIME)

	now := time.Now()
	doc := &model.Document{
		EntityType:       req.Scope.EntityType,
		EntityID:         req.Scope.EntityID,
		Name:             strings.TrimSuffix(filename, filepath.Ext(filename)),
		OriginalFilename: filename,
		FileType:         fileType,
		Status:           model.DocumentStatusPending,
		ProcessingMetadata: model.Progress{
			Stage: StageQueued,
			Label: "Waiting for processing",
		}.Map(),
	}
	doc.ID = uuid.New()
	doc.CreatedAt = now

	key := storage.RawKey(doc)
	n, err := s.storage.Save(ctx, key, br, s.cfg.MaxUploadSize)
	if errors.Is(err, storage.ErrTooLarge) {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, s.cfg.MaxUploadSize)
	}
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if n == 0 {
		_ = s.storage.Delete(ctx, key)
		return nil, ErrEmptyFile
	}
	doc.FilePath = key
	doc.FileSize = n

	if err := s.repo.Create(ctx, doc); err != nil {
		_ = s.storage.Delete(ctx, key)
		return nil, fmt.Errorf("create document: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"scope":       req.Scope.String(),
		"file_type":   fileType,
		"size":        n,
	}).Info("document uploaded")

	s.invalidateContent(ctx, req.Scope)
	s.Enqueue(ctx, doc.ID)
	return doc, nil
}

func (s *DocumentService) checkQuota(ctx context.Context, scope model.Scope) error {
	limit := s.cfg.MaxChatDocuments
	if scope.EntityType == model.EntityTypeAgent {
		limit = s.cfg.MaxAgentDocuments
	}
	if limit <= 0 {
		return nil
	}
	count, err := s.repo.CountByScope(ctx, scope)
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	if count >= int64(limit) {
		return fmt.Errorf("%w: %s allows at most %d documents", ErrQuotaExceeded, scope.EntityType, limit)
	}
	return nil
}

// detectMIME sniffs the content, then trusts the extension and the client in
// that order. Unknown types fall back to a generic binary type.
func detectMIME(head []byte, ext, declared string) string {
	if len(head) > 0 {
		if mt := mimetype.Detect(head); mt != nil && !mt.Is(genericMIME) {
			return baseMIME(mt.String())
		}
	}
	if byExt := mime.TypeByExtension("." + ext); byExt != "" {
		return baseMIME(byExt)
	}
	if declared = baseMIME(declared); declared != "" {
		return declared
	}
	return genericMIME
}

func baseMIME(v string) string {
	v, _, _ = strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(v))
}

// Enqueue schedules processing on the ingestion pool and returns at once.
// Submit blocks while every worker is busy, so it runs on its own goroutine;
// the work is detached from the caller's cancellation. A document that cannot
// be queued stays pending for the stalled document task.
func (s *DocumentService) Enqueue(ctx context.Context, id uuid.UUID) {
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		err := s.pool.Submit(func() {
			defer s.wg.Done()
			if err := s.Process(bg, id); err != nil && !errors.Is(err, ErrDocumentBusy) {
				s.log.WithError(err).WithField("document_id", id).Warn("document processing failed")
			}
		})
		if err != nil {
			s.wg.Done()
			s.log.WithError(err).WithField("document_id", id).Error("failed to queue document")
		}
	}()
}

// Process runs extraction, chunking, embedding and indexing for one document.
// Completed and failed documents may be processed again; their chunks are
// replaced wholesale.
func (s *DocumentService) Process(ctx context.Context, id uuid.UUID) error {
	doc, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !doc.Status.CanProcess() {
		return ErrDocumentBusy
	}

	start := model.Progress{Stage: extractor.StagePreparation, Label: "Preparing document", Progress: 0}
	claimed, err := s.repo.ClaimForProcessing(ctx, id, start.Map())
	if err != nil {
		return fmt.Errorf("claim document: %w", err)
	}
	if !claimed {
		return ErrDocumentBusy
	}
	doc.Status = model.DocumentStatusProcessing

	log := s.log.WithField("document_id", id)
	sink := newProgressSink(ctx, doc, s.repo, s.cache, log, start)
	began := time.Now()

	chunks, err := s.run(ctx, doc, sink)
	if err != nil {
		failed := sink.Latest()
		failed.Stage = StageFailed
		failed.Label = "Processing failed"
		if markErr := s.repo.MarkFailed(ctx, id, err.Error(), failed.Map()); markErr != nil {
			log.WithError(markErr).Error("failed to mark document as failed")
		}
		sink.publish(model.DocumentStatusFailed, failed)
		return err
	}

	done := model.Progress{Stage: StageCompleted, Label: "Document ready", Progress: 1, Current: chunks, Total: chunks}
	if err := s.repo.MarkCompleted(ctx, id, done.Map()); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	sink.publish(model.DocumentStatusCompleted, done)
	s.invalidateContent(ctx, doc.Scope())

	log.WithFields(logrus.Fields{
		"chunks":   chunks,
		"duration": time.Since(began).String(),
	}).Info("document processed")
	return nil
}

func (s *DocumentService) run(ctx context.Context, doc *model.Document, sink *progressSink) (int, error) {
	path, cleanup, err := s.storage.LocalPath(ctx, doc.FilePath)
	if err != nil {
		return 0, fmt.Errorf("open stored file: %w", err)
	}
	defer cleanup()

	text, err := s.extractor.Extract(ctx, path, doc.FileType, sink.Within(0, 0.6))
	if err != nil {
		return 0, fmt.Errorf("extract text: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, errors.New("no text could be extracted from the file")
	}

	processedKey := storage.ProcessedKey(doc)
	if err := s.storage.Put(ctx, processedKey, []byte(text)); err != nil {
		return 0, fmt.Errorf("store processed text: %w", err)
	}
	if err := s.repo.MarkExtracted(ctx, doc.ID, processedKey, time.Now()); err != nil {
		return 0, fmt.Errorf("record processed text: %w", err)
	}

	sink.Report(model.Progress{Stage: StageChunking, Label: "Splitting text", Progress: 0.65})
	chunks := chunker.Split(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return 0, errors.New("text produced no chunks")
	}

	sink.Report(model.Progress{Stage: StageEmbedding, Label: "Computing embeddings", Progress: 0.7, Total: len(chunks)})
	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	sink.Report(model.Progress{Stage: StageIndexing, Label: "Indexing chunks", Progress: 0.9, Current: len(chunks), Total: len(chunks)})
	if _, err := s.store.UpsertChunks(ctx, doc, chunks, vectors, s.embedder.Model()); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}
	return len(chunks), nil
}

// Reprocess queues a finished or failed document again.
func (s *DocumentService) Reprocess(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	doc, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !doc.Status.CanProcess() {
		return nil, ErrDocumentBusy
	}
	s.invalidateContent(ctx, doc.Scope())
	s.Enqueue(ctx, id)
	return doc, nil
}

// RecoverStalled requeues documents stuck in pending or processing since
// before olderThan ago, typically after a crash.
func (s *DocumentService) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	docs, err := s.repo.ListStalled(ctx, time.Now().Add(-olderThan), 100)
	if err != nil {
		return 0, err
	}
	for i := range docs {
		if docs[i].Status == model.DocumentStatusProcessing {
			if err := s.repo.ResetToPending(ctx, docs[i].ID); err != nil {
				s.log.WithError(err).WithField("document_id", docs[i].ID).Warn("failed to reset stalled document")
				continue
			}
		}
		s.Enqueue(ctx, docs[i].ID)
	}
	return len(docs), nil
}

func (s *DocumentService) List(ctx context.Context, scope model.Scope, limit, offset int) ([]model.Document, int64, error) {
	return s.repo.List(ctx, scope, limit, offset)
}

func (s *DocumentService) Get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	return s.get(ctx, id)
}

// GetContent returns the processed text of a document, cached per entity.
func (s *DocumentService) GetContent(ctx context.Context, id uuid.UUID) (string, error) {
	doc, err := s.get(ctx, id)
	if err != nil {
		return "", err
	}
	if doc.ProcessedPath == nil || *doc.ProcessedPath == "" {
		return "", ErrContentNotReady
	}

	key := contentCacheKey(doc.Scope())
	if s.cache != nil {
		if text, err := s.cache.HGet(ctx, key, id.String()); err == nil {
			return text, nil
		}
	}

	rc, err := s.storage.Open(ctx, *doc.ProcessedPath)
	if err != nil {
		return "", fmt.Errorf("open processed text: %w", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read processed text: %w", err)
	}

	text := string(raw)
	if s.cache != nil {
		if err := s.cache.HSetTTL(ctx, key, id.String(), text, s.cfg.ContentCacheTTL); err != nil {
			s.log.WithError(err).Debug("failed to cache document content")
		}
	}
	return text, nil
}

// Delete removes a document with its chunks and both stored files.
func (s *DocumentService) Delete(ctx context.Context, id uuid.UUID) error {
	doc, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}

	log := s.log.WithField("document_id", id)
	if err := s.storage.Delete(ctx, doc.FilePath); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.WithError(err).Warn("failed to delete raw file")
	}
	if doc.ProcessedPath != nil {
		if err := s.storage.Delete(ctx, *doc.ProcessedPath); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Warn("failed to delete processed file")
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	s.invalidateContent(ctx, doc.Scope())
	log.Info("document deleted")
	return nil
}

// Wait blocks until every queued document has been processed.
func (s *DocumentService) Wait() {
	s.wg.Wait()
}

// Close waits for running work and releases the pool.
func (s *DocumentService) Close() {
	s.wg.Wait()
	s.pool.Release()
}

func (s *DocumentService) get(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	doc, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	return doc, err
}

func (s *DocumentService) invalidateContent(ctx context.Context, scope model.Scope) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, contentCacheKey(scope)); err != nil {
		s.log.WithError(err).Debug("failed to invalidate content cache")
	}
}

func contentCacheKey(scope model.Scope) string {
	return "documents:content:" + scope.String()
}
