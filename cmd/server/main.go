package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/tgo/kiwi/internal/config"
	"github.com/tgo/kiwi/internal/database"
	"github.com/tgo/kiwi/internal/eino/llm"
	"github.com/tgo/kiwi/internal/eino/usage"
	"github.com/tgo/kiwi/internal/handler"
	"github.com/tgo/kiwi/internal/pkg/logger"
	"github.com/tgo/kiwi/internal/pkg/redis"
	"github.com/tgo/kiwi/internal/rag/embedding"
	"github.com/tgo/kiwi/internal/rag/extractor"
	"github.com/tgo/kiwi/internal/rag/retrieval"
	"github.com/tgo/kiwi/internal/rag/vectorstore"
	"github.com/tgo/kiwi/internal/repository"
	"github.com/tgo/kiwi/internal/service"
	"github.com/tgo/kiwi/internal/storage"
	"github.com/tgo/kiwi/internal/task"
	"github.com/tgo/kiwi/internal/trace"
)

const usageRetention = 90 * 24 * time.Hour

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.Module("server")

	ctx := context.Background()
	closeTrace := trace.InitCozeLoop(cfg.CozeLoopWorkspaceID, cfg.CozeLoopAPIToken, nil)

	db, err := database.Connect(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	if err := database.AutoMigrate(db, &usage.UsageRecord{}); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	rdb, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to redis")
	}
	defer rdb.Close()

	store, err := newStorage(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise storage")
	}

	embedder, err := embedding.New(ctx, embedding.Config{
		Kind:           embedding.ProviderKind(cfg.EmbeddingProvider),
		APIKey:         cfg.EmbeddingAPIKey,
		BaseURL:        cfg.EmbeddingBaseURL,
		Model:          cfg.EmbeddingModel,
		Dimensions:     cfg.EmbeddingDimensions,
		BatchSize:      cfg.EmbeddingBatchSize,
		LocalModelPath: cfg.EmbeddingLocalModelPath,
		LocalWorkers:   cfg.IngestWorkers,
	}, logger.Module("embedding"))
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise embedding provider")
	}
	defer embedder.Close()
	if err := embedder.Verify(ctx); err != nil {
		if embedding.IsMisconfigured(err) {
			log.WithError(err).Fatal("Embedding provider does not match the configured dimensions")
		}
		log.WithError(err).Warn("Embedding provider check failed; ingestion will fail until it recovers")
	}

	index, closeIndex, err := newVectorIndex(cfg, db)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise vector index")
	}
	defer closeIndex()
	vectors := vectorstore.New(db, index, logger.Module("vectorstore"))
	if err := vectors.EnsureIndex(ctx); err != nil {
		log.WithError(err).Warn("Native vector index unavailable, using exact scoring")
	}

	factory := llm.NewFactory()
	chat, err := factory.Create(ctx, providerConfig(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMBaseURL, &cfg.LLMTemperature))
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise chat model")
	}

	var vision extractor.VisionAnalyzer
	if cfg.VisionModel != "" {
		vm, err := factory.Create(ctx, providerConfig(cfg.VisionProvider, cfg.VisionAPIKey, cfg.VisionModel, cfg.VisionBaseURL, nil))
		if err != nil {
			log.WithError(err).Warn("Vision model unavailable; images will not be analysed")
		} else {
			vision = extractor.NewChatVision(vm)
		}
	}
	ext := extractor.New(extractor.Options{
		TextThreshold:        cfg.PDFTextThreshold,
		MaxVisionPages:       cfg.PDFMaxVisionPages,
		SignificantImageArea: cfg.SignificantImageArea,
		RenderDPI:            cfg.PDFRenderDPI,
	}, vision, extractor.NewPlainPDFReader(), extractor.NewFitzRenderer(), logger.Module("extractor"))

	docs, err := service.NewDocumentService(
		repository.NewDocumentRepository(db),
		store,
		ext,
		embedder,
		vectors,
		rdb,
		service.DocumentConfig{
			MaxUploadSize:     cfg.MaxUploadSize,
			AllowedExtensions: cfg.AllowedExtensions,
			MaxAgentDocuments: cfg.MaxAgentDocuments,
			MaxChatDocuments:  cfg.MaxChatDocuments,
			ChunkSize:         cfg.ChunkSize,
			ChunkOverlap:      cfg.ChunkOverlap,
			Workers:           cfg.IngestWorkers,
			ContentCacheTTL:   cfg.DocumentCacheTTL,
		},
		logger.Module("document"),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise document service")
	}

	engine := retrieval.NewEngine(db, vectors, cfg.SnippetSize, logger.Module("retrieval"))
	search := service.NewSearchService(embedder, engine, cfg.RAGTopK, cfg.RAGMinScore, logger.Module("search"))
	tracker := usage.NewTracker(db, logger.Module("usage"))

	messages := service.NewMessageService(db, search, chat, rdb, rdb, tracker, service.GenerationConfig{
		ProviderKind: cfg.LLMProvider,
		Model:        cfg.LLMModel,
		Temperature:  cfg.LLMTemperature,
		TopK:         cfg.RAGTopK,
		Budget: service.Budget{
			SystemPromptMaxChars: cfg.SystemPromptMaxChars,
			MessagesMaxChars:     cfg.MessagesMaxChars,
			ForcedUserMaxChars:   cfg.ForcedUserMaxChars,
		},
		LockTTL:          cfg.GenerationLockTTL,
		ResponseCacheTTL: cfg.ResponseCacheTTL,
		EnableTools:      cfg.LLMEnableTools,
	}, logger.Module("message"))

	router := handler.SetupRouter(cfg.GinMode, &handler.Handlers{
		Document: handler.NewDocumentHandler(docs, search),
		Message:  handler.NewMessageHandler(messages),
		Vector:   vectors,
		Usage:    tracker,
		Probes: []handler.Probe{
			{Name: "database", Check: pingDB(db)},
			{Name: "redis", Check: rdb.Ping},
		},
	}, logger.Module("http"))

	// Stalled documents are requeued at start and then periodically
	scheduler := task.NewScheduler(logger.Module("task_scheduler"))
	scheduler.RegisterTask(task.NewStalledDocumentTask(docs, cfg.StalledAfter, logger.Module("task")), cfg.RecoveryInterval)
	scheduler.RegisterTask(task.NewUsageRetentionTask(tracker.Repository(), usageRetention), 24*time.Hour)
	scheduler.Start()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}
	scheduler.Stop()
	docs.Close()
	closeTrace(shutdownCtx)

	log.Info("Server exited")
}

func providerConfig(kind, apiKey, model, baseURL string, temperature *float32) *llm.ProviderConfig {
	pk, err := llm.ParseProviderKind(kind)
	if err != nil {
		logger.Module("server").WithError(err).Warn("Unknown provider, falling back to openai")
		pk = llm.ProviderOpenAI
	}
	return &llm.ProviderConfig{
		Kind:        pk,
		APIKey:      apiKey,
		Model:       model,
		BaseURL:     baseURL,
		Temperature: temperature,
	}
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case "minio":
		return storage.NewMinio(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	case "local", "":
		return storage.NewLocal(cfg.StoragePath)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}

func newVectorIndex(cfg *config.Config, db *gorm.DB) (vectorstore.NativeIndex, func(), error) {
	noop := func() {}
	switch cfg.VectorIndex {
	case "pgvector":
		return vectorstore.NewPGVectorIndex(db, cfg.EmbeddingDimensions, cfg.VectorLists, cfg.VectorProbes), noop, nil
	case "qdrant":
		q, err := vectorstore.NewQdrantIndex(cfg.QdrantHost, cfg.QdrantPort, cfg.QdrantCollection, cfg.EmbeddingDimensions, 0)
		if err != nil {
			return nil, noop, err
		}
		return q, func() { _ = q.Close() }, nil
	case "none", "":
		return nil, noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported vector index: %s", cfg.VectorIndex)
	}
}

func pingDB(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}
