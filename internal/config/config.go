package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Server
	Port        string `mapstructure:"PORT"`
	GinMode     string `mapstructure:"GIN_MODE"`
	Environment string `mapstructure:"ENVIRONMENT"`

	// Database
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DatabasePoolSize int    `mapstructure:"DATABASE_POOL_SIZE"`

	// Redis
	RedisURL string `mapstructure:"REDIS_URL"`

	// Logging
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// Storage
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	StoragePath    string `mapstructure:"STORAGE_PATH"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	// Uploads
	MaxUploadSize     int64         `mapstructure:"MAX_UPLOAD_SIZE"`
	AllowedExtensions []string      `mapstructure:"ALLOWED_EXTENSIONS"`
	MaxAgentDocuments int           `mapstructure:"MAX_AGENT_DOCUMENTS"`
	MaxChatDocuments  int           `mapstructure:"MAX_CHAT_DOCUMENTS"`
	IngestWorkers     int           `mapstructure:"INGEST_WORKERS"`
	StalledAfter      time.Duration `mapstructure:"STALLED_AFTER"`
	RecoveryInterval  time.Duration `mapstructure:"RECOVERY_INTERVAL"`

	// Chunking
	ChunkSize    int `mapstructure:"CHUNK_SIZE"`
	ChunkOverlap int `mapstructure:"CHUNK_OVERLAP"`

	// Embedding
	EmbeddingProvider       string `mapstructure:"EMBEDDING_PROVIDER"`
	EmbeddingAPIKey         string `mapstructure:"EMBEDDING_API_KEY"`
	EmbeddingBaseURL        string `mapstructure:"EMBEDDING_BASE_URL"`
	EmbeddingModel          string `mapstructure:"EMBEDDING_MODEL"`
	EmbeddingDimensions     int    `mapstructure:"EMBEDDING_DIMENSIONS"`
	EmbeddingBatchSize      int    `mapstructure:"EMBEDDING_BATCH_SIZE"`
	EmbeddingLocalModelPath string `mapstructure:"EMBEDDING_LOCAL_MODEL_PATH"`

	// Vector index
	VectorIndex      string `mapstructure:"VECTOR_INDEX"`
	VectorProbes     int    `mapstructure:"VECTOR_PROBES"`
	VectorLists      int    `mapstructure:"VECTOR_LISTS"`
	QdrantHost       string `mapstructure:"QDRANT_HOST"`
	QdrantPort       int    `mapstructure:"QDRANT_PORT"`
	QdrantCollection string `mapstructure:"QDRANT_COLLECTION"`

	// LLM
	LLMProvider    string  `mapstructure:"LLM_PROVIDER"`
	LLMAPIKey      string  `mapstructure:"LLM_API_KEY"`
	LLMModel       string  `mapstructure:"LLM_MODEL"`
	LLMBaseURL     string  `mapstructure:"LLM_BASE_URL"`
	LLMTemperature float32 `mapstructure:"LLM_TEMPERATURE"`
	LLMEnableTools bool    `mapstructure:"LLM_ENABLE_TOOLS"`

	// Vision
	VisionProvider string `mapstructure:"VISION_PROVIDER"`
	VisionAPIKey   string `mapstructure:"VISION_API_KEY"`
	VisionModel    string `mapstructure:"VISION_MODEL"`
	VisionBaseURL  string `mapstructure:"VISION_BASE_URL"`

	// Extraction
	PDFTextThreshold     int     `mapstructure:"PDF_TEXT_THRESHOLD"`
	PDFMaxVisionPages    int     `mapstructure:"PDF_MAX_VISION_PAGES"`
	PDFRenderDPI         float64 `mapstructure:"PDF_RENDER_DPI"`
	SignificantImageArea int     `mapstructure:"SIGNIFICANT_IMAGE_AREA"`

	// Retrieval and prompt budgets
	RAGTopK              int     `mapstructure:"RAG_TOP_K"`
	RAGMinScore          float64 `mapstructure:"RAG_MIN_SCORE"`
	SnippetSize          int     `mapstructure:"SNIPPET_SIZE"`
	SystemPromptMaxChars int     `mapstructure:"SYSTEM_PROMPT_MAX_CHARS"`
	MessagesMaxChars     int     `mapstructure:"MESSAGES_MAX_CHARS"`
	ForcedUserMaxChars   int     `mapstructure:"FORCED_USER_MAX_CHARS"`

	// Cache and lock TTLs
	GenerationLockTTL time.Duration `mapstructure:"GENERATION_LOCK_TTL"`
	ResponseCacheTTL  time.Duration `mapstructure:"RESPONSE_CACHE_TTL"`
	DocumentCacheTTL  time.Duration `mapstructure:"DOCUMENT_CACHE_TTL"`

	// Tracing
	CozeLoopWorkspaceID string `mapstructure:"COZELOOP_WORKSPACE_ID"`
	CozeLoopAPIToken    string `mapstructure:"COZELOOP_API_TOKEN"`
}

var defaults = map[string]interface{}{
	"PORT":                    "8080",
	"GIN_MODE":                "release",
	"ENVIRONMENT":             "development",
	"DATABASE_POOL_SIZE":      20,
	"LOG_LEVEL":               "info",
	"LOG_FORMAT":              "text",
	"STORAGE_BACKEND":         "local",
	"STORAGE_PATH":            "./storage",
	"MINIO_BUCKET":            "kiwi-documents",
	"MAX_UPLOAD_SIZE":         50 * 1024 * 1024,
	"ALLOWED_EXTENSIONS":      "pdf,docx,txt,md,markdown,html,htm,png,jpg,jpeg,gif,webp,bmp,tiff",
	"MAX_AGENT_DOCUMENTS":     20,
	"MAX_CHAT_DOCUMENTS":      10,
	"INGEST_WORKERS":          4,
	"STALLED_AFTER":           "30m",
	"RECOVERY_INTERVAL":       "5m",
	"CHUNK_SIZE":              1000,
	"CHUNK_OVERLAP":           200,
	"EMBEDDING_PROVIDER":      "openai",
	"EMBEDDING_MODEL":         "text-embedding-3-small",
	"EMBEDDING_DIMENSIONS":    1536,
	"EMBEDDING_BATCH_SIZE":    64,
	"VECTOR_INDEX":            "pgvector",
	"VECTOR_PROBES":           10,
	"VECTOR_LISTS":            100,
	"QDRANT_HOST":             "localhost",
	"QDRANT_PORT":             6334,
	"QDRANT_COLLECTION":       "document_chunks",
	"LLM_PROVIDER":            "openai",
	"LLM_MODEL":               "gpt-4o-mini",
	"LLM_TEMPERATURE":         0.7,
	"LLM_ENABLE_TOOLS":        false,
	"VISION_PROVIDER":         "openai",
	"VISION_MODEL":            "gpt-4o-mini",
	"PDF_TEXT_THRESHOLD":      100,
	"PDF_MAX_VISION_PAGES":    0,
	"PDF_RENDER_DPI":          150.0,
	"SIGNIFICANT_IMAGE_AREA":  64000,
	"RAG_TOP_K":               5,
	"RAG_MIN_SCORE":           0.0,
	"SNIPPET_SIZE":            400,
	"SYSTEM_PROMPT_MAX_CHARS": 60000,
	"MESSAGES_MAX_CHARS":      300000,
	"FORCED_USER_MAX_CHARS":   2000,
	"GENERATION_LOCK_TTL":     "300s",
	"RESPONSE_CACHE_TTL":      "600s",
	"DOCUMENT_CACHE_TTL":      "30m",
}

var envKeys = []string{
	"PORT", "GIN_MODE", "ENVIRONMENT", "DATABASE_URL", "DATABASE_POOL_SIZE", "REDIS_URL",
	"LOG_LEVEL", "LOG_FORMAT",
	"STORAGE_BACKEND", "STORAGE_PATH", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_USE_SSL",
	"MAX_UPLOAD_SIZE", "ALLOWED_EXTENSIONS", "MAX_AGENT_DOCUMENTS", "MAX_CHAT_DOCUMENTS", "INGEST_WORKERS", "STALLED_AFTER", "RECOVERY_INTERVAL",
	"CHUNK_SIZE", "CHUNK_OVERLAP",
	"EMBEDDING_PROVIDER", "EMBEDDING_API_KEY", "EMBEDDING_BASE_URL", "EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS",
	"EMBEDDING_BATCH_SIZE", "EMBEDDING_LOCAL_MODEL_PATH",
	"VECTOR_INDEX", "VECTOR_PROBES", "VECTOR_LISTS", "QDRANT_HOST", "QDRANT_PORT", "QDRANT_COLLECTION",
	"LLM_PROVIDER", "LLM_API_KEY", "LLM_MODEL", "LLM_BASE_URL", "LLM_TEMPERATURE", "LLM_ENABLE_TOOLS",
	"VISION_PROVIDER", "VISION_API_KEY", "VISION_MODEL", "VISION_BASE_URL",
	"PDF_TEXT_THRESHOLD", "PDF_MAX_VISION_PAGES", "PDF_RENDER_DPI", "SIGNIFICANT_IMAGE_AREA",
	"RAG_TOP_K", "RAG_MIN_SCORE", "SNIPPET_SIZE", "SYSTEM_PROMPT_MAX_CHARS", "MESSAGES_MAX_CHARS", "FORCED_USER_MAX_CHARS",
	"GENERATION_LOCK_TTL", "RESPONSE_CACHE_TTL", "DOCUMENT_CACHE_TTL",
	"COZELOOP_WORKSPACE_ID", "COZELOOP_API_TOKEN",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	// Try to read .env file (optional)
	_ = v.ReadInConfig()

	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.AllowedExtensions = normalizeExtensions(cfg.AllowedExtensions)
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.GinMode) == "debug"
}

func normalizeExtensions(in []string) []string {
	var out []string
	for _, raw := range in {
		for _, ext := range strings.Split(raw, ",") {
			ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
			if ext != "" {
				out = append(out, ext)
			}
		}
	}
	return out
}
