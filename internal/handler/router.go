package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tgo/kiwi/internal/eino/usage"
	"github.com/tgo/kiwi/internal/middleware"
	"github.com/tgo/kiwi/internal/pkg/response"
	"github.com/tgo/kiwi/internal/rag/vectorstore"
)

// VectorStatus reports the state of the vector storage.
type VectorStatus interface {
	Status(ctx context.Context) (*vectorstore.Status, error)
}

// UsageReporter summarises model usage.
type UsageReporter interface {
	GetDailySummary(ctx context.Context) (*usage.UsageSummary, error)
}

// Probe is a named readiness check, such as a database or Redis ping.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

type Handlers struct {
	Document *DocumentHandler
	Message  *MessageHandler
	Vector   VectorStatus
	Usage    UsageReporter
	Probes   []Probe
}

func SetupRouter(ginMode string, h *Handlers, log *logrus.Entry) *gin.Engine {
	if ginMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())

	// Health check endpoints
	r.GET("/health", healthCheck)
	r.GET("/ready", readinessCheck(h.Probes))
	r.GET("/live", livenessCheck)

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":      "kiwi",
			"status":       "running",
			"health_check": "/health",
		})
	})

	v1 := r.Group("/v1")
	{
		entities := v1.Group("/entities/:entity_type/:entity_id")
		{
			entities.GET("/documents", h.Document.List)
			entities.POST("/documents", h.Document.Upload)
		}

		documents := v1.Group("/documents")
		{
			documents.POST("/search", h.Document.Search)
			documents.GET("/:id", h.Document.Get)
			documents.GET("/:id/content", h.Document.Content)
			documents.POST("/:id/reprocess", h.Document.Reprocess)
			documents.DELETE("/:id", h.Document.Delete)
		}

		conversations := v1.Group("/conversations")
		{
			conversations.GET("/:id/messages", h.Message.List)
			conversations.POST("/:id/messages", h.Message.Send)
			conversations.POST("/:id/messages/stream", h.Message.Stream)
		}

		messages := v1.Group("/messages")
		{
			messages.PUT("/:id", h.Message.Edit)
			messages.POST("/:id/feedback", h.Message.Feedback)
		}

		v1.GET("/vector/status", vectorStatus(h.Vector))
		v1.GET("/usage/daily", dailyUsage(h.Usage))
	}

	return r
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "kiwi",
	})
}

func readinessCheck(probes []Probe) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := gin.H{}
		ready := true
		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				checks[p.Name] = err.Error()
				ready = false
				continue
			}
			checks[p.Name] = "ok"
		}
		if !ready {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": checks})
	}
}

func livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

func vectorStatus(vs VectorStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		if vs == nil {
			response.ServiceUnavailable(c, "vector store is not configured")
			return
		}
		st, err := vs.Status(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, st)
	}
}

func dailyUsage(u UsageReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if u == nil {
			response.ServiceUnavailable(c, "usage tracking is not configured")
			return
		}
		summary, err := u.GetDailySummary(c.Request.Context())
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, summary)
	}
}
