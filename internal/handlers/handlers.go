package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"onboard-mail-agent/internal/metrics"
	"onboard-mail-agent/internal/models"
	"onboard-mail-agent/internal/store"
)

// Engine is the slice of the workflow engine the admin API drives.
type Engine interface {
	Initiate(ctx context.Context, recipient models.Recipient) (*models.WorkflowState, bool, error)
	Resume(ctx context.Context, threadID string) (*models.WorkflowState, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db      *gorm.DB
	store   *store.Store
	engine  Engine
	metrics *metrics.Metrics
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *gorm.DB, s *store.Store, engine Engine, m *metrics.Metrics) *Handlers {
	return &Handlers{
		db:      db,
		store:   s,
		engine:  engine,
		metrics: m,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	// Health check
	router.GET("/healthz", h.HealthCheck)

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes
	api := router.Group("/api/v1")
	{
		// Conversation threads
		api.GET("/threads", h.GetThreads)
		api.GET("/threads/:id", h.GetThread)
		api.GET("/threads/:id/messages", h.GetThreadMessages)
		api.GET("/threads/:id/profile", h.GetThreadProfile)
		api.POST("/threads/:id/retry", h.RetryThread)

		// Ad-hoc initiation
		api.POST("/conversations", h.InitiateConversation)
	}
}
