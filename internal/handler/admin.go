package handler

import (
	"context"
	"errors"
	"net/http"

	"threatsync/internal/models"
	"threatsync/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Scheduler is the orchestrator surface the admin API drives.
type Scheduler interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	SyncNow(ctx context.Context) (*orchestrator.CycleReport, error)
	Status(ctx context.Context) ([]models.SourceSyncStatus, error)
	SetSourceEnabled(ctx context.Context, source models.Source, enabled bool) error
}

// AdminHandler handles admin HTTP requests
type AdminHandler struct {
	// Scheduler loops outlive the request that started them.
	baseCtx   context.Context
	scheduler Scheduler
	logger    *zap.Logger
}

// NewAdminHandler creates a new admin handler. ctx bounds any scheduler
// loop started through the API.
func NewAdminHandler(ctx context.Context, scheduler Scheduler, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		baseCtx:   ctx,
		scheduler: scheduler,
		logger:    logger,
	}
}

// RegisterRoutes registers all API routes
func (h *AdminHandler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/scheduler/start", h.StartScheduler)
		api.POST("/scheduler/stop", h.StopScheduler)
		api.POST("/sync", h.SyncNow)

		api.GET("/sources/status", h.SourceStatus)
		api.PUT("/sources/:source/enabled", h.SetSourceEnabled)
	}

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// StartScheduler starts the periodic sync loop
func (h *AdminHandler) StartScheduler(c *gin.Context) {
	h.scheduler.Start(h.baseCtx)
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.Running()})
}

// StopScheduler stops the loop; a cycle in flight completes
func (h *AdminHandler) StopScheduler(c *gin.Context) {
	h.scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"running": h.scheduler.Running()})
}

// SyncNow runs one cycle and returns its report
func (h *AdminHandler) SyncNow(c *gin.Context) {
	report, err := h.scheduler.SyncNow(c.Request.Context())
	switch {
	case errors.Is(err, orchestrator.ErrCycleInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, orchestrator.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil && report == nil:
		h.logger.Error("Manual sync failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report": report,
		"stored": report.Stored(),
		"errors": errorList(err),
	})
}

// SourceStatus returns sync status for every source
func (h *AdminHandler) SourceStatus(c *gin.Context) {
	statuses, err := h.scheduler.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get source status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get source status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sources": statuses,
		"running": h.scheduler.Running(),
		"total":   len(statuses),
	})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// SetSourceEnabled toggles a source
func (h *AdminHandler) SetSourceEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := models.Source(c.Param("source"))
	err := h.scheduler.SetSourceEnabled(c.Request.Context(), source, *req.Enabled)
	if errors.Is(err, orchestrator.ErrUnknownSource) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("Failed to toggle source", zap.String("source", string(source)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update source"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"source":  source,
		"enabled": *req.Enabled,
	})
}

// HealthCheck returns service health
func (h *AdminHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "threatsync",
		"scheduler": h.scheduler.Running(),
	})
}

func errorList(err error) []string {
	if err == nil {
		return []string{}
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		out := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
