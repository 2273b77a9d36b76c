// Package api exposes the trigger and query endpoints consumed by the
// surrounding web application's cron callers and dashboard.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizfeed/quiz-pipeline/internal/metrics"
	"github.com/quizfeed/quiz-pipeline/internal/storage"
	"github.com/quizfeed/quiz-pipeline/pkg/types"
)

// DefaultStaleAfter is how long a job may sit in processing before the
// operator requeue endpoint considers it stuck
const DefaultStaleAfter = 15 * time.Minute

// PipelineDriver interface for trigger operations
type PipelineDriver interface {
	RunStep(ctx context.Context, step int) (*types.StepStats, error)
}

// JobStore interface for job and persona config persistence operations
type JobStore interface {
	CreateJob(ctx context.Context, persona, category, difficulty string) (*types.Job, error)
	GetStats(ctx context.Context) (*types.JobStats, error)
	GetRecentJobs(ctx context.Context, n int) ([]*types.Job, error)
	DeleteAllJobs(ctx context.Context) (int64, error)
	RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	ListPersonaConfigs(ctx context.Context) ([]*types.PersonaConfig, error)
	GetPersonaConfig(ctx context.Context, persona string) (*types.PersonaConfig, error)
	UpdatePersonaConfig(ctx context.Context, cfg *types.PersonaConfig, updatedBy string) error
}

// AnalyticsService interface for collection and grouped queries
type AnalyticsService interface {
	Collect(ctx context.Context, accountID, persona string) (*types.CollectStats, error)
	GetAudioAnalytics(ctx context.Context, accountID, persona string) ([]types.GroupStat, error)
	GetFormatAnalytics(ctx context.Context, accountID, persona string) ([]types.GroupStat, error)
	GetTimingAnalytics(ctx context.Context, accountID, persona string) ([]types.GroupStat, error)
	GetAnalyticsSummary(ctx context.Context, accountID, persona string) (*types.AnalyticsSummary, error)
}

// RefinementService interface for refinement operations
type RefinementService interface {
	PerformContentRefinement(ctx context.Context) (*types.RefinementResult, error)
	GetRefinementSummary(ctx context.Context) (*types.RefinementReport, error)
}

// Handler handles HTTP API requests
type Handler struct {
	driver     PipelineDriver
	store      JobStore
	analytics  AnalyticsService
	refinement RefinementService
}

// NewHandler creates a new API handler
func NewHandler(driver PipelineDriver, store JobStore, analytics AnalyticsService, refinement RefinementService) *Handler {
	return &Handler{
		driver:     driver,
		store:      store,
		analytics:  analytics,
		refinement: refinement,
	}
}

// SetupRoutes configures the API routes. Everything under /api/v1 is gated
// by the shared-secret middleware; health and metrics are open.
func SetupRoutes(router *gin.Engine, handler *Handler, authMiddleware gin.HandlerFunc) {
	api := router.Group("/api/v1")
	api.Use(authMiddleware)
	{
		api.POST("/pipeline/step/:step", handler.TriggerStep)
		api.POST("/refinement/run", handler.TriggerRefinement)
		api.POST("/analytics/collect", handler.TriggerCollect)

		api.POST("/jobs", handler.CreateJob)
		api.POST("/jobs/requeue-stale", handler.RequeueStaleJobs)
		api.DELETE("/jobs", handler.DeleteAllJobs)

		api.GET("/personas", handler.ListPersonaConfigs)
		api.PUT("/personas/:persona", handler.UpdatePersonaConfig)

		api.GET("/jobs/stats", handler.GetJobStats)
		api.GET("/jobs/recent", handler.GetRecentJobs)
		api.GET("/analytics/audio", handler.GetAudioAnalytics)
		api.GET("/analytics/format", handler.GetFormatAnalytics)
		api.GET("/analytics/timing", handler.GetTimingAnalytics)
		api.GET("/analytics/summary", handler.GetAnalyticsSummary)
		api.GET("/refinement/summary", handler.GetRefinementSummary)
	}

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", metrics.Handler())
}

// TriggerStep runs one pipeline trigger invocation for a step
func (h *Handler) TriggerStep(c *gin.Context) {
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil || step < 1 || step > types.StepCount {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: "step must be an integer between 1 and 4",
			Code:    400,
		})
		return
	}

	stats, err := h.driver.RunStep(c.Request.Context(), step)
	if err != nil {
		h.serviceError(c, "failed to run pipeline step", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"stats":     stats,
		"timestamp": time.Now(),
	})
}

// TriggerRefinement runs one refinement pass
func (h *Handler) TriggerRefinement(c *gin.Context) {
	result, err := h.refinement.PerformContentRefinement(c.Request.Context())
	if err != nil {
		h.serviceError(c, "failed to run refinement", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"applied":   result.Applied,
		"report":    result.Report,
		"timestamp": time.Now(),
	})
}

// TriggerCollect runs one analytics collection pass
func (h *Handler) TriggerCollect(c *gin.Context) {
	stats, err := h.analytics.Collect(c.Request.Context(), c.Query("account_id"), c.Query("persona"))
	if err != nil {
		h.serviceError(c, "failed to collect analytics", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"stats":     stats,
		"timestamp": time.Now(),
	})
}

// CreateJob enqueues a new pipeline job
func (h *Handler) CreateJob(c *gin.Context) {
	var req types.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	job, err := h.store.CreateJob(c.Request.Context(), req.Persona, req.Category, req.Difficulty)
	if err != nil {
		h.serviceError(c, "failed to create job", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"job":       job,
		"timestamp": time.Now(),
	})
}

// RequeueStaleJobs returns stuck processing jobs to pending. Operator
// action; never invoked automatically.
func (h *Handler) RequeueStaleJobs(c *gin.Context) {
	staleAfter := DefaultStaleAfter
	if raw := c.Query("older_than_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{
				Error:   "invalid request",
				Message: "older_than_minutes must be a positive integer",
				Code:    400,
			})
			return
		}
		staleAfter = time.Duration(minutes) * time.Minute
	}

	requeued, err := h.store.RequeueStaleJobs(c.Request.Context(), staleAfter)
	if err != nil {
		h.serviceError(c, "failed to requeue stale jobs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"requeued":  requeued,
		"timestamp": time.Now(),
	})
}

// DeleteAllJobs removes every job record. Irreversible.
func (h *Handler) DeleteAllJobs(c *gin.Context) {
	deleted, err := h.store.DeleteAllJobs(c.Request.Context())
	if err != nil {
		h.serviceError(c, "failed to delete jobs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"deleted":   deleted,
		"timestamp": time.Now(),
	})
}

// ListPersonaConfigs returns all persona configurations
func (h *Handler) ListPersonaConfigs(c *gin.Context) {
	configs, err := h.store.ListPersonaConfigs(c.Request.Context())
	if err != nil {
		h.serviceError(c, "failed to query persona configs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"personas":  configs,
		"timestamp": time.Now(),
	})
}

// UpdatePersonaConfig applies a manual configuration override, conditional
// on the version the caller read
func (h *Handler) UpdatePersonaConfig(c *gin.Context) {
	var req types.UpdatePersonaConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
		return
	}

	cfg := &types.PersonaConfig{
		Persona:       c.Param("persona"),
		Format:        req.Format,
		TimingProfile: req.TimingProfile,
		AudioTrack:    req.AudioTrack,
		Version:       req.Version,
	}

	if err := h.store.UpdatePersonaConfig(c.Request.Context(), cfg, types.UpdatedByManual); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			c.JSON(http.StatusConflict, types.ErrorResponse{
				Error:   "version conflict",
				Message: "persona config was modified since it was read",
				Code:    409,
			})
			return
		}
		h.serviceError(c, "failed to update persona config", err)
		return
	}
	metrics.ConfigUpdates.Inc()

	updated, err := h.store.GetPersonaConfig(c.Request.Context(), cfg.Persona)
	if err != nil {
		h.serviceError(c, "failed to reload persona config", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"persona":   updated,
		"timestamp": time.Now(),
	})
}

// GetJobStats returns the phase breakdown of all jobs
func (h *Handler) GetJobStats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		h.serviceError(c, "failed to query job stats", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":     stats,
		"timestamp": time.Now(),
	})
}

// GetRecentJobs returns the most recently updated jobs
func (h *Handler) GetRecentJobs(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{
				Error:   "invalid request",
				Message: "limit must be a positive integer",
				Code:    400,
			})
			return
		}
		limit = n
	}

	jobs, err := h.store.GetRecentJobs(c.Request.Context(), limit)
	if err != nil {
		h.serviceError(c, "failed to query recent jobs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":      jobs,
		"timestamp": time.Now(),
	})
}

// GetAudioAnalytics returns performance grouped by audio track
func (h *Handler) GetAudioAnalytics(c *gin.Context) {
	h.groupedAnalytics(c, h.analytics.GetAudioAnalytics)
}

// GetFormatAnalytics returns performance grouped by format
func (h *Handler) GetFormatAnalytics(c *gin.Context) {
	h.groupedAnalytics(c, h.analytics.GetFormatAnalytics)
}

// GetTimingAnalytics returns performance grouped by timing bucket
func (h *Handler) GetTimingAnalytics(c *gin.Context) {
	h.groupedAnalytics(c, h.analytics.GetTimingAnalytics)
}

func (h *Handler) groupedAnalytics(c *gin.Context, query func(context.Context, string, string) ([]types.GroupStat, error)) {
	groups, err := query(c.Request.Context(), c.Query("account_id"), c.Query("persona"))
	if err != nil {
		h.serviceError(c, "failed to query analytics", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"groups":    groups,
		"timestamp": time.Now(),
	})
}

// GetAnalyticsSummary returns the top-level analytics rollup
func (h *Handler) GetAnalyticsSummary(c *gin.Context) {
	summary, err := h.analytics.GetAnalyticsSummary(c.Request.Context(), c.Query("account_id"), c.Query("persona"))
	if err != nil {
		h.serviceError(c, "failed to query analytics summary", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary":   summary,
		"timestamp": time.Now(),
	})
}

// GetRefinementSummary returns the latest stored refinement report
func (h *Handler) GetRefinementSummary(c *gin.Context) {
	report, err := h.refinement.GetRefinementSummary(c.Request.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.ErrorResponse{
				Error:   "no refinement report",
				Message: "no refinement run has completed yet",
				Code:    404,
			})
			return
		}
		h.serviceError(c, "failed to query refinement summary", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report":    report,
		"timestamp": time.Now(),
	})
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   "1.0.0",
	})
}

// serviceError maps store availability failures to 503 and everything else
// to 500, in the shared error envelope
func (h *Handler) serviceError(c *gin.Context, message string, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, storage.ErrUnavailable) {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"success": false,
		"error":   message + ": " + err.Error(),
	})
}
