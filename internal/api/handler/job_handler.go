package handler

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/scout-sync/internal/api/dto"
	"github.com/cuongbtq/scout-sync/internal/api/storage"
	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// KickTokenHeader carries the shared secret for the synchronous kick endpoint
const KickTokenHeader = "X-Kick-Token"

const maxKickJobs = 50

// EnqueueJob handles POST /api/v1/sync-jobs
// Returns the active job for the scope, creating one if none exists
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req dto.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := domain.NewSyncJob(req.OrgID, req.ResourceKey, domain.Kind(req.Kind), req.RequestedBy, req.ContextValue, h.maxAttempts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	active, created, err := h.store.Enqueue(c.Request.Context(), job)
	if err != nil {
		h.logger.Error("Failed to enqueue job",
			slog.String("org_id", req.OrgID),
			slog.String("resource_key", req.ResourceKey),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	if created {
		h.kicker.KickAsync(h.kickMaxJobs, newCallerID("enqueue"))
	}

	c.JSON(http.StatusAccepted, dto.NewJobDTO(active))
}

// GetJob handles GET /api/v1/sync-jobs/:job_id
// Polling an active job also kicks the queue in the background
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetJobByID(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	if job.Phase.IsActive() {
		h.kicker.KickAsync(h.kickMaxJobs, newCallerID("poll"))
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/sync-jobs
// Lists jobs newest first with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Phase != "" && !domain.Phase(req.Phase).IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid phase",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), storage.JobFilter{
		OrgID:       req.OrgID,
		ResourceKey: req.ResourceKey,
		Phase:       req.Phase,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.NewJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// Kick handles POST /api/v1/sync-jobs/kick
// Runs the kick trigger synchronously, for external schedulers
func (h *JobHandler) Kick(c *gin.Context) {
	if h.kickToken != "" {
		token := c.GetHeader(KickTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.kickToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid kick token",
			})
			return
		}
	}

	maxJobs := h.kickMaxJobs
	if raw := c.Query("max_jobs"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "max_jobs must be a positive integer",
			})
			return
		}
		maxJobs = min(n, maxKickJobs)
	}

	callerID := newCallerID("kick")
	stats, err := h.kicker.ProcessDue(c.Request.Context(), maxJobs, callerID)
	if err != nil {
		h.logger.Error("Kick failed", slog.String("caller_id", callerID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Kick failed",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// newCallerID names one kick invocation; it becomes the lease holder id
func newCallerID(origin string) string {
	return "api-" + origin + "-" + uuid.NewString()
}
