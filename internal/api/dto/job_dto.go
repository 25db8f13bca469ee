package dto

import (
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
)

type EnqueueJobRequest struct {
	OrgID        string  `json:"org_id" binding:"required"`
	ResourceKey  string  `json:"resource_key" binding:"required"`
	Kind         string  `json:"kind" binding:"required,oneof=full partial"`
	RequestedBy  string  `json:"requested_by" binding:"required"`
	ContextValue *string `json:"context_value"`
}

type ListJobsRequest struct {
	OrgID       string `form:"org_id"`
	ResourceKey string `form:"resource_key"`
	Phase       string `form:"phase"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the client-safe projection of a sync job. Lease fields and the
// resume phase stay internal.
type JobDTO struct {
	JobID          string                 `json:"job_id"`
	OrgID          string                 `json:"org_id"`
	ResourceKey    string                 `json:"resource_key"`
	RequestedBy    string                 `json:"requested_by"`
	Kind           string                 `json:"kind"`
	Phase          string                 `json:"phase"`
	Terminal       bool                   `json:"terminal"`
	Progress       int                    `json:"progress"`
	StatusMessage  string                 `json:"status_message"`
	Warning        *string                `json:"warning"`
	Error          *string                `json:"error"`
	Result         *domain.Result         `json:"result"`
	AttemptCount   int                    `json:"attempt_count"`
	MaxAttempts    int                    `json:"max_attempts"`
	AttemptHistory []domain.AttemptRecord `json:"attempt_history"`
	RunAfter       string                 `json:"run_after"`
	FinishedAt     *string                `json:"finished_at"`
	CreatedAt      string                 `json:"created_at"`
	UpdatedAt      string                 `json:"updated_at"`
}

func NewJobDTO(job *domain.SyncJob) JobDTO {
	history := []domain.AttemptRecord(job.AttemptHistory)
	if history == nil {
		history = []domain.AttemptRecord{}
	}

	var finishedAt *string
	if job.FinishedAt != nil {
		s := job.FinishedAt.UTC().Format(time.RFC3339)
		finishedAt = &s
	}

	return JobDTO{
		JobID:          job.ID,
		OrgID:          job.OrgID,
		ResourceKey:    job.ResourceKey,
		RequestedBy:    job.RequestedBy,
		Kind:           string(job.Kind),
		Phase:          string(job.Phase),
		Terminal:       job.Phase.IsTerminal(),
		Progress:       job.Progress,
		StatusMessage:  job.StatusMessage,
		Warning:        job.Warning,
		Error:          job.Error,
		Result:         job.Result,
		AttemptCount:   job.AttemptCount,
		MaxAttempts:    job.MaxAttempts,
		AttemptHistory: history,
		RunAfter:       job.RunAfter.UTC().Format(time.RFC3339),
		FinishedAt:     finishedAt,
		CreatedAt:      job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
