package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/scout-sync/internal/api/storage"
	"github.com/cuongbtq/scout-sync/internal/worker"
	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// JobStore is the read and enqueue side of the sync_jobs table
type JobStore interface {
	Enqueue(ctx context.Context, job *domain.SyncJob) (*domain.SyncJob, bool, error)
	GetJobByID(ctx context.Context, jobID string) (*domain.SyncJob, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]domain.SyncJob, error)
}

// Kicker drives due jobs forward
type Kicker interface {
	ProcessDue(ctx context.Context, maxJobs int, callerID string) (worker.Stats, error)
	KickAsync(maxJobs int, callerID string)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Store       JobStore
	Kicker      Kicker
	MaxAttempts int
	KickMaxJobs int
	KickToken   string
	ServiceName string
	Gatherer    prometheus.Gatherer
	Registerer  prometheus.Registerer
	HealthCheck func(ctx context.Context) error
}

// JobHandler handles sync-job HTTP requests
type JobHandler struct {
	logger      *slog.Logger
	store       JobStore
	kicker      Kicker
	maxAttempts int
	kickMaxJobs int
	kickToken   string
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	kickMaxJobs := deps.KickMaxJobs
	if kickMaxJobs <= 0 {
		kickMaxJobs = 1
	}

	return &JobHandler{
		logger:      deps.Logger,
		store:       deps.Store,
		kicker:      deps.Kicker,
		maxAttempts: deps.MaxAttempts,
		kickMaxJobs: kickMaxJobs,
		kickToken:   deps.KickToken,
	}
}
