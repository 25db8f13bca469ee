package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `id, org_id, resource_key, requested_by, kind, phase, resume_phase, progress,
	status_message, warning, error, result, context_value, attempt_count, max_attempts,
	attempt_history, run_after, locked_at, locked_by, finished_at, created_at, updated_at`

// activeScopeIndex is the partial unique index enforcing one active job per scope
const activeScopeIndex = "sync_jobs_active_scope_uidx"

const pgUniqueViolation = "23505"

type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Enqueue returns the active job for the job's (org, resource key) scope,
// inserting job only when none exists. The boolean reports whether a new
// row was created. Two concurrent enqueues for the same scope race on the
// partial unique index; the loser re-reads the winner's row.
func (s *Storage) Enqueue(ctx context.Context, job *domain.SyncJob) (*domain.SyncJob, bool, error) {
	existing, err := s.findActive(ctx, job.OrgID, job.ResourceKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	query := `
		INSERT INTO sync_jobs (
			id, org_id, resource_key, requested_by, kind,
			phase, resume_phase, progress, status_message,
			context_value, max_attempts, run_after
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, 0, $8,
			$9, $10, NOW()
		)
		RETURNING ` + jobColumns

	var created domain.SyncJob
	err = s.db.GetContext(
		ctx,
		&created,
		query,
		uuid.New().String(),
		job.OrgID,
		job.ResourceKey,
		job.RequestedBy,
		job.Kind,
		job.Phase,
		job.ResumePhase,
		job.StatusMessage,
		job.ContextValue,
		job.MaxAttempts,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation && pqErr.Constraint == activeScopeIndex {
			s.logger.Info("Concurrent enqueue for scope, returning active job",
				slog.String("org_id", job.OrgID),
				slog.String("resource_key", job.ResourceKey),
			)
			existing, err := s.findActive(ctx, job.OrgID, job.ResourceKey)
			if err != nil {
				return nil, false, err
			}
			if existing == nil {
				return nil, false, fmt.Errorf("active job for %s/%s vanished after unique violation", job.OrgID, job.ResourceKey)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Job enqueued",
		slog.String("job_id", created.ID),
		slog.String("org_id", created.OrgID),
		slog.String("resource_key", created.ResourceKey),
		slog.String("kind", string(created.Kind)),
	)

	return &created, true, nil
}

// findActive returns the active job for a scope, or nil when there is none
func (s *Storage) findActive(ctx context.Context, orgID, resourceKey string) (*domain.SyncJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE org_id = $1
		  AND resource_key = $2
		  AND phase IN ('queued', 'retrying', 'running_stage_1', 'running_stage_2')
		LIMIT 1
	`

	var job domain.SyncJob
	err := s.db.GetContext(ctx, &job, query, orgID, resourceKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}

	return &job, nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.SyncJob, error) {
	var job domain.SyncJob
	query := `
		SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	OrgID       string
	ResourceKey string
	Phase       string
	PageSize    int
	Cursor      *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs, newest first, so the caller can
// tell whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.SyncJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.OrgID != "" {
		query += fmt.Sprintf(" AND org_id = $%d", argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}

	if filter.ResourceKey != "" {
		query += fmt.Sprintf(" AND resource_key = $%d", argIdx)
		args = append(args, filter.ResourceKey)
		argIdx++
	}

	if filter.Phase != "" {
		query += fmt.Sprintf(" AND phase = $%d", argIdx)
		args = append(args, filter.Phase)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.SyncJob
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
