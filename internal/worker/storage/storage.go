package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, org_id, resource_key, requested_by, kind, phase, resume_phase, progress,
	status_message, warning, error, result, context_value, attempt_count, max_attempts,
	attempt_history, run_after, locked_at, locked_by, finished_at, created_at, updated_at`

// leaseGuard restricts a write to the caller currently holding the job lease
const leaseGuard = `id = $1 AND locked_by = $2 AND phase IN ('running_stage_1', 'running_stage_2')`

// claimablePhases is domain.ClaimablePhases rendered as a SQL IN list
var claimablePhases = phaseList(domain.ClaimablePhases)

func phaseList(phases []domain.Phase) string {
	quoted := make([]string, len(phases))
	for i, p := range phases {
		quoted[i] = "'" + string(p) + "'"
	}
	return strings.Join(quoted, ", ")
}

// Storage is the write side of the job store used by the kick trigger
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// RecoverStaleLocks moves every running job whose lease is older than ttl
// back to retrying so the next claim can resume it. Returns the number of
// jobs recovered.
func (s *Storage) RecoverStaleLocks(ctx context.Context, ttl time.Duration) (int64, error) {
	query := `
		UPDATE sync_jobs
		SET phase = 'retrying',
		    resume_phase = phase,
		    run_after = NOW(),
		    status_message = 'Recovered after stalled attempt',
		    locked_at = NULL,
		    locked_by = NULL,
		    updated_at = NOW()
		WHERE phase IN ('running_stage_1', 'running_stage_2')
		  AND locked_at < NOW() - make_interval(secs => $1)
	`

	result, err := s.db.ExecContext(ctx, query, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale locks: %w", err)
	}

	recovered, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if recovered > 0 {
		s.logger.Warn("Recovered stale job leases",
			slog.Int64("count", recovered),
			slog.Duration("lease_ttl", ttl),
		)
	}

	return recovered, nil
}

// ClaimNext leases the oldest due job to callerID in a single statement.
// Returns nil, nil when nothing is due.
func (s *Storage) ClaimNext(ctx context.Context, callerID string) (*domain.SyncJob, error) {
	query := `
		UPDATE sync_jobs
		SET phase = resume_phase,
		    locked_at = NOW(),
		    locked_by = $1,
		    attempt_count = attempt_count + 1,
		    progress = GREATEST(progress, 5),
		    status_message = 'Claimed',
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM sync_jobs
			WHERE phase IN (` + claimablePhases + `)
			  AND run_after <= NOW()
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		  AND phase IN (` + claimablePhases + `)
		RETURNING ` + jobColumns

	var job domain.SyncJob
	if err := s.db.GetContext(ctx, &job, query, callerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", job.ID),
		slog.String("caller_id", callerID),
		slog.String("org_id", job.OrgID),
		slog.String("resource_key", job.ResourceKey),
		slog.String("phase", string(job.Phase)),
		slog.Int("attempt", job.AttemptCount),
	)

	return &job, nil
}

// UpdateProgress raises progress (never lowers it) and replaces the status message
func (s *Storage) UpdateProgress(ctx context.Context, jobID, callerID string, progress int, message string) error {
	query := `
		UPDATE sync_jobs
		SET progress = GREATEST(progress, $3),
		    status_message = $4,
		    updated_at = NOW()
		WHERE ` + leaseGuard

	return s.execLeased(ctx, "update progress", query, jobID, callerID, progress, message)
}

// SetWarning records a non-fatal caveat on a running job
func (s *Storage) SetWarning(ctx context.Context, jobID, callerID, warning string) error {
	query := `
		UPDATE sync_jobs
		SET warning = $3,
		    updated_at = NOW()
		WHERE ` + leaseGuard

	return s.execLeased(ctx, "set warning", query, jobID, callerID, warning)
}

// AdvanceToStage2 moves a stage 1 job to stage 2 without releasing the lease
func (s *Storage) AdvanceToStage2(ctx context.Context, jobID, callerID string, progress int, message string) error {
	query := `
		UPDATE sync_jobs
		SET phase = 'running_stage_2',
		    resume_phase = 'running_stage_2',
		    progress = GREATEST(progress, $3),
		    status_message = $4,
		    updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND phase = 'running_stage_1'
	`

	return s.execLeased(ctx, "advance to stage 2", query, jobID, callerID, progress, message)
}

// Complete writes the terminal success state and releases the lease
func (s *Storage) Complete(ctx context.Context, jobID, callerID string, result domain.Result) error {
	query := `
		UPDATE sync_jobs
		SET phase = 'done',
		    progress = 100,
		    status_message = 'Sync complete',
		    result = $3,
		    error = NULL,
		    locked_at = NULL,
		    locked_by = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND phase = 'running_stage_2'
	`

	if err := s.execLeased(ctx, "complete job", query, jobID, callerID, result); err != nil {
		return err
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.Int("synced", result.Synced),
		slog.Int("errors", result.Errors),
		slog.Int("total", result.Total),
	)
	return nil
}

// MarkRetrying releases the lease and reschedules the job after delay. The
// running phase it failed in is kept as the resume phase.
func (s *Storage) MarkRetrying(ctx context.Context, jobID, callerID, errMsg string, delay time.Duration, record domain.AttemptRecord) error {
	history, err := encodeRecord(record)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_jobs
		SET phase = 'retrying',
		    resume_phase = phase,
		    error = $3,
		    status_message = $4,
		    run_after = NOW() + make_interval(secs => $5),
		    attempt_history = attempt_history || $6::jsonb,
		    locked_at = NULL,
		    locked_by = NULL,
		    updated_at = NOW()
		WHERE ` + leaseGuard

	message := fmt.Sprintf("Retrying in %s", delay)
	return s.execLeased(ctx, "mark retrying", query, jobID, callerID, errMsg, message, delay.Seconds(), history)
}

// MarkDead moves the job to the terminal failure state and returns the
// final record for escalation
func (s *Storage) MarkDead(ctx context.Context, jobID, callerID, errMsg string, record domain.AttemptRecord) (*domain.SyncJob, error) {
	history, err := encodeRecord(record)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE sync_jobs
		SET phase = 'dead',
		    error = $3,
		    status_message = 'Sync failed',
		    attempt_history = attempt_history || $4::jsonb,
		    locked_at = NULL,
		    locked_by = NULL,
		    finished_at = NOW(),
		    updated_at = NOW()
		WHERE ` + leaseGuard + `
		RETURNING ` + jobColumns

	var job domain.SyncJob
	if err := s.db.GetContext(ctx, &job, query, jobID, callerID, errMsg, history); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLeaseLost
		}
		return nil, fmt.Errorf("failed to mark job dead: %w", err)
	}

	return &job, nil
}

func (s *Storage) execLeased(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Lease-guarded write matched no rows",
			slog.String("op", op),
			slog.Any("job_id", args[0]),
		)
		return domain.ErrLeaseLost
	}

	return nil
}

func encodeRecord(record domain.AttemptRecord) (string, error) {
	data, err := json.Marshal([]domain.AttemptRecord{record})
	if err != nil {
		return "", fmt.Errorf("failed to marshal attempt record: %w", err)
	}
	return string(data), nil
}
