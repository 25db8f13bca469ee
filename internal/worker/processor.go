package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
)

// failureWriteTimeout bounds the retry/dead write after a failed execution.
// It runs detached from the kick context so a timed-out kick still releases
// its lease.
const failureWriteTimeout = 10 * time.Second

// processJob runs a claimed job through the pipeline and routes any error
// to the retry policy
func (w *Worker) processJob(ctx context.Context, job *domain.SyncJob, callerID string) error {
	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("caller_id", callerID),
		slog.String("kind", string(job.Kind)),
		slog.String("phase", string(job.Phase)),
		slog.Int("attempt", job.AttemptCount),
	)

	err := w.runPipeline(ctx, job, callerID)
	if err == nil {
		w.recorder.jobCompleted()
		return nil
	}

	if errors.Is(err, domain.ErrLeaseLost) {
		// the lease was seized by stale recovery; the new holder owns every further write
		w.logger.Warn("Lease lost during execution, abandoning job",
			slog.String("job_id", job.ID),
			slog.String("caller_id", callerID),
		)
		return err
	}

	w.handleFailure(ctx, job, callerID, err)
	return err
}

// handleFailure applies the retry policy: reschedule with backoff while
// attempts remain, otherwise dead-letter and escalate
func (w *Worker) handleFailure(ctx context.Context, job *domain.SyncJob, callerID string, execErr error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	record := domain.AttemptRecord{
		Attempt: job.AttemptCount,
		Phase:   job.Phase,
		Error:   execErr.Error(),
		At:      w.now().UTC(),
	}
	decision := w.policy.Decide(job, execErr)

	if !decision.DeadLetter {
		w.logger.Warn("Job failed, scheduling retry",
			slog.String("job_id", job.ID),
			slog.String("phase", string(job.Phase)),
			slog.Int("attempt", job.AttemptCount),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Duration("retry_in", decision.Delay),
			slog.Any("error", execErr),
		)

		if err := w.jobs.MarkRetrying(writeCtx, job.ID, callerID, execErr.Error(), decision.Delay, record); err != nil {
			w.logger.Error("Failed to mark job retrying",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			return
		}
		w.recorder.jobRetried()
		return
	}

	w.logger.Error("Job exhausted its attempts, dead-lettering",
		slog.String("job_id", job.ID),
		slog.String("phase", string(job.Phase)),
		slog.Int("attempt", job.AttemptCount),
		slog.Bool("permanent", domain.IsPermanent(execErr)),
		slog.Any("error", execErr),
	)

	dead, err := w.jobs.MarkDead(writeCtx, job.ID, callerID, execErr.Error(), record)
	if err != nil {
		w.logger.Error("Failed to mark job dead",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	w.recorder.jobDead()

	w.reporter.Report(writeCtx, AlertEvent{
		Source:   "sync-job-queue",
		Title:    "Sync job dead-lettered",
		Err:      execErr,
		Severity: SeverityCritical,
		Details: map[string]interface{}{
			"job_id":          dead.ID,
			"org_id":          dead.OrgID,
			"resource_key":    dead.ResourceKey,
			"kind":            string(dead.Kind),
			"attempt_count":   dead.AttemptCount,
			"attempt_history": dead.AttemptHistory,
		},
		OccurredAt: w.now().UTC(),
	})
}
