package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
)

// Progress ladder. Stage 2 spreads metric fetches across
// progressStage2Start..progressStage2Start+progressStage2Span.
const (
	progressEvent         = 20
	progressTeams         = 35
	progressMatches       = 50
	progressStage2Start   = 58
	progressStage2Span    = 37
	progressMetricsStored = 96
)

// runPipeline executes the job from its current running phase. Full jobs
// claimed into stage 1 continue into stage 2 under the same lease.
func (w *Worker) runPipeline(ctx context.Context, job *domain.SyncJob, callerID string) error {
	if !job.HoldsLease(callerID) {
		return fmt.Errorf("%w: job %s in phase %s is not leased to %s", domain.ErrLeaseLost, job.ID, job.Phase, callerID)
	}

	if job.Phase == domain.PhaseRunningStage1 {
		if err := w.runStage1(ctx, job, callerID); err != nil {
			return fmt.Errorf("stage 1: %w", err)
		}
		if err := advance(job, domain.PhaseRunningStage2); err != nil {
			return err
		}
	}

	if err := w.runStage2(ctx, job, callerID); err != nil {
		return fmt.Errorf("stage 2: %w", err)
	}
	return advance(job, domain.PhaseDone)
}

// advance moves the in-memory job along one edge of the phase graph
func advance(job *domain.SyncJob, to domain.Phase) error {
	if !domain.CanTransition(job.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Phase, to)
	}
	job.Phase = to
	return nil
}

// runStage1 syncs event metadata, roster and played matches, then advances
// the job to stage 2
func (w *Worker) runStage1(ctx context.Context, job *domain.SyncJob, callerID string) error {
	eventKey := job.ResourceKey

	event, err := w.schedule.FetchEvent(ctx, eventKey)
	if err != nil {
		return err
	}
	if err := w.canonical.UpsertEvent(ctx, *event); err != nil {
		return err
	}
	if err := w.progress(ctx, job, callerID, progressEvent, fmt.Sprintf("Synced event %s", event.Name)); err != nil {
		return err
	}

	teams, err := w.schedule.FetchEventTeams(ctx, eventKey)
	if err != nil {
		return err
	}
	if err := w.canonical.UpsertTeams(ctx, eventKey, teams); err != nil {
		return err
	}
	if err := w.progress(ctx, job, callerID, progressTeams, fmt.Sprintf("Synced %d teams", len(teams))); err != nil {
		return err
	}

	if warning := rosterWarning(job.ContextValue, eventKey, teams); warning != "" {
		if err := w.jobs.SetWarning(ctx, job.ID, callerID, warning); err != nil {
			return err
		}
		job.Warning = &warning
	}

	matches, err := w.schedule.FetchEventMatches(ctx, eventKey)
	if err != nil {
		return err
	}
	if err := w.canonical.UpsertMatches(ctx, matches); err != nil {
		return err
	}
	if err := w.progress(ctx, job, callerID, progressMatches, fmt.Sprintf("Synced %d matches", len(matches))); err != nil {
		return err
	}

	if err := w.jobs.AdvanceToStage2(ctx, job.ID, callerID, progressStage2Start, "Fetching team metrics"); err != nil {
		return err
	}
	job.Progress = max(job.Progress, progressStage2Start)

	w.logger.Info("Stage 1 complete",
		slog.String("job_id", job.ID),
		slog.String("event_key", eventKey),
		slog.Int("teams", len(teams)),
		slog.Int("matches", len(matches)),
	)
	return nil
}

// runStage2 fetches one metric per rostered team with bounded concurrency,
// upserts what succeeded and completes the job. Per-team failures land in
// the result, never in the job error.
func (w *Worker) runStage2(ctx context.Context, job *domain.SyncJob, callerID string) error {
	eventKey := job.ResourceKey

	if _, err := w.canonical.GetEvent(ctx, eventKey); err != nil {
		if errors.Is(err, domain.ErrResourceNotFound) {
			return domain.NewPermanentError(fmt.Errorf("%w: event %s has not been synced", err, eventKey))
		}
		return err
	}

	teams, err := w.canonical.ListEventTeamNumbers(ctx, eventKey)
	if err != nil {
		return err
	}

	total := len(teams)
	metrics, failed, err := w.fetchMetrics(ctx, eventKey, teams, func(done int) error {
		pct := progressStage2Start + progressStage2Span*done/total
		return w.progress(ctx, job, callerID, pct, fmt.Sprintf("Fetched metrics for %d/%d teams", done, total))
	})
	if err != nil {
		return err
	}
	w.recorder.metricFetchesFailed(len(failed))
	if failed == nil {
		failed = []domain.FailedItem{}
	}

	if err := w.canonical.UpsertTeamMetrics(ctx, metrics); err != nil {
		return err
	}
	if err := w.progress(ctx, job, callerID, progressMetricsStored, "Saved team metrics"); err != nil {
		return err
	}

	result := domain.Result{
		Synced:      len(metrics),
		Errors:      len(failed),
		Total:       total,
		FailedItems: failed,
	}
	if err := w.jobs.Complete(ctx, job.ID, callerID, result); err != nil {
		return err
	}
	job.Progress = 100
	job.Result = &result
	return nil
}

// progress writes a monotonic progress update and mirrors it on job
func (w *Worker) progress(ctx context.Context, job *domain.SyncJob, callerID string, pct int, message string) error {
	if err := w.jobs.UpdateProgress(ctx, job.ID, callerID, pct, message); err != nil {
		return err
	}
	job.Progress = max(job.Progress, pct)
	job.StatusMessage = message
	return nil
}

// rosterWarning returns a caveat when the requester's team number is not in
// the event roster. A missing or non-numeric context value yields none.
func rosterWarning(contextValue *string, eventKey string, teams []domain.Team) string {
	if contextValue == nil {
		return ""
	}
	number, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(*contextValue), "frc"))
	if err != nil {
		return ""
	}

	registered := slices.ContainsFunc(teams, func(t domain.Team) bool { return t.Number == number })
	if registered {
		return ""
	}
	return fmt.Sprintf("Team %d is not registered for %s", number, eventKey)
}
