package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
)

// JobStore is the lease-aware write side of the sync_jobs table
type JobStore interface {
	RecoverStaleLocks(ctx context.Context, ttl time.Duration) (int64, error)
	ClaimNext(ctx context.Context, callerID string) (*domain.SyncJob, error)
	UpdateProgress(ctx context.Context, jobID, callerID string, progress int, message string) error
	SetWarning(ctx context.Context, jobID, callerID, warning string) error
	AdvanceToStage2(ctx context.Context, jobID, callerID string, progress int, message string) error
	Complete(ctx context.Context, jobID, callerID string, result domain.Result) error
	MarkRetrying(ctx context.Context, jobID, callerID, errMsg string, delay time.Duration, record domain.AttemptRecord) error
	MarkDead(ctx context.Context, jobID, callerID, errMsg string, record domain.AttemptRecord) (*domain.SyncJob, error)
}

// CanonicalStore receives the synced provider data
type CanonicalStore interface {
	UpsertEvent(ctx context.Context, event domain.Event) error
	UpsertTeams(ctx context.Context, eventKey string, teams []domain.Team) error
	UpsertMatches(ctx context.Context, matches []domain.Match) error
	UpsertTeamMetrics(ctx context.Context, metrics []domain.TeamMetric) error
	GetEvent(ctx context.Context, eventKey string) (*domain.Event, error)
	ListEventTeamNumbers(ctx context.Context, eventKey string) ([]int, error)
}

// ScheduleProvider fetches event metadata, roster and results
type ScheduleProvider interface {
	FetchEvent(ctx context.Context, eventKey string) (*domain.Event, error)
	FetchEventTeams(ctx context.Context, eventKey string) ([]domain.Team, error)
	FetchEventMatches(ctx context.Context, eventKey string) ([]domain.Match, error)
}

// MetricProvider fetches one team's performance metric at an event
type MetricProvider interface {
	FetchTeamMetric(ctx context.Context, team int, eventKey string) (*domain.TeamMetric, error)
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Jobs              JobStore
	Canonical         CanonicalStore
	Schedule          ScheduleProvider
	Metrics           MetricProvider
	Reporter          Reporter
	Recorder          *Metrics
	Policy            domain.RetryPolicy
	LeaseTTL          time.Duration
	MetricConcurrency int
	KickTimeout       time.Duration
	Now               func() time.Time
}

// Worker runs the kick trigger. It keeps no queue state of its own: every
// call works directly against the job store, so any number of Workers in
// any number of processes may kick concurrently.
type Worker struct {
	logger            *slog.Logger
	jobs              JobStore
	canonical         CanonicalStore
	schedule          ScheduleProvider
	metrics           MetricProvider
	reporter          Reporter
	recorder          *Metrics
	policy            domain.RetryPolicy
	leaseTTL          time.Duration
	metricConcurrency int
	kickTimeout       time.Duration
	now               func() time.Time
	inflight          sync.WaitGroup
}

// Stats summarizes one kick
type Stats struct {
	Recovered int64 `json:"recovered"`
	Claimed   int   `json:"claimed"`
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		jobs:              cfg.Jobs,
		canonical:         cfg.Canonical,
		schedule:          cfg.Schedule,
		metrics:           cfg.Metrics,
		reporter:          cfg.Reporter,
		recorder:          cfg.Recorder,
		policy:            cfg.Policy,
		leaseTTL:          cfg.LeaseTTL,
		metricConcurrency: cfg.MetricConcurrency,
		kickTimeout:       cfg.KickTimeout,
		now:               cfg.Now,
	}

	if w.reporter == nil {
		w.reporter = NewLogReporter(w.logger)
	}
	if w.policy.Base <= 0 {
		w.policy = domain.DefaultRetryPolicy()
	}
	if w.leaseTTL <= 0 {
		w.leaseTTL = domain.DefaultLeaseTTLSecs * time.Second
	}
	if w.metricConcurrency <= 0 {
		w.metricConcurrency = 4
	}
	if w.kickTimeout <= 0 {
		w.kickTimeout = 60 * time.Second
	}
	if w.now == nil {
		w.now = time.Now
	}

	return w
}

// ProcessDue recovers stale leases once, then claims and executes up to
// maxJobs due jobs one at a time. A failing job is routed to the retry
// policy and does not stop the loop. An error is returned only when the
// store itself cannot be reached.
func (w *Worker) ProcessDue(ctx context.Context, maxJobs int, callerID string) (Stats, error) {
	var stats Stats
	start := time.Now()
	defer func() { w.recorder.observeKick(time.Since(start)) }()

	recovered, err := w.jobs.RecoverStaleLocks(ctx, w.leaseTTL)
	if err != nil {
		return stats, fmt.Errorf("stale lock recovery failed: %w", err)
	}
	stats.Recovered = recovered
	w.recorder.staleJobsRecovered(recovered)

	for i := 0; i < maxJobs; i++ {
		if ctx.Err() != nil {
			break
		}

		job, err := w.jobs.ClaimNext(ctx, callerID)
		if err != nil {
			return stats, err
		}
		if job == nil {
			break
		}

		stats.Claimed++
		w.recorder.jobClaimed()

		if err := w.processJob(ctx, job, callerID); err != nil {
			stats.Failed++
			continue
		}
		stats.Processed++
	}

	w.logger.Info("Kick finished",
		slog.String("caller_id", callerID),
		slog.Int64("recovered", stats.Recovered),
		slog.Int("claimed", stats.Claimed),
		slog.Int("processed", stats.Processed),
		slog.Int("failed", stats.Failed),
		slog.Duration("duration", time.Since(start)),
	)

	return stats, nil
}

// KickAsync starts ProcessDue in a detached goroutine bounded by the kick
// timeout. Errors and panics are forwarded to the reporter.
func (w *Worker) KickAsync(maxJobs int, callerID string) {
	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), w.kickTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				w.reporter.Report(ctx, AlertEvent{
					Source:     "kick",
					Title:      "Background kick panicked",
					Err:        fmt.Errorf("panic: %v", r),
					Severity:   SeverityError,
					Details:    map[string]interface{}{"caller_id": callerID},
					OccurredAt: w.now(),
				})
			}
		}()

		if _, err := w.ProcessDue(ctx, maxJobs, callerID); err != nil {
			w.reporter.Report(ctx, AlertEvent{
				Source:     "kick",
				Title:      "Background kick failed",
				Err:        err,
				Severity:   SeverityError,
				Details:    map[string]interface{}{"caller_id": callerID},
				OccurredAt: w.now(),
			})
		}
	}()
}

// Wait blocks until every kick started by KickAsync has returned
func (w *Worker) Wait() {
	w.inflight.Wait()
}
