package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/scout-sync/internal/worker/domain"
	"github.com/google/uuid"
)

var errNetwork = errors.New("dial tcp 104.18.0.1:443: i/o timeout")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 27, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeJobStore mirrors the SQL semantics of storage.Storage in memory: one
// mutex stands in for the row lock taken by the claim statement
type fakeJobStore struct {
	mu    sync.Mutex
	clock *fakeClock
	jobs  []*domain.SyncJob

	progressLog    map[string][]int
	advancedAt     map[string]int
	retryCalls     int
	seizeAtPercent int
}

func newFakeJobStore(clock *fakeClock) *fakeJobStore {
	return &fakeJobStore{
		clock:       clock,
		progressLog: make(map[string][]int),
		advancedAt:  make(map[string]int),
	}
}

func (s *fakeJobStore) enqueue(kind domain.Kind, resourceKey string, contextValue *string, maxAttempts int) *domain.SyncJob {
	job, err := domain.NewSyncJob("org-1", resourceKey, kind, "user-1", contextValue, maxAttempts)
	if err != nil {
		panic(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	job.ID = uuid.NewString()
	job.CreatedAt = now.Add(time.Duration(len(s.jobs)) * time.Microsecond)
	job.UpdatedAt = job.CreatedAt
	job.RunAfter = now
	s.jobs = append(s.jobs, job)
	return cloneJob(job)
}

func (s *fakeJobStore) get(id string) *domain.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return cloneJob(j)
		}
	}
	return nil
}

func (s *fakeJobStore) RecoverStaleLocks(ctx context.Context, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var recovered int64
	for _, j := range s.jobs {
		if j.Phase.IsRunning() && j.LockedAt != nil && j.LockedAt.Before(now.Add(-ttl)) {
			j.ResumePhase = j.Phase
			j.Phase = domain.PhaseRetrying
			j.RunAfter = now
			j.LockedAt = nil
			j.LockedBy = nil
			recovered++
		}
	}
	return recovered, nil
}

func (s *fakeJobStore) ClaimNext(ctx context.Context, callerID string) (*domain.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	due := make([]*domain.SyncJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if slices.Contains(domain.ClaimablePhases, j.Phase) && !j.RunAfter.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(a, b int) bool { return due[a].CreatedAt.Before(due[b].CreatedAt) })

	j := due[0]
	caller := callerID
	j.Phase = j.ResumePhase
	j.LockedAt = &now
	j.LockedBy = &caller
	j.AttemptCount++
	j.Progress = max(j.Progress, 5)
	j.StatusMessage = "Claimed"
	return cloneJob(j), nil
}

func (s *fakeJobStore) leased(jobID, callerID string) (*domain.SyncJob, error) {
	for _, j := range s.jobs {
		if j.ID == jobID {
			if !j.HoldsLease(callerID) {
				return nil, domain.ErrLeaseLost
			}
			return j, nil
		}
	}
	return nil, domain.ErrLeaseLost
}

func (s *fakeJobStore) UpdateProgress(ctx context.Context, jobID, callerID string, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seizeAtPercent != 0 && progress == s.seizeAtPercent {
		for _, j := range s.jobs {
			if j.ID == jobID {
				j.ResumePhase = j.Phase
				j.Phase = domain.PhaseRetrying
				j.LockedAt = nil
				j.LockedBy = nil
			}
		}
	}

	j, err := s.leased(jobID, callerID)
	if err != nil {
		return err
	}
	j.Progress = max(j.Progress, progress)
	j.StatusMessage = message
	s.progressLog[jobID] = append(s.progressLog[jobID], j.Progress)
	return nil
}

func (s *fakeJobStore) SetWarning(ctx context.Context, jobID, callerID, warning string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(jobID, callerID)
	if err != nil {
		return err
	}
	j.Warning = &warning
	return nil
}

func (s *fakeJobStore) AdvanceToStage2(ctx context.Context, jobID, callerID string, progress int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(jobID, callerID)
	if err != nil {
		return err
	}
	if j.Phase != domain.PhaseRunningStage1 {
		return domain.ErrLeaseLost
	}
	j.Phase = domain.PhaseRunningStage2
	j.ResumePhase = domain.PhaseRunningStage2
	j.Progress = max(j.Progress, progress)
	j.StatusMessage = message
	s.advancedAt[jobID] = j.Progress
	s.progressLog[jobID] = append(s.progressLog[jobID], j.Progress)
	return nil
}

func (s *fakeJobStore) Complete(ctx context.Context, jobID, callerID string, result domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(jobID, callerID)
	if err != nil {
		return err
	}
	if j.Phase != domain.PhaseRunningStage2 {
		return domain.ErrLeaseLost
	}
	now := s.clock.Now()
	j.Phase = domain.PhaseDone
	j.Progress = 100
	j.Result = &result
	j.Error = nil
	j.LockedAt = nil
	j.LockedBy = nil
	j.FinishedAt = &now
	s.progressLog[jobID] = append(s.progressLog[jobID], j.Progress)
	return nil
}

func (s *fakeJobStore) MarkRetrying(ctx context.Context, jobID, callerID, errMsg string, delay time.Duration, record domain.AttemptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retryCalls++
	j, err := s.leased(jobID, callerID)
	if err != nil {
		return err
	}
	j.ResumePhase = j.Phase
	j.Phase = domain.PhaseRetrying
	j.Error = &errMsg
	j.RunAfter = s.clock.Now().Add(delay)
	j.AttemptHistory = append(j.AttemptHistory, record)
	j.LockedAt = nil
	j.LockedBy = nil
	return nil
}

func (s *fakeJobStore) MarkDead(ctx context.Context, jobID, callerID, errMsg string, record domain.AttemptRecord) (*domain.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.leased(jobID, callerID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	j.Phase = domain.PhaseDead
	j.Error = &errMsg
	j.AttemptHistory = append(j.AttemptHistory, record)
	j.LockedAt = nil
	j.LockedBy = nil
	j.FinishedAt = &now
	return cloneJob(j), nil
}

func cloneJob(j *domain.SyncJob) *domain.SyncJob {
	c := *j
	c.AttemptHistory = append(domain.AttemptHistory{}, j.AttemptHistory...)
	return &c
}

type fakeCanonicalStore struct {
	mu              sync.Mutex
	events          map[string]domain.Event
	rosters         map[string][]int
	matches         int
	metrics         map[int]domain.TeamMetric
	failMetricWrite int
}

func newFakeCanonicalStore() *fakeCanonicalStore {
	return &fakeCanonicalStore{
		events:  make(map[string]domain.Event),
		rosters: make(map[string][]int),
		metrics: make(map[int]domain.TeamMetric),
	}
}

func (s *fakeCanonicalStore) UpsertEvent(ctx context.Context, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.Key] = event
	return nil
}

func (s *fakeCanonicalStore) UpsertTeams(ctx context.Context, eventKey string, teams []domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	numbers := make([]int, 0, len(teams))
	for _, t := range teams {
		numbers = append(numbers, t.Number)
	}
	sort.Ints(numbers)
	s.rosters[eventKey] = numbers
	return nil
}

func (s *fakeCanonicalStore) UpsertMatches(ctx context.Context, matches []domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches = len(matches)
	return nil
}

func (s *fakeCanonicalStore) UpsertTeamMetrics(ctx context.Context, metrics []domain.TeamMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failMetricWrite > 0 {
		s.failMetricWrite--
		return errors.New("pq: could not serialize access due to concurrent update")
	}
	for _, m := range metrics {
		s.metrics[m.TeamNumber] = m
	}
	return nil
}

func (s *fakeCanonicalStore) GetEvent(ctx context.Context, eventKey string) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[eventKey]
	if !ok {
		return nil, domain.ErrResourceNotFound
	}
	return &event, nil
}

func (s *fakeCanonicalStore) ListEventTeamNumbers(ctx context.Context, eventKey string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.rosters[eventKey]...), nil
}

type fakeSchedule struct {
	event      domain.Event
	teams      []domain.Team
	matches    []domain.Match
	err        error
	eventCalls atomic.Int32
}

func newFakeSchedule(eventKey string, teamNumbers ...int) *fakeSchedule {
	s := &fakeSchedule{event: domain.Event{Key: eventKey, Name: "Hawaii Regional", Year: 2025}}
	for _, n := range teamNumbers {
		s.teams = append(s.teams, domain.Team{Number: n, Key: fmt.Sprintf("frc%d", n)})
	}
	s.matches = []domain.Match{
		{EventKey: eventKey, CompLevel: "qm", SetNumber: 1, MatchNumber: 1, RedScore: 88, BlueScore: 71},
		{EventKey: eventKey, CompLevel: "qm", SetNumber: 1, MatchNumber: 2, RedScore: 64, BlueScore: 90},
	}
	return s
}

func (s *fakeSchedule) FetchEvent(ctx context.Context, eventKey string) (*domain.Event, error) {
	s.eventCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	event := s.event
	return &event, nil
}

func (s *fakeSchedule) FetchEventTeams(ctx context.Context, eventKey string) ([]domain.Team, error) {
	return s.teams, nil
}

func (s *fakeSchedule) FetchEventMatches(ctx context.Context, eventKey string) ([]domain.Match, error) {
	return s.matches, nil
}

type fakeMetrics struct {
	failing  map[int]bool
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (m *fakeMetrics) FetchTeamMetric(ctx context.Context, team int, eventKey string) (*domain.TeamMetric, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	if m.failing[team] {
		return nil, fmt.Errorf("statbotics request for team %d returned status 500", team)
	}
	return &domain.TeamMetric{TeamNumber: team, EventKey: eventKey, EPATotal: float64(team) / 10}, nil
}

type recordingReporter struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (r *recordingReporter) Report(ctx context.Context, event AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingReporter) all() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.events...)
}

type harness struct {
	clock     *fakeClock
	jobs      *fakeJobStore
	canonical *fakeCanonicalStore
	schedule  *fakeSchedule
	metrics   *fakeMetrics
	reporter  *recordingReporter
	worker    *Worker
}

func newHarness(opts ...func(*Config)) *harness {
	clock := newFakeClock()
	h := &harness{
		clock:     clock,
		jobs:      newFakeJobStore(clock),
		canonical: newFakeCanonicalStore(),
		schedule:  newFakeSchedule("2025hiho", 254, 1323, 2056),
		metrics:   &fakeMetrics{failing: map[int]bool{}},
		reporter:  &recordingReporter{},
	}

	cfg := &Config{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Jobs:              h.jobs,
		Canonical:         h.canonical,
		Schedule:          h.schedule,
		Metrics:           h.metrics,
		Reporter:          h.reporter,
		Policy:            domain.DefaultRetryPolicy(),
		LeaseTTL:          2 * time.Minute,
		MetricConcurrency: 2,
		KickTimeout:       5 * time.Second,
		Now:               clock.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h.worker = NewWorker(cfg)
	return h
}
