package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "scout_sync"

// Metrics holds the Prometheus collectors for the job queue. A nil *Metrics
// records nothing.
type Metrics struct {
	claimed        prometheus.Counter
	completed      prometheus.Counter
	retried        prometheus.Counter
	dead           prometheus.Counter
	staleRecovered prometheus.Counter
	itemFailures   prometheus.Counter
	kickDuration   prometheus.Histogram
}

// NewMetrics creates the queue collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_claimed_total",
			Help:      "Sync jobs leased by the claim protocol.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_completed_total",
			Help:      "Sync jobs that reached done.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_retried_total",
			Help:      "Failed executions rescheduled with backoff.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_dead_total",
			Help:      "Sync jobs moved to the dead-letter state.",
		}),
		staleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "jobs_stale_recovered_total",
			Help:      "Running jobs whose lease expired and were returned to retrying.",
		}),
		itemFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "metric_fetch_failures_total",
			Help:      "Per-team metric fetches that failed and were recorded in the job result.",
		}),
		kickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "kick_duration_seconds",
			Help:      "Wall time of one kick: stale recovery plus all claimed jobs.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}

	reg.MustRegister(m.claimed, m.completed, m.retried, m.dead, m.staleRecovered, m.itemFailures, m.kickDuration)
	return m
}

func (m *Metrics) jobClaimed() {
	if m != nil {
		m.claimed.Inc()
	}
}

func (m *Metrics) jobCompleted() {
	if m != nil {
		m.completed.Inc()
	}
}

func (m *Metrics) jobRetried() {
	if m != nil {
		m.retried.Inc()
	}
}

func (m *Metrics) jobDead() {
	if m != nil {
		m.dead.Inc()
	}
}

func (m *Metrics) staleJobsRecovered(n int64) {
	if m != nil && n > 0 {
		m.staleRecovered.Add(float64(n))
	}
}

func (m *Metrics) metricFetchesFailed(n int) {
	if m != nil && n > 0 {
		m.itemFailures.Add(float64(n))
	}
}

func (m *Metrics) observeKick(d time.Duration) {
	if m != nil {
		m.kickDuration.Observe(d.Seconds())
	}
}
