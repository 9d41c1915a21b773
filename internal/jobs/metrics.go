// Package jobmetrics instruments background worker runs.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics holds the worker collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	changes     *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on reg, or once on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg != nil {
		return register(reg)
	}
	defaultOnce.Do(func() { defaultMetrics = register(prometheus.DefaultRegisterer) })
	return defaultMetrics
}

func register(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "odyssey",
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Job run duration.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30},
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "odyssey",
			Subsystem: "jobs",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, []string{"job"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odyssey",
			Subsystem: "jobs",
			Name:      "changes_total",
			Help:      "Changes detected by jobs, by kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.runs, m.duration, m.lastSuccess, m.changes)
	return m
}

// Run is one in-progress job run.
type Run struct {
	m     *Metrics
	job   string
	start time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) Run {
	return Run{m: m, job: job, start: time.Now()}
}

// End records the run's outcome and returns err as is.
func (r Run) End(err error) error {
	if r.m == nil {
		return err
	}
	now := time.Now()
	r.m.duration.WithLabelValues(r.job).Observe(now.Sub(r.start).Seconds())
	if err != nil {
		r.m.runs.WithLabelValues(r.job, outcomeFailure).Inc()
		return err
	}
	r.m.runs.WithLabelValues(r.job, outcomeSuccess).Inc()
	r.m.lastSuccess.WithLabelValues(r.job).Set(float64(now.Unix()))
	return nil
}

// AddChange counts a detected change of kind, e.g. a new permission catalog.
func (m *Metrics) AddChange(kind string) {
	if m != nil {
		m.changes.WithLabelValues(kind).Inc()
	}
}
