package supervisor

import (
	"github.com/CZERTAINLY/Applier/internal/model"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics of the process pool. A nil *Metrics records nothing.
type Metrics struct {
	running  prometheus.Gauge
	pending  prometheus.Gauge
	started  prometheus.Counter
	retried  prometheus.Counter
	results  *prometheus.CounterVec
	kills    *prometheus.CounterVec
	duration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "applier_workers_running",
			Help: "Worker processes currently running",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "applier_jobs_pending",
			Help: "Jobs waiting for a worker slot",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_workers_started_total",
			Help: "Worker processes started",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applier_jobs_retried_total",
			Help: "Failed jobs queued again",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applier_results_total",
			Help: "Collected results by outcome",
		}, []string{"outcome"}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applier_workers_killed_total",
			Help: "Worker processes killed by the supervisor",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "applier_worker_duration_seconds",
			Help:    "Wall clock time of a worker",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),
	}
	reg.MustRegister(m.running, m.pending, m.started, m.retried, m.results, m.kills, m.duration)
	return m
}

func (m *Metrics) queues(pending, running int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.running.Set(float64(running))
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) jobRetried() {
	if m == nil {
		return
	}
	m.retried.Inc()
}

func (m *Metrics) killed(reason string) {
	if m == nil {
		return
	}
	m.kills.WithLabelValues(reason).Inc()
}

func (m *Metrics) collected(r model.Result) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(string(r.Outcome())).Inc()
	m.duration.Observe(r.DurationSeconds)
}
