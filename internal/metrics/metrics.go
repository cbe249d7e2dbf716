package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BatchMetrics manages Prometheus instrumentation for capture batches and loads.
type BatchMetrics struct {
	jobResults    *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	inflight      prometheus.Gauge
	ingestResults *prometheus.CounterVec
	changeRows    *prometheus.CounterVec
}

var (
	instance *BatchMetrics
	once     sync.Once
)

// Get returns the process-wide metrics instance, registering collectors on
// first use.
func Get() *BatchMetrics {
	once.Do(func() {
		instance = newBatchMetrics()
		instance.register(prometheus.DefaultRegisterer)
	})
	return instance
}

func newBatchMetrics() *BatchMetrics {
	return &BatchMetrics{
		jobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetcap",
				Subsystem: "batch",
				Name:      "jobs_total",
				Help:      "Device jobs by outcome.",
			},
			[]string{"outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetcap",
				Subsystem: "batch",
				Name:      "job_duration_seconds",
				Help:      "Per-device job duration.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"outcome"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetcap",
			Subsystem: "batch",
			Name:      "jobs_inflight",
			Help:      "Device jobs currently executing.",
		}),
		ingestResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetcap",
				Subsystem: "loader",
				Name:      "ingests_total",
				Help:      "Loader ingests by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		changeRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetcap",
				Subsystem: "loader",
				Name:      "changes_total",
				Help:      "Capture change rows by severity.",
			},
			[]string{"severity"},
		),
	}
}

func (m *BatchMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.jobResults, m.jobDuration, m.inflight, m.ingestResults, m.changeRows)
}

// ObserveJob records the outcome and duration of one device job.
func (m *BatchMetrics) ObserveJob(outcome string, elapsed time.Duration) {
	m.jobResults.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// JobStarted marks a job in flight.
func (m *BatchMetrics) JobStarted() { m.inflight.Inc() }

// JobFinished marks a job done.
func (m *BatchMetrics) JobFinished() { m.inflight.Dec() }

// ObserveIngest records one loader ingest.
func (m *BatchMetrics) ObserveIngest(kind, outcome string) {
	m.ingestResults.WithLabelValues(kind, outcome).Inc()
}

// ObserveChange records one emitted capture change row.
func (m *BatchMetrics) ObserveChange(severity string) {
	m.changeRows.WithLabelValues(severity).Inc()
}
