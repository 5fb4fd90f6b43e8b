// Package metrics exposes Prometheus collectors for the workflow and the
// worker pool.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every csvforge collector. Metric names are prefixed "csvforge_".
//
// Metrics:
//   - csvforge_phase_duration_seconds{phase,success}
//   - csvforge_jobs_finished_total{mode,status}
//   - csvforge_job_cycles{mode,status}
//   - csvforge_pool_active_workers
//   - csvforge_pool_queue_size
//   - csvforge_pool_job_duration_seconds{success}
type Metrics struct {
	registry *prometheus.Registry

	PhaseDuration   *prometheus.HistogramVec
	JobsFinished    *prometheus.CounterVec
	JobCycles       *prometheus.HistogramVec
	PoolActive      prometheus.Gauge
	PoolQueueSize   prometheus.Gauge
	PoolJobDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		PhaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "csvforge_phase_duration_seconds",
				Help:    "Duration of Planner, Coder, Tester and Inference phases in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
			[]string{"phase", "success"},
		),
		JobsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "csvforge_jobs_finished_total",
				Help: "Total number of jobs that reached a terminal status",
			},
			[]string{"mode", "status"},
		),
		JobCycles: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "csvforge_job_cycles",
				Help:    "Cycles used by finished jobs",
				Buckets: prometheus.LinearBuckets(1, 1, models.MaxCycles),
			},
			[]string{"mode", "status"},
		),
		PoolActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "csvforge_pool_active_workers",
			Help: "Number of workers currently running a job",
		}),
		PoolQueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "csvforge_pool_queue_size",
			Help: "Jobs submitted to the pool and not yet finished",
		}),
		PoolJobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "csvforge_pool_job_duration_seconds",
				Help:    "Wall-clock time a worker spent on one job",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34m
			},
			[]string{"success"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PhaseFinished implements workflow.Recorder.
func (m *Metrics) PhaseFinished(phase string, ok bool, d time.Duration) {
	m.PhaseDuration.WithLabelValues(phase, strconv.FormatBool(ok)).Observe(d.Seconds())
}

// JobFinished implements workflow.Recorder.
func (m *Metrics) JobFinished(mode models.JobMode, status models.JobStatus, cycles int) {
	m.JobsFinished.WithLabelValues(string(mode), string(status)).Inc()
	m.JobCycles.WithLabelValues(string(mode), string(status)).Observe(float64(cycles))
}

// PoolChanged implements pool.Recorder.
func (m *Metrics) PoolChanged(active, queued int) {
	m.PoolActive.Set(float64(active))
	m.PoolQueueSize.Set(float64(queued))
}

// JobDone implements pool.Recorder.
func (m *Metrics) JobDone(d time.Duration, ok bool) {
	m.PoolJobDuration.WithLabelValues(strconv.FormatBool(ok)).Observe(d.Seconds())
}
