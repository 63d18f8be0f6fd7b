package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge
	ingestedTotal prometheus.Counter
	audioTotal    *prometheus.CounterVec
	webhookErrors prometheus.Counter
}

// newMetrics registers the worker collectors on registry, creating one when
// nil. Callers share the registry with the derive metrics.
func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derivflow_worker_jobs_total",
			Help: "Asset optimization jobs by media kind and outcome.",
		}, []string{"media", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "derivflow_worker_job_duration_seconds",
			Help:    "Total processing duration for each asset optimization job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"media", "outcome"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "derivflow_worker_active_jobs",
			Help: "Current number of asset optimization jobs in progress.",
		}),
		ingestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derivflow_worker_originals_ingested_total",
			Help: "Remote originals copied into object storage.",
		}),
		audioTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derivflow_worker_audio_total",
			Help: "Audio tracks handled by outcome.",
		}, []string{"outcome"}),
		webhookErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derivflow_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.ingestedTotal,
		m.audioTotal,
		m.webhookErrors,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
