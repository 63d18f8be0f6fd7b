package derive

import (
	"time"

	"github.com/dunamismax/derivflow/internal/tempfs"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	bytesPublished  prometheus.Counter
	releaseFailures prometheus.Counter
	coalesced       prometheus.Counter
}

// NewMetrics registers the derive collectors on reg. When temp is set the
// temp asset counters are exported from its stats.
func NewMetrics(reg prometheus.Registerer, temp *tempfs.Manager) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "derivflow_derive_requests_total",
			Help: "Derivative requests by media kind and outcome.",
		}, []string{"media", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "derivflow_derive_request_duration_seconds",
			Help:    "End to end derivative request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"media", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "derivflow_derive_stage_duration_seconds",
			Help:    "Time spent in each orchestration stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		bytesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derivflow_derive_bytes_published_total",
			Help: "Bytes acknowledged by object storage for published derivatives.",
		}),
		releaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derivflow_temp_release_failures_total",
			Help: "Temp scopes whose cleanup reported an error.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "derivflow_derive_coalesced_total",
			Help: "Requests that shared an in-flight generation of the same key.",
		}),
	}
	if reg == nil {
		return m
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.stageDuration,
		m.bytesPublished,
		m.releaseFailures,
		m.coalesced,
	)
	if temp != nil {
		reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "derivflow_temp_assets_allocated_total",
				Help: "Temp assets allocated.",
			}, func() float64 { return float64(temp.Stats().Allocated) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "derivflow_temp_assets_released_total",
				Help: "Temp assets released.",
			}, func() float64 { return float64(temp.Stats().Released) }),
		)
	}
	return m
}

func (m *Metrics) observeRequest(mediaKind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(mediaKind, outcome).Inc()
	m.requestDuration.WithLabelValues(mediaKind, outcome).Observe(d.Seconds())
}

func (m *Metrics) observeStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *Metrics) addPublished(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesPublished.Add(float64(n))
}

func (m *Metrics) releaseFailed() {
	if m == nil {
		return
	}
	m.releaseFailures.Inc()
}

func (m *Metrics) coalescedRequest() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}
