// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PBXNotifier/internal/domain"
	"PBXNotifier/internal/usecase"
)

const namespace = "pbx_notifier"

// Metrics owns a private registry so tests and multiple instances never collide.
type Metrics struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	deliveries  *prometheus.CounterVec
	rateLimited prometheus.Counter
	lastRun     prometheus.Gauge
}

var _ usecase.Observer = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by mode and result.",
		}, []string{"mode", "result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		}, []string{"mode"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Handled calls by delivery outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Channel rate-limit responses.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last pipeline run finished.",
		}),
	}

	m.registry.MustRegister(
		m.runs,
		m.runDuration,
		m.deliveries,
		m.rateLimited,
		m.lastRun,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) RunFinished(mode domain.RunMode, result string, elapsed time.Duration) {
	m.runs.WithLabelValues(string(mode), result).Inc()
	m.runDuration.WithLabelValues(string(mode)).Observe(elapsed.Seconds())
	m.lastRun.SetToCurrentTime()
}

func (m *Metrics) Delivered(outcome domain.Outcome) {
	m.deliveries.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
