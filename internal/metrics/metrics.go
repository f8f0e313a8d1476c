// Package metrics exposes scan counters for Prometheus scraping.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one process. All methods are safe on a nil
// receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	probesTotal    *prometheus.CounterVec
	probesInFlight *prometheus.GaugeVec
	probeDuration  *prometheus.HistogramVec
	findingsTotal  *prometheus.CounterVec
	toolRunsTotal  *prometheus.CounterVec
}

// New creates a metrics set on a private registry.
func New(namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "tarantula"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Probes executed by kind and outcome status",
			},
			[]string{"kind", "status"},
		),
		probesInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probes_in_flight",
				Help:      "Probes currently executing",
			},
			[]string{"kind"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Probe latency distribution in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"kind"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Unique findings stored by kind and severity",
			},
			[]string{"kind", "severity"},
		),
		toolRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_runs_total",
				Help:      "External tool invocations by result",
			},
			[]string{"tool", "result"},
		),
	}

	collectors := []prometheus.Collector{
		m.probesTotal,
		m.probesInFlight,
		m.probeDuration,
		m.findingsTotal,
		m.toolRunsTotal,
	}
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) ProbeStarted(kind string) {
	if m == nil {
		return
	}
	m.probesInFlight.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProbeFinished(kind, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.probesInFlight.WithLabelValues(kind).Dec()
	m.probesTotal.WithLabelValues(kind, status).Inc()
	m.probeDuration.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Metrics) FindingAdded(kind, severity string) {
	if m == nil {
		return
	}
	m.findingsTotal.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) ToolInvoked(tool, result string) {
	if m == nil {
		return
	}
	m.toolRunsTotal.WithLabelValues(tool, result).Inc()
}
