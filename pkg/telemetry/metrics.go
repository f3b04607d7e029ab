package telemetry

import (
	"context"
	"net/http"

	"github.com/m-mizutani/mnemo/pkg/usecase/consolidation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mnemo"

// Metrics counts consolidation events in its own Prometheus registry. It
// implements consolidation.Observer.
type Metrics struct {
	registry *prometheus.Registry

	stages      *prometheus.CounterVec
	actions     *prometheus.CounterVec
	diagnostics *prometheus.CounterVec
	candidates  prometheus.Histogram
	cache       *prometheus.CounterVec
}

// NewMetrics creates and registers every collector
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Number of consolidation stage transitions",
			},
			[]string{"stage"},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Number of executed plan actions",
			},
			[]string{"kind", "outcome"},
		),
		diagnostics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnostics_total",
				Help:      "Number of recovered failures",
			},
			[]string{"stage", "kind"},
		),
		candidates: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "candidates_per_message",
				Help:      "Number of merged candidates handed to the planner",
				Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
			},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_total",
				Help:      "Embedding cache lookups",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(m.stages, m.actions, m.diagnostics, m.candidates, m.cache)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OnStage(ctx context.Context, ev consolidation.StageEvent) {
	m.stages.WithLabelValues(string(ev.To)).Inc()
	if ev.To == consolidation.StagePlanning {
		m.candidates.Observe(float64(ev.Candidates))
	}
}

func (m *Metrics) OnAction(ctx context.Context, ev consolidation.ActionEvent) {
	m.actions.WithLabelValues(string(ev.Action.Kind), string(ev.Outcome)).Inc()
}

func (m *Metrics) OnDiagnostic(ctx context.Context, d consolidation.Diagnostic) {
	m.diagnostics.WithLabelValues(string(d.Stage), string(d.Kind)).Inc()
}

// CacheHit and CacheMiss satisfy adapter.CacheObserver
func (m *Metrics) CacheHit()  { m.cache.WithLabelValues("hit").Inc() }
func (m *Metrics) CacheMiss() { m.cache.WithLabelValues("miss").Inc() }
