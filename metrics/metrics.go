// Package metrics exposes the engine's Prometheus counters. A nil *Metrics
// is valid and records nothing, so components can be built without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	MovesApplied        *prometheus.CounterVec
	MovesRejected       *prometheus.CounterVec
	Joins               *prometheus.CounterVec
	StoreConflicts      *prometheus.CounterVec
	AutomatedMoves      *prometheus.CounterVec
	Advisory            *prometheus.CounterVec
	ExternalCallLatency *prometheus.HistogramVec
	LiveTables          prometheus.Gauge
}

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MovesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gambit_moves_applied_total",
				Help: "Moves durably written, by mover kind",
			},
			[]string{"by"},
		),
		MovesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gambit_moves_rejected_total",
				Help: "Move submissions that produced no write, by reason",
			},
			[]string{"reason"},
		),
		Joins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gambit_joins_total",
				Help: "Join handshakes, by result",
			},
			[]string{"result"},
		),
		StoreConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gambit_store_conflicts_total",
				Help: "Conditional writes whose precondition no longer held",
			},
			[]string{"op"},
		),
		AutomatedMoves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gambit_automated_moves_total",
				Help: "Automated opponent attempts, by result",
			},
			[]string{"result"},
		),
		Advisory: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gambit_advisory_total",
				Help: "Advisory commentary requests, by result",
			},
			[]string{"result"},
		),
		ExternalCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gambit_external_call_duration_seconds",
				Help:    "Latency of move-suggestion and advisory calls",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 15},
			},
			[]string{"service"},
		),
		LiveTables: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gambit_live_tables",
			Help: "Sessions with an open sync channel in this process",
		}),
	}

	m.registry.MustRegister(
		m.MovesApplied,
		m.MovesRejected,
		m.Joins,
		m.StoreConflicts,
		m.AutomatedMoves,
		m.Advisory,
		m.ExternalCallLatency,
		m.LiveTables,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MoveApplied(by string) {
	if m == nil {
		return
	}
	m.MovesApplied.WithLabelValues(by).Inc()
}

func (m *Metrics) MoveRejected(reason string) {
	if m == nil {
		return
	}
	m.MovesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Join(result string) {
	if m == nil {
		return
	}
	m.Joins.WithLabelValues(result).Inc()
}

func (m *Metrics) StoreConflict(op string) {
	if m == nil {
		return
	}
	m.StoreConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) AutomatedMove(result string) {
	if m == nil {
		return
	}
	m.AutomatedMoves.WithLabelValues(result).Inc()
}

func (m *Metrics) AdvisoryResult(result string) {
	if m == nil {
		return
	}
	m.Advisory.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveExternalCall(service string, started time.Time) {
	if m == nil {
		return
	}
	m.ExternalCallLatency.WithLabelValues(service).Observe(time.Since(started).Seconds())
}

func (m *Metrics) SetLiveTables(n int) {
	if m == nil {
		return
	}
	m.LiveTables.Set(float64(n))
}
