package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bündelt die Prometheus-Kollektoren der Verarbeitung.
type Metrics struct {
	RowsProcessed   *prometheus.CounterVec
	RowErrors       *prometheus.CounterVec
	NodesPublished  prometheus.Counter
	EdgesPublished  prometheus.Counter
	ImportsFinished *prometheus.CounterVec
	PassDuration    prometheus.Histogram
	MappingsCreated prometheus.Counter
}

// NewMetrics erstellt die Kollektoren und registriert sie an reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_rows_processed_total",
			Help: "Staging rows processed, by pass.",
		}, []string{"pass"}),
		RowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_row_errors_total",
			Help: "Staging rows that recorded errors, by pass.",
		}, []string{"pass"}),
		NodesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphloom_nodes_published_total",
			Help: "Nodes moved from staging into the graph.",
		}),
		EdgesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphloom_edges_published_total",
			Help: "Edges moved from staging into the graph.",
		}),
		ImportsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_imports_finished_total",
			Help: "Import passes by resulting status.",
		}, []string{"status"}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphloom_import_pass_duration_seconds",
			Help:    "Duration of one import pass.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		MappingsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphloom_type_mappings_touched_total",
			Help: "Type mappings created or touched for unknown shapes.",
		}),
	}
	reg.MustRegister(
		m.RowsProcessed,
		m.RowErrors,
		m.NodesPublished,
		m.EdgesPublished,
		m.ImportsFinished,
		m.PassDuration,
		m.MappingsCreated,
	)
	return m
}
