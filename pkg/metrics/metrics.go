// Package metrics exposes Prometheus instrumentation for the graph engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector. Register it against a prometheus.Registerer
// once; all engine components share the instance.
type Metrics struct {
	NodesCreated   *prometheus.CounterVec
	NodesDeleted   *prometheus.CounterVec
	EdgesCreated   *prometheus.CounterVec
	EdgesDeleted   *prometheus.CounterVec
	Conflicts      prometheus.Counter
	CommitDuration prometheus.Histogram
	QueryDuration  *prometheus.HistogramVec
	EventsEmitted  *prometheus.CounterVec
	NodeCount      prometheus.GaugeFunc
	EdgeCount      prometheus.GaugeFunc
	WALAppends     prometheus.CounterFunc
}

// CountSource supplies live gauge values, typically the storage backend.
type CountSource interface {
	NodeCount() int64
	EdgeCount() int64
}

// WALSource supplies the WAL append counter.
type WALSource interface {
	WALAppends() int64
}

// New builds the collector set. counts and wal may be nil when the caller
// has no backend yet; the corresponding gauges then report zero.
func New(counts CountSource, wal WALSource) *Metrics {
	m := &Metrics{
		NodesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engramdb", Name: "nodes_created_total",
			Help: "Nodes created, by kind.",
		}, []string{"kind"}),
		NodesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engramdb", Name: "nodes_deleted_total",
			Help: "Nodes deleted, by kind. Cascaded deletes are counted.",
		}, []string{"kind"}),
		EdgesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engramdb", Name: "edges_created_total",
			Help: "Edges created, by type.",
		}, []string{"type"}),
		EdgesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engramdb", Name: "edges_deleted_total",
			Help: "Edges deleted, by type.",
		}, []string{"type"}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "engramdb", Name: "version_conflicts_total",
			Help: "Optimistic lock failures surfaced to callers.",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engramdb", Name: "commit_duration_seconds",
			Help:    "Wall time of durable batch commits.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "engramdb", Name: "query_duration_seconds",
			Help:    "Wall time of query execution, by operation.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"op"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engramdb", Name: "events_emitted_total",
			Help: "Change events published, by type.",
		}, []string{"type"}),
	}

	m.NodeCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "engramdb", Name: "nodes",
		Help: "Live node count.",
	}, func() float64 {
		if counts == nil {
			return 0
		}
		return float64(counts.NodeCount())
	})
	m.EdgeCount = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "engramdb", Name: "edges",
		Help: "Live edge count.",
	}, func() float64 {
		if counts == nil {
			return 0
		}
		return float64(counts.EdgeCount())
	})
	m.WALAppends = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "engramdb", Name: "wal_appends_total",
		Help: "Write-ahead log entries appended.",
	}, func() float64 {
		if wal == nil {
			return 0
		}
		return float64(wal.WALAppends())
	})

	return m
}

// Register attaches every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.NodesCreated, m.NodesDeleted,
		m.EdgesCreated, m.EdgesDeleted,
		m.Conflicts, m.CommitDuration, m.QueryDuration,
		m.EventsEmitted, m.NodeCount, m.EdgeCount, m.WALAppends,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
