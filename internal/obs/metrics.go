package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all metrics
type Metrics struct {
	Registry       *prometheus.Registry
	VectorInserts  prometheus.Counter
	SearchQueries  prometheus.Counter
	SearchErrors   prometheus.Counter
	SearchLatency  prometheus.Histogram
	DeleteOps      prometheus.Counter
	CompactionOps  prometheus.Counter
	CompactLatency prometheus.Histogram
}

// NewMetrics creates a metrics instance backed by its own registry. Each
// edgevec.Collection owns one (there is no single long-lived Database
// process binding every collection together), so registering against the
// global prometheus.DefaultRegisterer would panic the second time a process
// opens more than one collection; a private registry keeps promauto's
// auto-registration idiom while scoping it per instance. Callers that want
// these metrics exported can pull them from Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		VectorInserts: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgevec_vector_inserts_total",
			Help: "Total vector insertions",
		}),
		SearchQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgevec_search_queries_total",
			Help: "Total search queries",
		}),
		SearchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgevec_search_errors_total",
			Help: "Total search errors",
		}),
		SearchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "edgevec_search_latency_seconds",
			Help: "Search latency",
		}),
		DeleteOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgevec_delete_ops_total",
			Help: "Total soft-delete operations",
		}),
		CompactionOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "edgevec_compaction_ops_total",
			Help: "Total compaction runs",
		}),
		CompactLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "edgevec_compaction_latency_seconds",
			Help: "Compaction latency",
		}),
	}
}
