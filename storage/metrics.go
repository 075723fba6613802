package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRegisterer is the subset of prometheus.Registerer the engine needs;
// passing nil disables instrumentation entirely.
type MetricsRegisterer = prometheus.Registerer

// Metrics holds the storage engine's prometheus instrumentation.
type Metrics struct {
	puts        prometheus.Counter
	gets        prometheus.Counter
	deletes     prometheus.Counter
	compactions prometheus.Counter
}

func newMetrics(reg MetricsRegisterer) *Metrics {
	return &Metrics{
		puts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_storage_puts_total",
			Help: "Number of Put calls.",
		}),
		gets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_storage_gets_total",
			Help: "Number of Get calls.",
		}),
		deletes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_storage_deletes_total",
			Help: "Number of Delete calls.",
		}),
		compactions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_storage_compactions_total",
			Help: "Number of ForceCompaction runs completed.",
		}),
	}
}
