package raftlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instrumentation for a Log, mirroring the
// teacher WAL's walMetrics: counters for the write path, a labeled counter
// for the two truncation directions, and a counter for segment rotations.
type Metrics struct {
	appends          prometheus.Counter
	entriesWritten   prometheus.Counter
	bytesWritten     prometheus.Counter
	entriesRead      prometheus.Counter
	segmentRotations prometheus.Counter
	entriesTruncated *prometheus.CounterVec
}

// NewMetrics registers the raft log's counters against reg. A nil reg
// creates the counters without registering them anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		appends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raftlog",
			Name:      "appends_total",
			Help:      "Number of StoreEntries calls that wrote at least one entry.",
		}),
		entriesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raftlog",
			Name:      "entries_written_total",
			Help:      "Number of log entries appended.",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raftlog",
			Name:      "bytes_written_total",
			Help:      "Number of encoded entry bytes appended, including frame headers.",
		}),
		entriesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raftlog",
			Name:      "entries_read_total",
			Help:      "Number of entries returned by GetEntry.",
		}),
		segmentRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raftlog",
			Name:      "segment_rotations_total",
			Help:      "Number of times the active segment was sealed and a new one opened.",
		}),
		entriesTruncated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raftlog",
			Name:      "truncations_total",
			Help:      "Number of TruncateFront/TruncateBack calls that removed entries, by direction.",
		}, []string{"type"}),
	}
}
