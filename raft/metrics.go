package raft

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the raft node's prometheus instrumentation.
type Metrics struct {
	electionsStarted   prometheus.Counter
	leadershipChanges  prometheus.Counter
	appendEntriesSent  prometheus.Counter
	entriesApplied     prometheus.Counter
}

// NewMetrics registers the raft node's counters against reg. A nil reg
// creates the counters without registering them anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		electionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raft",
			Name:      "elections_started_total",
			Help:      "Number of elections this node has started as a candidate.",
		}),
		leadershipChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raft",
			Name:      "leadership_changes_total",
			Help:      "Number of times this node has become leader.",
		}),
		appendEntriesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raft",
			Name:      "append_entries_sent_total",
			Help:      "Number of append_entries RPCs this node has sent as leader.",
		}),
		entriesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "riftkv",
			Subsystem: "raft",
			Name:      "entries_applied_total",
			Help:      "Number of log entries applied to the state machine.",
		}),
	}
}
