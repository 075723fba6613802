package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instrumentation for a segment Manager.
type Metrics struct {
	bytesWritten     prometheus.Counter
	recordsWritten   prometheus.Counter
	segmentRotations prometheus.Counter
	recordsRead      prometheus.Counter
}

// NewMetrics registers segment-manager metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_segment_bytes_written_total",
			Help: "Bytes appended to segment files, including record headers.",
		}),
		recordsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_segment_records_written_total",
			Help: "Number of records appended across all segments.",
		}),
		segmentRotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_segment_rotations_total",
			Help: "Number of times the active segment was sealed and rotated.",
		}),
		recordsRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "riftkv_segment_records_read_total",
			Help: "Number of ReadAt calls served.",
		}),
	}
}
