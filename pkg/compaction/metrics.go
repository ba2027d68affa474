package compaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the metrics tracked by a CompactionManager, mirroring the
// teacher's BucketCompactorMetrics / MultitenantCompactor metric blocks.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsFailed    prometheus.Counter

	candidateObjects prometheus.Gauge
	excludedObjects  prometheus.Gauge
	forceSplitObjects prometheus.Gauge

	planBytes    prometheus.Histogram
	planCount    prometheus.Histogram
	compactionDelaySeconds prometheus.Gauge

	objectsCompacted prometheus.Counter
	streamObjectsWritten prometheus.Counter
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter

	sanityFailures prometheus.Counter
}

// NewMetrics registers and returns a new Metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		runsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_runs_started_total",
			Help: "Total number of compaction runs started.",
		}),
		runsCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_runs_completed_total",
			Help: "Total number of compaction runs successfully completed.",
		}),
		runsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_runs_failed_total",
			Help: "Total number of compaction runs that failed.",
		}),
		candidateObjects: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stream_compactor_candidate_objects",
			Help: "Number of candidate objects considered in the current/last run.",
		}),
		excludedObjects: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stream_compactor_excluded_objects",
			Help: "Number of objects excluded from the current/last run due to fanout or stream-count caps.",
		}),
		forceSplitObjects: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stream_compactor_force_split_objects",
			Help: "Number of objects classified as force-split in the current/last run.",
		}),
		planBytes: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_compactor_plan_bytes",
			Help:    "Total bytes read per compaction plan iteration.",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
		}),
		planCount: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_compactor_plans_per_run",
			Help:    "Number of plan iterations per compaction run.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		compactionDelaySeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stream_compactor_delay_seconds",
			Help: "Age in seconds of the oldest uncompacted candidate object.",
		}),
		objectsCompacted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_objects_compacted_total",
			Help: "Total number of source objects retired by a successful commit.",
		}),
		streamObjectsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_stream_objects_written_total",
			Help: "Total number of fresh per-stream objects written.",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_bytes_read_total",
			Help: "Total bytes read from source objects.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_bytes_written_total",
			Help: "Total bytes written to output objects.",
		}),
		sanityFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stream_compactor_sanity_failures_total",
			Help: "Total number of runs aborted by the sanity checker.",
		}),
	}
}
