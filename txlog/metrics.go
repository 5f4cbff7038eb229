package txlog

import "github.com/prometheus/client_golang/prometheus"

var (
	syncDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytx",
			Subsystem: "txlog",
			Name:      "sync_duration_seconds",
			Help:      "Bucketed histogram of transaction log sync duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		})

	appendedEntriesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "txlog",
			Name:      "appended_entries_total",
			Help:      "Counter of entries appended to the transaction log.",
		}, []string{"type"})

	syncFailureCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "txlog",
			Name:      "writer_faulted_total",
			Help:      "Counter of transaction log writers that faulted.",
		})
)

func init() {
	prometheus.MustRegister(syncDurationHistogram)
	prometheus.MustRegister(appendedEntriesCounter)
	prometheus.MustRegister(syncFailureCounter)
}

// RecordAppend counts an entry appended by a writer outside this package.
func RecordAppend(t EntryType) {
	appendedEntriesCounter.WithLabelValues(t.String()).Inc()
}
