package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinytx",
			Subsystem: "storage",
			Name:      "snapshot_write_duration_seconds",
			Help:      "Bucketed histogram of snapshot write duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"engine"})

	snapshotSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinytx",
			Subsystem: "storage",
			Name:      "snapshot_size_bytes",
			Help:      "Size of the last written snapshot.",
		}, []string{"engine"})

	storageErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Counter of state storage errors.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(snapshotWriteDuration)
	prometheus.MustRegister(snapshotSizeGauge)
	prometheus.MustRegister(storageErrorCounter)
}
