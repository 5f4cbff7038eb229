package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "cache",
			Name:      "refresh_total",
			Help:      "Counter of state cache refreshes by result.",
		}, []string{"result"})

	snapshotTimestampGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytx",
			Subsystem: "cache",
			Name:      "snapshot_timestamp_ms",
			Help:      "Timestamp of the cached snapshot.",
		})
)

func init() {
	prometheus.MustRegister(refreshCounter)
	prometheus.MustRegister(snapshotTimestampGauge)
}
