package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	transactionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "manager",
			Name:      "state_changes_total",
			Help:      "Counter of transaction state changes by entry type.",
		}, []string{"type"})

	inProgressGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinytx",
			Subsystem: "manager",
			Name:      "in_progress_transactions",
			Help:      "Number of transactions in progress.",
		})

	expiredCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "manager",
			Name:      "expired_transactions_total",
			Help:      "Counter of transactions invalidated after timing out.",
		})

	snapshotCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "manager",
			Name:      "snapshots_total",
			Help:      "Counter of snapshots taken by result.",
		}, []string{"result"})

	recoveryDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinytx",
			Subsystem: "manager",
			Name:      "recovery_duration_seconds",
			Help:      "Bucketed histogram of state recovery duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20),
		})
)

func init() {
	prometheus.MustRegister(transactionCounter)
	prometheus.MustRegister(inProgressGauge)
	prometheus.MustRegister(expiredCounter)
	prometheus.MustRegister(snapshotCounter)
	prometheus.MustRegister(recoveryDurationHistogram)
}
