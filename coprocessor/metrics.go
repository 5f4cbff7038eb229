package coprocessor

import "github.com/prometheus/client_golang/prometheus"

var (
	flushedCellsCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "region",
			Name:      "flushed_cells_total",
			Help:      "Counter of memstore cells flushed.",
		})

	droppedCellsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinytx",
			Subsystem: "region",
			Name:      "dropped_cells_total",
			Help:      "Counter of cells dropped by cleanup.",
		}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(flushedCellsCounter)
	prometheus.MustRegister(droppedCellsCounter)
}
