package janitor

import "github.com/prometheus/client_golang/prometheus"

var decisionCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tinytx",
		Subsystem: "janitor",
		Name:      "decisions_total",
		Help:      "Counter of cleanup decisions by reason.",
	}, []string{"reason"})

func init() {
	prometheus.MustRegister(decisionCounter)
}
