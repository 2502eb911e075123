package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Completed escrow state transitions by target state.",
			Name:      "transitions_total",
			Namespace: "karma",
			Subsystem: "escrow",
		},
		[]string{"to"},
	)
	deniedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Escrow transitions denied by the lifecycle rules.",
			Name:      "transitions_denied_total",
			Namespace: "karma",
			Subsystem: "escrow",
		},
	)
)

func init() {
	prometheus.MustRegister(transitionsCounter, deniedCounter)
}
