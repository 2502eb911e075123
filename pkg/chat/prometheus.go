package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	sentCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Channel lines written to the server.",
			Name:      "sent_total",
			Namespace: "karma",
			Subsystem: "chat",
		},
	)
	receivedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Channel lines delivered to the inbox.",
			Name:      "received_total",
			Namespace: "karma",
			Subsystem: "chat",
		},
	)
	droppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Lines dropped by the best-effort transport.",
			Name:      "dropped_total",
			Namespace: "karma",
			Subsystem: "chat",
		},
		[]string{"reason"},
	)
	disconnectCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Connections lost after a successful connect.",
			Name:      "disconnects_total",
			Namespace: "karma",
			Subsystem: "chat",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sentCounter,
		receivedCounter,
		droppedCounter,
		disconnectCounter,
	)
}
