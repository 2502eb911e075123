package payment

import "github.com/prometheus/client_golang/prometheus"

// Metrics used in monitoring signing and settlement activity.
var (
	signedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Number of transfer authorizations signed",
			Name:      "authorizations_signed_total",
			Namespace: "karma",
			Subsystem: "payment",
		},
	)
	settlementsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of settlement calls by result",
			Name:      "settlements_total",
			Namespace: "karma",
			Subsystem: "payment",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		signedCounter,
		settlementsCounter,
	)
}
