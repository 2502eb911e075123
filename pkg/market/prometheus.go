package market

import "github.com/prometheus/client_golang/prometheus"

// Metrics used in monitoring marketplace calls.
var (
	requestsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Completed marketplace calls by outcome",
			Name:      "requests_total",
			Namespace: "karma",
			Subsystem: "market",
		},
		[]string{"outcome"},
	)
	retriesCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Retryable marketplace call attempts",
			Name:      "retries_total",
			Namespace: "karma",
			Subsystem: "market",
		},
	)
)

func init() {
	prometheus.MustRegister(
		requestsCounter,
		retriesCounter,
	)
}
