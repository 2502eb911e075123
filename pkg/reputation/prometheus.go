package reputation

import "github.com/prometheus/client_golang/prometheus"

var (
	refreshCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Help:      "Reputation snapshots computed.",
			Name:      "refreshes_total",
			Namespace: "karma",
			Subsystem: "reputation",
		},
	)
	layerErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Layer reads that failed and degraded to unavailable.",
			Name:      "layer_errors_total",
			Namespace: "karma",
			Subsystem: "reputation",
		},
		[]string{"layer"},
	)
	compositeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Distribution of computed composite scores.",
			Name:      "composite_score",
			Namespace: "karma",
			Subsystem: "reputation",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)
)

func init() {
	prometheus.MustRegister(
		refreshCounter,
		layerErrorCounter,
		compositeHistogram,
	)
}
