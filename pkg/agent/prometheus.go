package agent

import "github.com/prometheus/client_golang/prometheus"

var (
	tickCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Agent ticks by outcome.",
			Name:      "ticks_total",
			Namespace: "karma",
			Subsystem: "agent",
		},
		[]string{"status"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Help:      "Tick wall time in seconds.",
			Name:      "tick_duration_seconds",
			Namespace: "karma",
			Subsystem: "agent",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)
	stepGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Monotonic heartbeat step.",
			Name:      "step",
			Namespace: "karma",
			Subsystem: "agent",
		},
	)
	pausedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "1 while purchases are suspended by the pause threshold.",
			Name:      "purchases_paused",
			Namespace: "karma",
			Subsystem: "agent",
		},
	)
	mailGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Channel lines drained into the last tick.",
			Name:      "mail_drained",
			Namespace: "karma",
			Subsystem: "agent",
		},
	)
)

func init() {
	prometheus.MustRegister(
		tickCounter,
		tickDuration,
		stepGauge,
		pausedGauge,
		mailGauge,
	)
}
