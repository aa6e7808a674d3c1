package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(dispatchDelayMs, dispatchBlockedTotal, keyCooldownsTotal) }

var (
	dispatchDelayMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_delay_ms",
			Help:    "Self-throttling delay applied before submitting a job, in milliseconds.",
			Buckets: []float64{0, 50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		},
		[]string{"connection"},
	)

	dispatchBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_blocked_total",
			Help: "Dispatch attempts deferred, labeled by blocking reason.",
		},
		[]string{"connection", "reason"}, // 'cooldown', 'rate_limit', 'sequential', 'pool_full'
	)

	keyCooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_key_cooldowns_total",
			Help: "Cooldowns imposed on individual API keys after quota errors.",
		},
		[]string{"connection"},
	)
)

func ObserveDispatchDelay(connection string, delayMs float64) {
	dispatchDelayMs.WithLabelValues(norm(connection)).Observe(delayMs)
}

func IncDispatchBlocked(connection, reason string) {
	dispatchBlockedTotal.WithLabelValues(norm(connection), norm(reason)).Inc()
}

func IncKeyCooldown(connection string) {
	keyCooldownsTotal.WithLabelValues(norm(connection)).Inc()
}
