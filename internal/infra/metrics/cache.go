package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheRequestsTotal) }

var cacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Translation cache lookups by result.",
	},
	[]string{"result"}, // 'hit' or 'miss'
)

func IncCacheRequest(result string) {
	cacheRequestsTotal.WithLabelValues(norm(result)).Inc()
}
