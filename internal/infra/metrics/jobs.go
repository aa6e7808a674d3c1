package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsTotal, jobRetriesTotal, batchesTotal) }

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translation_jobs_total",
			Help: "Terminal translation job outcomes, labeled by status.",
		},
		[]string{"connection", "status"}, // 'completed', 'failed'
	)

	jobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translation_job_retries_total",
			Help: "Jobs re-queued after a retriable failure.",
		},
		[]string{"connection"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translation_batches_total",
			Help: "Finished batches, labeled by finalize reason.",
		},
		[]string{"reason"},
	)
)

func IncJob(connection, status string) {
	jobsTotal.WithLabelValues(norm(connection), norm(status)).Inc()
}

func IncJobRetry(connection string) {
	jobRetriesTotal.WithLabelValues(norm(connection)).Inc()
}

func IncBatchFinished(reason string) {
	batchesTotal.WithLabelValues(norm(reason)).Inc()
}
