package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_jobs_submitted_total", Help: "Bulk jobs accepted, by kind"}, []string{"kind"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_jobs_finished_total", Help: "Bulk jobs reaching a terminal state, by kind and status"}, []string{"kind", "status"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "bulk_job_duration_seconds", Help: "Wall time from start to terminal state", Buckets: prometheus.ExponentialBuckets(0.05, 4, 8)}, []string{"kind"})
	ImportRows       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bulk_import_rows_total", Help: "Imported rows by outcome"}, []string{"outcome"})
	ExportRecords    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_export_records_total", Help: "Records written to export artifacts"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	LeasesReclaimed  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_leases_reclaimed_total", Help: "Jobs failed because their worker lease expired"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_queue_depth", Help: "Jobs waiting for a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_jobs_inflight", Help: "Jobs currently running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsFinished,
			JobDuration,
			ImportRows,
			ExportRecords,
			RateLimitRejects,
			LeasesReclaimed,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
