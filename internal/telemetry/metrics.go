package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_submitted_total", Help: "Jobs accepted into the queue"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_completed_total", Help: "Jobs that produced an artifact"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_retried_total", Help: "Jobs requeued after a transient failure"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_failed_total", Help: "Jobs that reached terminal failed"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_jobs_cancelled_total", Help: "Jobs cancelled by request"})
	LeasesReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_leases_reaped_total", Help: "Abandoned leases requeued by the reaper"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_jobs_inflight", Help: "Jobs currently being rendered"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			RateLimitRejects,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsCancelled,
			LeasesReaped,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
