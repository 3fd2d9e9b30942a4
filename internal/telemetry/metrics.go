package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PresignCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_presign_total", Help: "Upload URLs issued"})
	CompleteCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_uploads_completed_total", Help: "Upload completions accepted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_rate_limit_rejects_total", Help: "Presign requests rejected by the owner quota"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_thumbs_ready_total", Help: "Assets whose variants were generated"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_retried_total", Help: "Jobs that failed transiently and were rescheduled"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_dead_letter_total", Help: "Jobs parked in the DLQ"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PresignCounter,
			CompleteCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerRetries,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
