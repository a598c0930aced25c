package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	encodeAttempts       prometheus.Histogram
	overLimitTotal       prometheus.Counter
	webhookFailuresTotal *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapmatch_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapmatch_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapmatch_worker_active_jobs",
			Help: "Current number of active processing jobs in the worker.",
		}),
		encodeAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapmatch_worker_encode_attempts",
			Help:    "JPEG encode attempts per normalized job.",
			Buckets: prometheus.LinearBuckets(1, 1, 9),
		}),
		overLimitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapmatch_worker_over_limit_total",
			Help: "Jobs whose output stayed above the size bound at the quality floor.",
		}),
		webhookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapmatch_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all client retries.",
		}, []string{"event"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapmatch_usage_pixels_processed_total",
			Help: "Total output pixels across all successful jobs.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapmatch_usage_bytes_saved_total",
			Help: "Total bytes saved across all successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapmatch_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.encodeAttempts,
		m.overLimitTotal,
		m.webhookFailuresTotal,
		m.pixelsProcessedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
