package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	UploadPartsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upload_parts_reported_total",
			Help: "Parts reported by browsers, including idempotent duplicates",
		},
		[]string{"outcome"},
	)

	UploadsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uploads_finalized_total",
			Help: "Multipart uploads finalized, aborted, or rejected at reconciliation",
		},
		[]string{"outcome"},
	)

	UploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upload_bytes",
			Help:    "Size of completed uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 4, 8),
		},
	)

	LeaseClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_claims_total",
			Help: "Lease claim attempts by outcome",
		},
		[]string{"family", "outcome"},
	)

	JobsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_terminated_total",
			Help: "Jobs reaching a terminal status",
		},
		[]string{"family", "status", "stage"},
	)

	WorkerWebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_webhook_requests_total",
			Help: "Inbound worker webhook calls by route and outcome",
		},
		[]string{"route", "outcome"},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatches_total",
			Help: "Worker pool dispatch attempts",
		},
		[]string{"outcome"},
	)
)

func RecordPartReported(alreadyReported bool) {
	outcome := "recorded"
	if alreadyReported {
		outcome = "duplicate"
	}
	UploadPartsReported.WithLabelValues(outcome).Inc()
}

func RecordUploadFinalized(outcome string, sizeBytes int64) {
	UploadsFinalized.WithLabelValues(outcome).Inc()
	if outcome == "completed" && sizeBytes > 0 {
		UploadBytes.Observe(float64(sizeBytes))
	}
}

func RecordLeaseClaim(family, outcome string) {
	LeaseClaims.WithLabelValues(family, outcome).Inc()
}

func RecordJobTerminated(family, status, stage string) {
	JobsTerminated.WithLabelValues(family, status, stage).Inc()
}

func RecordWorkerWebhook(route, outcome string) {
	WorkerWebhookRequests.WithLabelValues(route, outcome).Inc()
}

func RecordDispatch(outcome string) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
}
