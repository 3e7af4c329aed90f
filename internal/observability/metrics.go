package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "toll_recovery", Name: "records_normalized_total", Help: "Raw collector records accepted by the normalizer"},
		[]string{"kind"},
	)
	RecordsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "toll_recovery", Name: "records_rejected_total", Help: "Raw collector records dropped as malformed"},
		[]string{"kind"},
	)

	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "toll_recovery", Name: "matches_total", Help: "Match candidates produced, by confidence"},
		[]string{"confidence"},
	)
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toll_recovery", Name: "jobs_created_total", Help: "Submission jobs created"})

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "toll_recovery", Name: "submissions_total", Help: "Claim filing attempts, by outcome"},
		[]string{"outcome"},
	)
	SubmissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "toll_recovery", Name: "submission_latency_seconds", Help: "Claim filing call latency"})

	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toll_recovery", Name: "retries_scheduled_total", Help: "Failed attempts rescheduled for retry"})
	CASConflicts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toll_recovery", Name: "cas_conflicts_total", Help: "Lost compare-and-swap races on job claims"})
	StaleReclaims    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "toll_recovery", Name: "stale_reclaims_total", Help: "In-flight jobs reclaimed after the stale threshold"})
	WorkersBusy      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "toll_recovery", Name: "workers_busy", Help: "Scheduler workers currently filing a claim"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "toll_recovery", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "toll_recovery",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
