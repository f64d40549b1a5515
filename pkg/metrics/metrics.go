// Package metrics exposes Tidewater's Prometheus metrics.
//
// All collectors are registered with the default registry through promauto
// and labelled by source so per-provider health is visible:
//
//	metrics.RunsTotal.WithLabelValues("toast_orders", "committed").Inc()
//	timer := metrics.NewTimer()
//	stage()
//	metrics.StageDuration.WithLabelValues("toast_orders", "staging").Observe(timer.Stop().Seconds())
//
// Serve them with Handler().
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tidewater"

var (
	// RunsTotal counts finished runs by terminal state
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Pipeline runs by source and terminal state",
	}, []string{"source", "state"})

	// RecordsTotal counts records passing through each stage
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Records by source and stage outcome",
	}, []string{"source", "outcome"})

	// StageDuration observes wall time per stage in seconds
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Stage wall time by source and stage",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"source", "stage"})

	// StageRetries counts stage-level retries after transient failures
	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_retries_total",
		Help:      "Stage retries by source, stage and error type",
	}, []string{"source", "stage", "error_type"})

	// HTTPRequests counts provider requests by status class
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Provider HTTP requests by source and status class",
	}, []string{"source", "status"})

	// HTTPRetries counts client-level retries
	HTTPRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_retries_total",
		Help:      "Provider HTTP retries by source and error type",
	}, []string{"source", "error_type"})

	// CredentialRefreshes counts credential refresh exchanges
	CredentialRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refreshes_total",
		Help:      "Credential refreshes by source and result",
	}, []string{"source", "result"})

	// WatermarkTimestamp is the committed timestamp watermark in unix seconds
	WatermarkTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watermark_timestamp_seconds",
		Help:      "Committed timestamp watermark per account",
	}, []string{"source", "account"})

	// ActiveRuns tracks runs in flight
	ActiveRuns = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Runs currently executing by source",
	}, []string{"source"})
)

// StatusClass buckets an HTTP status into 2xx, 4xx, 429, 5xx or "error".
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status == http.StatusTooManyRequests:
		return "429"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
