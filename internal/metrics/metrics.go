// Package metrics provides Prometheus metrics for the mirror daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync results recorded by RecordSyncResult.
const (
	SyncSuccess     = "success"
	SyncFailure     = "failure"
	SyncInterrupted = "interrupted"
	SyncSpawnError  = "spawn_error"
)

var (
	// Scheduler metrics
	syncTasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lsmirror_sync_tasks_active",
			Help: "Number of sync processes currently running",
		},
	)

	syncLaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmirror_sync_launches_total",
			Help: "Total number of sync processes launched",
		},
		[]string{"distro"},
	)

	syncResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmirror_sync_results_total",
			Help: "Total number of finished sync processes by result",
		},
		[]string{"distro", "result"},
	)

	syncLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lsmirror_sync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful sync",
		},
		[]string{"distro"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "kind", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lsmirror_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	httpBytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lsmirror_http_bytes_sent_total",
			Help: "Total body bytes sent by kind of response",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSyncTasksActive sets the number of running sync processes.
func SetSyncTasksActive(n int) {
	syncTasksActive.Set(float64(n))
}

// RecordSyncLaunch records a launched sync process.
func RecordSyncLaunch(distro string) {
	syncLaunchesTotal.WithLabelValues(distro).Inc()
}

// RecordSyncResult records how a sync process ended.
func RecordSyncResult(distro, result string) {
	syncResultsTotal.WithLabelValues(distro, result).Inc()
	if result == SyncSuccess {
		syncLastSuccess.WithLabelValues(distro).SetToCurrentTime()
	}
}

// methodLabel maps a request method to a bounded label value.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return method
	}
	return "other"
}

// RecordHTTPRequest records an HTTP request metric. Methods other than GET
// and HEAD are counted together.
func RecordHTTPRequest(method, kind string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(methodLabel(method), kind, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordBytesSent records body bytes written for a response kind.
func RecordBytesSent(kind string, n int64) {
	httpBytesSent.WithLabelValues(kind).Add(float64(n))
}
