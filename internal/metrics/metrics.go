// Package metrics provides Prometheus metrics for the FTP drive bridge.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Executor metrics
	executorQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ftpdrive_executor_queue_depth",
			Help: "Units of work waiting for the FTP connection",
		},
	)

	executorUnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ftpdrive_executor_unit_duration_seconds",
			Help:    "Time spent running one unit of work on the FTP connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"unit"},
	)

	executorUnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftpdrive_executor_units_total",
			Help: "Units of work executed, by result",
		},
		[]string{"unit", "result"},
	)

	executorReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftpdrive_executor_reconnects_total",
			Help: "Reconnect attempts after transport failures",
		},
		[]string{"result"},
	)

	// Handler metrics
	handlerCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ftpdrive_handler_calls_total",
			Help: "Filesystem handler invocations by verb and returned status",
		},
		[]string{"verb", "status"},
	)

	// Cache metrics
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ftpdrive_cache_entries",
			Help: "Number of paths held in the metadata cache",
		},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ftpdrive_bytes_downloaded_total",
			Help: "Total bytes downloaded from the FTP server",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ftpdrive_bytes_uploaded_total",
			Help: "Total bytes uploaded to the FTP server",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth records the number of queued units.
func SetQueueDepth(n int) {
	executorQueueDepth.Set(float64(n))
}

// RecordUnit records a completed unit of work.
func RecordUnit(unit string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	executorUnitDuration.WithLabelValues(unit).Observe(duration.Seconds())
	executorUnitsTotal.WithLabelValues(unit, result).Inc()
}

// RecordReconnect records a reconnect attempt.
func RecordReconnect(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	executorReconnectsTotal.WithLabelValues(result).Inc()
}

// RecordHandler records a handler call and the status it returned.
func RecordHandler(verb string, status int) {
	handlerCallsTotal.WithLabelValues(verb, strconv.Itoa(status)).Inc()
}

// SetCacheEntries records the metadata cache size.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}

// AddBytesDownloaded records bytes read from the server.
func AddBytesDownloaded(n int) {
	bytesDownloaded.Add(float64(n))
}

// AddBytesUploaded records bytes written to the server.
func AddBytesUploaded(n int) {
	bytesUploaded.Add(float64(n))
}
