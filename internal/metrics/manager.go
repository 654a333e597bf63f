package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

const namespace = "stalwart"

// Operation outcomes used as the status label
const (
	StatusSuccess      = "success"
	StatusNotFound     = "not_found"
	StatusAssertFailed = "assert_failed"
	StatusError        = "error"
)

// Manager defines the interface for metrics management
type Manager interface {
	// RecordStoreOperation counts one backend call of the named store.
	RecordStoreOperation(storeName, operation string, err error, duration time.Duration)
	// RecordCacheLookup counts a lookup cache outcome (hit_positive,
	// hit_negative or miss).
	RecordCacheLookup(cache, outcome string)
	RecordBlobPurge(reservations, blobs int, duration time.Duration)
	RecordBackgroundTask(taskType string, duration time.Duration, success bool)

	Handler() http.Handler
	IsEnabled() bool
}

// StatusOf classifies err into a status label.
func StatusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, store.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, store.ErrAssertValueFailed):
		return StatusAssertFailed
	default:
		return StatusError
	}
}

// metricsManager implements the Manager interface using Prometheus
type metricsManager struct {
	registry *prometheus.Registry

	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec

	cacheLookupsTotal *prometheus.CounterVec

	blobPurgedReservations prometheus.Counter
	blobPurgedBlobs        prometheus.Counter
	blobPurgeDuration      prometheus.Histogram

	backgroundTasksTotal   *prometheus.CounterVec
	backgroundTaskDuration *prometheus.HistogramVec
}

// NewManager creates a new metrics manager. dataDir is reported by the
// system collector.
func NewManager(cfg config.MetricsConfig, dataDir string) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	m := &metricsManager{registry: prometheus.NewRegistry()}
	m.initializeMetrics()
	m.registry.MustRegister(
		m.storeOperationsTotal,
		m.storeOperationDuration,
		m.cacheLookupsTotal,
		m.blobPurgedReservations,
		m.blobPurgedBlobs,
		m.blobPurgeDuration,
		m.backgroundTasksTotal,
		m.backgroundTaskDuration,
		collectors.NewGoCollector(),
		NewSystemCollector(dataDir),
	)
	return m
}

// initializeMetrics sets up all Prometheus metrics
func (m *metricsManager) initializeMetrics() {
	m.storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of store operations",
		},
		[]string{"store", "operation", "status"},
	)

	m.storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"store", "operation"},
	)

	m.cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lookup_cache",
			Name:      "lookups_total",
			Help:      "Total number of lookup cache reads by outcome",
		},
		[]string{"cache", "outcome"},
	)

	m.blobPurgedReservations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blob",
		Name:      "purged_reservations_total",
		Help:      "Total number of expired blob reservations removed",
	})

	m.blobPurgedBlobs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blob",
		Name:      "purged_blobs_total",
		Help:      "Total number of unreferenced blobs deleted",
	})

	m.blobPurgeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "blob",
		Name:      "purge_duration_seconds",
		Help:      "Blob purge pass duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	m.backgroundTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "background",
			Name:      "tasks_total",
			Help:      "Total number of background task runs",
		},
		[]string{"task", "status"},
	)

	m.backgroundTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "background",
			Name:      "task_duration_seconds",
			Help:      "Background task duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)
}

func (m *metricsManager) RecordStoreOperation(storeName, operation string, err error, duration time.Duration) {
	m.storeOperationsTotal.WithLabelValues(storeName, operation, StatusOf(err)).Inc()
	m.storeOperationDuration.WithLabelValues(storeName, operation).Observe(duration.Seconds())
}

func (m *metricsManager) RecordCacheLookup(cache, outcome string) {
	m.cacheLookupsTotal.WithLabelValues(cache, outcome).Inc()
}

func (m *metricsManager) RecordBlobPurge(reservations, blobs int, duration time.Duration) {
	m.blobPurgedReservations.Add(float64(reservations))
	m.blobPurgedBlobs.Add(float64(blobs))
	m.blobPurgeDuration.Observe(duration.Seconds())
}

func (m *metricsManager) RecordBackgroundTask(taskType string, duration time.Duration, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.backgroundTasksTotal.WithLabelValues(taskType, status).Inc()
	m.backgroundTaskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
}

func (m *metricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) IsEnabled() bool { return true }

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordStoreOperation(storeName, operation string, err error, duration time.Duration) {}
func (n *noopManager) RecordCacheLookup(cache, outcome string)                                             {}
func (n *noopManager) RecordBlobPurge(reservations, blobs int, duration time.Duration)                     {}
func (n *noopManager) RecordBackgroundTask(taskType string, duration time.Duration, success bool)          {}
func (n *noopManager) Handler() http.Handler                                                               { return http.NotFoundHandler() }
func (n *noopManager) IsEnabled() bool                                                                     { return false }

// Noop returns a Manager that records nothing.
func Noop() Manager {
	return &noopManager{}
}
