// Package metrics exposes prometheus collectors for the store, sync and playback components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	SyncOutcomeOnline  = "online"
	SyncOutcomeOffline = "offline"
)

// Metrics groups every collector the service registers. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transactionsTotal    *prometheus.CounterVec
	transactionDuration  prometheus.Histogram
	annotationWrites     *prometheus.CounterVec
	syncRefreshesTotal   *prometheus.CounterVec
	syncRejectedRecords  prometheus.Counter
	directoryRequests    *prometheus.CounterVec
	playbackEventsTotal  prometheus.Counter
	playbackQueriesTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with the provided registry.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}

	m.transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framemark_store_transactions_total",
			Help: "Write transactions executed against the local store",
		},
		[]string{"status"},
	)
	m.transactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "framemark_store_transaction_duration_seconds",
			Help:    "Time spent inside write transactions, including lock wait",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
	m.annotationWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framemark_annotation_writes_total",
			Help: "Comment and stroke writes by kind and status",
		},
		[]string{"kind", "status"},
	)
	m.syncRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framemark_sync_refreshes_total",
			Help: "Remote directory refreshes by outcome",
		},
		[]string{"outcome"},
	)
	m.syncRejectedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "framemark_sync_rejected_records_total",
			Help: "Remote user records rejected at the directory boundary",
		},
	)
	m.directoryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framemark_directory_requests_total",
			Help: "HTTP requests issued to the remote directory",
		},
		[]string{"endpoint", "status"},
	)
	m.playbackEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "framemark_playback_position_events_total",
			Help: "Playback position events received",
		},
	)
	m.playbackQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "framemark_playback_active_queries_total",
			Help: "Active-at lookups executed by the position throttle",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{
		m.transactionsTotal,
		m.transactionDuration,
		m.annotationWrites,
		m.syncRefreshesTotal,
		m.syncRejectedRecords,
		m.directoryRequests,
		m.playbackEventsTotal,
		m.playbackQueriesTotal,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTransaction(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.transactionsTotal.WithLabelValues(statusOf(err)).Inc()
	m.transactionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordAnnotationWrite(kind string, err error) {
	if m == nil {
		return
	}
	m.annotationWrites.WithLabelValues(kind, statusOf(err)).Inc()
}

func (m *Metrics) RecordSyncRefresh(outcome string, rejected int) {
	if m == nil {
		return
	}
	m.syncRefreshesTotal.WithLabelValues(outcome).Inc()
	if rejected > 0 {
		m.syncRejectedRecords.Add(float64(rejected))
	}
}

func (m *Metrics) RecordDirectoryRequest(endpoint string, err error) {
	if m == nil {
		return
	}
	m.directoryRequests.WithLabelValues(endpoint, statusOf(err)).Inc()
}

func (m *Metrics) RecordPositionEvent() {
	if m == nil {
		return
	}
	m.playbackEventsTotal.Inc()
}

func (m *Metrics) RecordActiveQuery(err error) {
	if m == nil {
		return
	}
	m.playbackQueriesTotal.WithLabelValues(statusOf(err)).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
