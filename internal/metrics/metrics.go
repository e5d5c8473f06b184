// Package metrics provides Prometheus metrics for udprelay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "udprelay"
)

// Direction labels for traffic metrics.
const (
	DirClientToUpstream = "client_to_upstream"
	DirUpstreamToClient = "upstream_to_client"
)

// Drop reason labels.
const (
	DropSendError    = "send_error"
	DropReceiveError = "receive_error"
	DropSessionLimit = "session_limit"
	DropSessionRate  = "session_rate"
	DropDialError    = "dial_error"
	DropSessionClosed = "session_closed"
	DropOversized     = "oversized"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionsReject  *prometheus.CounterVec

	// Traffic metrics
	DatagramsForwarded *prometheus.CounterVec
	BytesForwarded     *prometheus.CounterVec
	DatagramsDropped   *prometheus.CounterVec

	// Sweep metrics
	SweepDuration prometheus.Histogram
	SweepsTotal   prometheus.Counter

	// Supervisor metrics
	WatchdogNotifications prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active proxy sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions removed by the idle sweeper",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed for any reason",
		}),
		SessionsReject: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Total sessions rejected by reason",
		}, []string{"reason"}),

		DatagramsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_forwarded_total",
			Help:      "Total datagrams forwarded by direction",
		}, []string{"direction"}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total payload bytes forwarded by direction",
		}, []string{"direction"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total datagrams dropped by reason",
		}, []string{"reason"}),

		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Histogram of idle sweep duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		SweepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Total idle sweep cycles executed",
		}),

		WatchdogNotifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_notifications_total",
			Help:      "Total watchdog keep-alive notifications sent to the supervisor",
		}),
	}

	return m
}

// RecordSessionCreate records a new session.
func (m *Metrics) RecordSessionCreate() {
	m.SessionsActive.Inc()
	m.SessionsCreated.Inc()
}

// RecordSessionClose records a session closed for any reason.
func (m *Metrics) RecordSessionClose(expired bool) {
	m.SessionsActive.Dec()
	m.SessionsClosed.Inc()
	if expired {
		m.SessionsExpired.Inc()
	}
}

// RecordSessionReject records a session rejected before creation.
func (m *Metrics) RecordSessionReject(reason string) {
	m.SessionsReject.WithLabelValues(reason).Inc()
}

// RecordForward records a forwarded datagram.
func (m *Metrics) RecordForward(direction string, bytes int) {
	m.DatagramsForwarded.WithLabelValues(direction).Inc()
	m.BytesForwarded.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDrop records a dropped datagram.
func (m *Metrics) RecordDrop(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordSweep records a completed sweep cycle.
func (m *Metrics) RecordSweep(durationSeconds float64) {
	m.SweepsTotal.Inc()
	m.SweepDuration.Observe(durationSeconds)
}

// RecordWatchdog records a watchdog notification.
func (m *Metrics) RecordWatchdog() {
	m.WatchdogNotifications.Inc()
}
