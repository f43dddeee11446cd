// Package metrics exposes the Prometheus instrumentation surface for
// wsintercept, satisfying the wsproxy package's PipeMetrics and
// SessionMetrics interfaces so the Frame Pipe and handler dispatch can
// report through it without importing Prometheus themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mockwire/wsintercept/internal/wsproxy"
)

// Metrics holds all Prometheus metrics for wsintercept.
type Metrics struct {
	FramesForwardedTotal *prometheus.CounterVec
	FramesDroppedTotal   *prometheus.CounterVec
	ClosesForwardedTotal *prometheus.CounterVec
	SessionsOpenedTotal  *prometheus.CounterVec
	SessionsFaultedTotal *prometheus.CounterVec
	ActiveSessions       prometheus.Gauge
	DialFailuresTotal    prometheus.Counter
	DialDuration         prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		FramesForwardedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsintercept_frames_forwarded_total",
			Help: "Total WebSocket frames relayed by the frame pipe",
		}, []string{"direction"}),
		FramesDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsintercept_frames_dropped_total",
			Help: "Total WebSocket frames dropped because the destination was not open",
		}, []string{"direction"}),
		ClosesForwardedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsintercept_closes_forwarded_total",
			Help: "Total close frames forwarded, by whether the close code was valid",
		}, []string{"valid"}),
		SessionsOpenedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsintercept_sessions_opened_total",
			Help: "Total sessions dispatched, by handler variant",
		}, []string{"variant"}),
		SessionsFaultedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wsintercept_sessions_faulted_total",
			Help: "Total sessions that ended in an error, by handler variant",
		}, []string{"variant"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wsintercept_active_sessions",
			Help: "Current number of open WebSocket sessions",
		}),
		DialFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wsintercept_dial_failures_total",
			Help: "Total upstream dial failures",
		}),
		DialDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsintercept_dial_duration_seconds",
			Help:    "Upstream dial latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// FrameForwarded implements wsproxy.PipeMetrics.
func (m *Metrics) FrameForwarded(direction string) { m.FramesForwardedTotal.WithLabelValues(direction).Inc() }

// FrameDropped implements wsproxy.PipeMetrics.
func (m *Metrics) FrameDropped(direction string) { m.FramesDroppedTotal.WithLabelValues(direction).Inc() }

// CloseForwarded implements wsproxy.PipeMetrics.
func (m *Metrics) CloseForwarded(valid bool) {
	label := "false"
	if valid {
		label = "true"
	}
	m.ClosesForwardedTotal.WithLabelValues(label).Inc()
}

// SessionOpened implements wsproxy.SessionMetrics.
func (m *Metrics) SessionOpened(variant wsproxy.HandlerVariantTag) {
	m.SessionsOpenedTotal.WithLabelValues(string(variant)).Inc()
	m.ActiveSessions.Inc()
}

// SessionFaulted implements wsproxy.SessionMetrics.
func (m *Metrics) SessionFaulted(variant wsproxy.HandlerVariantTag, reason string) {
	m.SessionsFaultedTotal.WithLabelValues(string(variant)).Inc()
	m.ActiveSessions.Dec()
}

// DialFailed records an upstream dial failure.
func (m *Metrics) DialFailed() { m.DialFailuresTotal.Inc() }
