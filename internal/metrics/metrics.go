// Package metrics provides Prometheus metrics for the completion server
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for completion streams. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Completion stream metrics
	CompletionsTotal    *prometheus.CounterVec
	CompletionsInFlight prometheus.Gauge
	StreamDuration      *prometheus.HistogramVec

	// Wire metrics
	EnvelopesTotal  *prometheus.CounterVec
	HeartbeatsTotal prometheus.Counter

	// Request validation
	RejectedRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.CompletionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_completions_total",
			Help: "Total number of completion streams by final status",
		},
		[]string{"mode", "status"},
	)

	m.CompletionsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_completions_in_flight",
			Help: "Number of completion streams currently open",
		},
	)

	m.StreamDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_stream_duration_seconds",
			Help:    "Duration of completion streams in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	m.EnvelopesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_envelopes_total",
			Help: "Total number of envelopes written to streams",
		},
		[]string{"type"},
	)

	m.HeartbeatsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_heartbeats_total",
			Help: "Total number of heartbeat comments written",
		},
	)

	m.RejectedRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_rejected_requests_total",
			Help: "Total number of completion requests rejected before streaming",
		},
		[]string{"reason"},
	)

	return m
}

// StreamStarted marks a new open stream
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.CompletionsInFlight.Inc()
}

// StreamFinished records the final status of a stream and closes it
func (m *Metrics) StreamFinished(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CompletionsInFlight.Dec()
	m.CompletionsTotal.WithLabelValues(mode, status).Inc()
	m.StreamDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordEnvelope counts one written envelope
func (m *Metrics) RecordEnvelope(eventType string) {
	if m == nil {
		return
	}
	m.EnvelopesTotal.WithLabelValues(eventType).Inc()
}

// RecordHeartbeat counts one written heartbeat
func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.Inc()
}

// RecordRejected counts a request refused before any stream was opened
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedRequestsTotal.WithLabelValues(reason).Inc()
}
