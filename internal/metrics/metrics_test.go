package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_StreamLifecycle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.StreamStarted()
	m.StreamStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CompletionsInFlight))

	m.StreamFinished("gpt-4o-mini", "complete", 2*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionsTotal.WithLabelValues("gpt-4o-mini", "complete")))

	m.RecordEnvelope("answer")
	m.RecordEnvelope("answer")
	m.RecordHeartbeat()
	m.RecordRejected("invalid_body")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EnvelopesTotal.WithLabelValues("answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedRequestsTotal.WithLabelValues("invalid_body")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StreamStarted()
		m.StreamFinished("x", "error", time.Second)
		m.RecordEnvelope("done")
		m.RecordHeartbeat()
		m.RecordRejected("x")
	})
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
