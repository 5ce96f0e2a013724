package api

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (s *alertSink) record(e AlertEvent) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *alertSink) all() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.events...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	clock := newFakeClock()
	c := newMetricsCollector(sink.record, clock.Now)
	c.loginThreshold = 5

	for i := 0; i < 4; i++ {
		c.recordLoginFailure()
	}
	assert.Empty(t, sink.all())

	c.recordLoginFailure()
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, clock.Now(), alerts[0].Timestamp)

	// The window restarts after an alert.
	c.recordLoginFailure()
	assert.Len(t, sink.all(), 1)
}

func TestLoginFailuresOutsideWindowExpire(t *testing.T) {
	sink := &alertSink{}
	clock := newFakeClock()
	c := newMetricsCollector(sink.record, clock.Now)
	c.loginThreshold = 3

	c.recordLoginFailure()
	c.recordLoginFailure()
	clock.Advance(defaultLoginFailureWindow + time.Second)
	c.recordLoginFailure()

	assert.Empty(t, sink.all())
}

func TestBulkExportAlert(t *testing.T) {
	sink := &alertSink{}
	c := newMetricsCollector(sink.record, newFakeClock().Now)
	c.exportThreshold = 2

	c.recordExport()
	c.recordExport()

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBulkExport, alerts[0].Type)
	assert.Equal(t, 2, alerts[0].Threshold)
}

func TestMetricsCollectorWithoutCallback(t *testing.T) {
	var c *metricsCollector
	assert.NotPanics(t, func() { c.recordLoginFailure() })

	c = newMetricsCollector(nil, time.Now)
	assert.NotPanics(t, func() { c.recordExport() })
}

func TestPromMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newPromMetrics(reg)
	m.logins.WithLabelValues("success").Inc()
	m.guardRejections.WithLabelValues(string(rejectMissingToken)).Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.logins.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.guardRejections.WithLabelValues(string(rejectMissingToken))))

	n, err := testutil.GatherAndCount(reg, "gims_logins_total", "gims_guard_rejections_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Unregistered metrics still count.
	assert.NotPanics(t, func() { newPromMetrics(nil).resets.WithLabelValues("ok").Inc() })
}
