package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertBulkExport        AlertType = "bulk_activity_export"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu  sync.Mutex
	now func() time.Time

	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	exports         []time.Time
	exportWindow    time.Duration
	exportThreshold int

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultExportWindow          = 5 * time.Minute
	defaultExportThreshold       = 10
)

func newMetricsCollector(alertFn AlertFunc, now func() time.Time) *metricsCollector {
	return &metricsCollector{
		now:             now,
		loginWindow:     defaultLoginFailureWindow,
		loginThreshold:  defaultLoginFailureThreshold,
		exportWindow:    defaultExportWindow,
		exportThreshold: defaultExportThreshold,
		alertFn:         alertFn,
	}
}

func (m *metricsCollector) recordLoginFailure() {
	if m == nil || m.alertFn == nil {
		return
	}
	m.observe(&m.loginFailures, m.loginWindow, m.loginThreshold,
		AlertLoginFailureSpike, "login failure rate exceeds threshold")
}

func (m *metricsCollector) recordExport() {
	if m == nil || m.alertFn == nil {
		return
	}
	m.observe(&m.exports, m.exportWindow, m.exportThreshold,
		AlertBulkExport, "activity export rate exceeds threshold")
}

func (m *metricsCollector) observe(events *[]time.Time, window time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	*events = trimWindow(append(*events, now), now, window)
	var alert *AlertEvent
	if len(*events) >= threshold {
		alert = &AlertEvent{Type: typ, Message: msg, Count: len(*events), Threshold: threshold, Timestamp: now}
		// Reset to avoid repeated alerts within the same spike.
		*events = (*events)[:0]
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// ---------------------------------------------------------------------------
// Prometheus
// ---------------------------------------------------------------------------

// promMetrics are the request-path counters exported on /metrics.
type promMetrics struct {
	logins          *prometheus.CounterVec
	guardRejections *prometheus.CounterVec
	quizSubmissions *prometheus.CounterVec
	resets          *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	m := &promMetrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gims",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		guardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gims",
			Name:      "guard_rejections_total",
			Help:      "Requests rejected by the access guard, by reason.",
		}, []string{"reason"}),
		quizSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gims",
			Name:      "quiz_submissions_total",
			Help:      "Graded quiz submissions by outcome.",
		}, []string{"outcome"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gims",
			Name:      "training_year_resets_total",
			Help:      "Training-year reset attempts by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.logins, m.guardRejections, m.quizSubmissions, m.resets)
	}
	return m
}
