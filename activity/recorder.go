package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Origin is the network origin of the request that caused an entry.
type Origin struct {
	IPAddress string
	UserAgent string
}

// Recorder appends entries as a side effect of primary operations. Its
// failures are logged and counted but never returned.
type Recorder struct {
	sink     Sink
	logger   *slog.Logger
	audit    *slog.Logger
	now      func() time.Time
	recorded *prometheus.CounterVec
	failures prometheus.Counter
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = l
	}
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithMetrics registers the recorder's counters with reg.
func WithMetrics(reg prometheus.Registerer) RecorderOption {
	return func(r *Recorder) {
		r.recorded = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gims",
			Name:      "activity_recorded_total",
			Help:      "Activity entries recorded, by action.",
		}, []string{"action"})
		r.failures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gims",
			Name:      "activity_record_failures_total",
			Help:      "Activity entries that could not be stored.",
		})
		reg.MustRegister(r.recorded, r.failures)
	}
}

// NewRecorder returns a Recorder writing to sink.
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{sink: sink, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.audit = r.logger.With("component", "audit")
	return r
}

// Record appends one entry for userID. It reports whether the entry was stored.
func (r *Recorder) Record(ctx context.Context, userID string, d Details, origin Origin) bool {
	e, err := NewEntry(userID, d, origin, r.now())
	if err == nil {
		err = r.sink.Append(ctx, e)
	}
	if err != nil {
		r.logger.Warn("recording activity failed",
			"error", err, "action", d.Action(), "user_id", userID)
		if r.failures != nil {
			r.failures.Inc()
		}
		return false
	}

	r.audit.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event", string(e.Action)),
		slog.String("user_id", userID),
		slog.String("remote_addr", origin.IPAddress),
		slog.String("entry_id", e.ID),
	)
	if r.recorded != nil {
		r.recorded.WithLabelValues(string(e.Action)).Inc()
	}
	return true
}
