package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels reports produced by the reasoning backend.
	OutcomeSuccess = "success"
	// OutcomeDegraded labels fallback reports produced after a generation failure.
	OutcomeDegraded = "degraded"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_logwatch",
			Name:      "events_total",
			Help:      "Total number of log events ingested, partitioned by mode.",
		},
		[]string{"mode"},
	)

	recordsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_logwatch",
			Name:      "records_skipped_total",
			Help:      "Malformed input records skipped during ingestion.",
		},
		[]string{"mode"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_logwatch",
			Name:      "anomalies_total",
			Help:      "Rule matches, partitioned by rule.",
		},
		[]string{"rule"},
	)

	groupsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_logwatch",
			Name:      "groups_closed_total",
			Help:      "Anomaly groups closed and submitted for report generation.",
		},
		[]string{"mode"},
	)

	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_logwatch",
			Name:      "reports_total",
			Help:      "Incident reports emitted, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	generationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_logwatch",
			Name:      "generation_seconds",
			Help:      "Report generation latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 45, 60},
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_logwatch",
			Name:      "sessions_total",
			Help:      "Finished sessions, partitioned by mode and final state.",
		},
		[]string{"mode", "state"},
	)

	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mirador_logwatch",
			Name:      "active_sessions",
			Help:      "Sessions currently running or draining.",
		},
		[]string{"mode"},
	)

	emailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_logwatch",
			Name:      "emails_total",
			Help:      "Report emails, partitioned by result (sent, suppressed, failed).",
		},
		[]string{"result"},
	)
)

// Register attaches mirador-logwatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsTotal,
		recordsSkippedTotal,
		anomaliesTotal,
		groupsClosedTotal,
		reportsTotal,
		generationDurationSeconds,
		sessionsTotal,
		activeSessions,
		emailsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// AddEvents counts ingested events and skipped records for a mode.
func AddEvents(mode string, events, skipped int) {
	if events > 0 {
		eventsTotal.WithLabelValues(mode).Add(float64(events))
	}
	if skipped > 0 {
		recordsSkippedTotal.WithLabelValues(mode).Add(float64(skipped))
	}
}

// IncAnomaly counts one rule match.
func IncAnomaly(rule string) {
	anomaliesTotal.WithLabelValues(rule).Inc()
}

// AddGroupsClosed counts closed anomaly groups.
func AddGroupsClosed(mode string, n int) {
	if n > 0 {
		groupsClosedTotal.WithLabelValues(mode).Add(float64(n))
	}
}

// ObserveGeneration records a generation duration and its outcome.
func ObserveGeneration(duration time.Duration, degraded bool) {
	label := OutcomeSuccess
	if degraded {
		label = OutcomeDegraded
	}
	reportsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	generationDurationSeconds.Observe(duration.Seconds())
}

// SessionStarted marks a session of mode as active.
func SessionStarted(mode string) {
	activeSessions.WithLabelValues(mode).Inc()
}

// SessionFinished records the final state of a session of mode.
func SessionFinished(mode, state string) {
	activeSessions.WithLabelValues(mode).Dec()
	sessionsTotal.WithLabelValues(mode, state).Inc()
}

// IncEmail counts a report email result.
func IncEmail(result string) {
	emailsTotal.WithLabelValues(result).Inc()
}
