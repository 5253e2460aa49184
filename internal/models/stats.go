package models

// GroupStats summarises the members of an anomaly group.
type GroupStats struct {
	Events           int             `json:"events"`
	ErrorEvents      int             `json:"error_events"`
	ErrorRate        float64         `json:"error_rate"`
	SeverityCounts   map[string]int  `json:"severity_distribution"`
	EventsPerMinute  float64         `json:"events_per_minute"`
	PeakMinuteEvents int             `json:"peak_minute_events"`
	Latency          *LatencySummary `json:"latency,omitempty"`
	RepeatedErrors   []RepeatedError `json:"repeated_errors,omitempty"`
	Signals          []StatSignal    `json:"signals,omitempty"`
}

// LatencySummary holds latency_ms percentiles of a group.
type LatencySummary struct {
	Samples int     `json:"samples"`
	AvgMs   float64 `json:"avg_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// RepeatedError is one error template seen repeatedly within a short window.
type RepeatedError struct {
	Template string   `json:"template"`
	Count    int      `json:"count"`
	Severity Severity `json:"severity"`
}

// Kinds of StatSignal.
const (
	SignalErrorRate          = "error_rate_spike"
	SignalLatency            = "latency_spike"
	SignalVolume             = "volume_spike"
	SignalRepeatedErrors     = "repeated_errors"
	SignalResourceExhaustion = "resource_exhaustion"
)

// StatSignal is a statistical detection raised over a group.
type StatSignal struct {
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Description string   `json:"description"`
}
