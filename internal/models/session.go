package models

import (
	"fmt"
	"strings"
	"time"
)

// Mode distinguishes live monitoring from replay of uploaded logs.
type Mode string

const (
	ModeLive       Mode = "live"
	ModeSimulation Mode = "simulation"
)

// ParseMode validates a mode name.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeLive:
		return ModeLive, nil
	case ModeSimulation:
		return ModeSimulation, nil
	}
	return "", fmt.Errorf("unknown mode %q", value)
}

// SessionState is the lifecycle state of a pipeline session.
type SessionState string

const (
	SessionCreated   SessionState = "CREATED"
	SessionRunning   SessionState = "RUNNING"
	SessionDraining  SessionState = "DRAINING"
	SessionCompleted SessionState = "COMPLETED"
	SessionAborted   SessionState = "ABORTED"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted
}

// SessionStats are the per-session counters exposed to callers.
type SessionStats struct {
	EventsIngested   int64 `json:"events_ingested"`
	RecordsSkipped   int64 `json:"records_skipped"`
	Anomalies        int64 `json:"anomalies"`
	GroupsClosed     int64 `json:"groups_closed"`
	ReportsGenerated int64 `json:"reports_generated"`
	ReportsDegraded  int64 `json:"reports_degraded"`
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID          string       `json:"id"`
	Mode        Mode         `json:"mode"`
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
	ReportCount int          `json:"report_count"`
	AbortReason string       `json:"abort_reason,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	Stats       SessionStats `json:"stats"`
}
