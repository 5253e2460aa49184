package models

import "time"

// IncidentReport is the narrative produced for one closed anomaly group.
type IncidentReport struct {
	GroupID           string      `json:"group_id"`
	Title             string      `json:"title"`
	Severity          Severity    `json:"severity"`
	IssueSummary      string      `json:"issue_summary"`
	RootCause         string      `json:"root_cause"`
	Impact            string      `json:"impact"`
	SuggestedActions  []string    `json:"suggested_actions"`
	AffectedResources []string    `json:"affected_resources"`
	Rules             []string    `json:"rules"`
	AnomalyCount      int         `json:"anomaly_count"`
	Confidence        float64     `json:"confidence"`
	Degraded          bool        `json:"degraded"`
	FailureReason     string      `json:"failure_reason,omitempty"`
	Stats             *GroupStats `json:"stats,omitempty"`
	FirstSeen         time.Time   `json:"first_seen"`
	LastSeen          time.Time   `json:"last_seen"`
	GeneratedAt       time.Time   `json:"generated_at"`
}

// StreamEvent is one element of a report stream: a report, or the terminal marker.
type StreamEvent struct {
	Report *IncidentReport `json:"report,omitempty"`
	Done   bool            `json:"done,omitempty"`
	Total  int             `json:"total,omitempty"`
	State  SessionState    `json:"state,omitempty"`
}
