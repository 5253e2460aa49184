package models

import (
	"sort"
	"time"
)

// Anomaly records one rule matching one event.
type Anomaly struct {
	RuleName string
	Severity Severity
	Event    LogEvent
	// MatchedAt is the event timestamp, or ingestion time when the event had none.
	MatchedAt time.Time
}

// GroupKey is the clustering key for anomalies.
type GroupKey struct {
	ResourceType string
	Tier         Severity
	Bucket       string
}

func (k GroupKey) String() string {
	s := k.ResourceType + "/" + string(k.Tier)
	if k.Bucket != "" {
		s += "/" + k.Bucket
	}
	return s
}

// AnomalyGroup is a cluster of related anomalies, the unit of report generation.
type AnomalyGroup struct {
	ID        string
	Key       GroupKey
	Closed    bool
	Members   []Anomaly
	FirstSeen time.Time
	LastSeen  time.Time
	Severity  Severity
}

// Add appends a member and updates the time bounds and severity.
func (g *AnomalyGroup) Add(a Anomaly) {
	if len(g.Members) == 0 || a.MatchedAt.Before(g.FirstSeen) {
		g.FirstSeen = a.MatchedAt
	}
	if a.MatchedAt.After(g.LastSeen) {
		g.LastSeen = a.MatchedAt
	}
	g.Severity = MaxSeverity(g.Severity, a.Severity)
	g.Members = append(g.Members, a)
}

// Span is LastSeen minus FirstSeen.
func (g *AnomalyGroup) Span() time.Duration {
	return g.LastSeen.Sub(g.FirstSeen)
}

// RuleNames returns the distinct rule names in the group, sorted.
func (g *AnomalyGroup) RuleNames() []string {
	seen := make(map[string]struct{})
	names := make([]string, 0, 2)
	for _, m := range g.Members {
		if _, ok := seen[m.RuleName]; ok {
			continue
		}
		seen[m.RuleName] = struct{}{}
		names = append(names, m.RuleName)
	}
	sort.Strings(names)
	return names
}

// Resources returns the distinct resource types, with resource labels when present.
func (g *AnomalyGroup) Resources() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 1)
	for _, m := range g.Members {
		name := m.Event.ResourceType
		if labels, ok := m.Event.Field("resource_labels"); ok {
			if lm, ok := labels.(map[string]any); ok {
				for _, key := range []string{"instance_id", "service_name", "cluster_name", "function_name", "pod_name"} {
					if v, ok := lm[key].(string); ok && v != "" {
						name += ":" + v
						break
					}
				}
			}
		}
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
