package models

import (
	"strings"
	"time"
)

// RawLog is a single undecoded payload handed over by a log source.
type RawLog map[string]any

// LogEvent is one normalised log record. Events are immutable once built.
type LogEvent struct {
	Severity     LogSeverity
	Message      string
	ResourceType string
	Timestamp    time.Time
	// Index is the position of the record in its source stream.
	Index  int64
	fields map[string]any
}

// NewLogEvent copies fields so later mutation of the caller's map is not observed.
func NewLogEvent(severity LogSeverity, message, resourceType string, ts time.Time, fields map[string]any) LogEvent {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return LogEvent{
		Severity:     severity,
		Message:      message,
		ResourceType: resourceType,
		Timestamp:    ts,
		fields:       copied,
	}
}

// WithIndex returns a copy of e positioned at idx.
func (e LogEvent) WithIndex(idx int64) LogEvent {
	e.Index = idx
	return e
}

// Fields returns a copy of the open field map.
func (e LogEvent) Fields() map[string]any {
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// Field resolves a core field or a dotted path into the open field map.
func (e LogEvent) Field(path string) (any, bool) {
	switch strings.ToLower(path) {
	case "severity":
		return e.Severity, true
	case "message", "msg":
		return e.Message, true
	case "resource_type", "resource.type":
		if e.ResourceType == "" {
			return nil, false
		}
		return e.ResourceType, true
	case "timestamp":
		if e.Timestamp.IsZero() {
			return nil, false
		}
		return e.Timestamp, true
	}
	if v, ok := e.fields[path]; ok {
		return v, v != nil
	}
	parts := strings.Split(path, ".")
	var current any = e.fields
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}
