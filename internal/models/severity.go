package models

import (
	"strconv"
	"strings"
)

// Severity captures the impact level a rule or incident is labelled with.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown labels rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known labels.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// ParseSeverity normalises a label case-insensitively. Unknown labels map to medium.
func ParseSeverity(value string) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(value)))
	if s.Valid() {
		return s
	}
	return SeverityMedium
}

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// LogSeverity is the ordered severity carried by a log event.
type LogSeverity int

const (
	LogSeverityDefault LogSeverity = iota
	LogSeverityDebug
	LogSeverityInfo
	LogSeverityWarning
	LogSeverityError
	LogSeverityCritical
	LogSeverityAlert
	LogSeverityEmergency
)

var logSeverityNames = [...]string{
	LogSeverityDefault:   "DEFAULT",
	LogSeverityDebug:     "DEBUG",
	LogSeverityInfo:      "INFO",
	LogSeverityWarning:   "WARNING",
	LogSeverityError:     "ERROR",
	LogSeverityCritical:  "CRITICAL",
	LogSeverityAlert:     "ALERT",
	LogSeverityEmergency: "EMERGENCY",
}

func (s LogSeverity) String() string {
	if s < 0 || int(s) >= len(logSeverityNames) {
		return logSeverityNames[LogSeverityDefault]
	}
	return logSeverityNames[s]
}

// MarshalText renders the severity name.
func (s LogSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts anything ParseLogSeverity accepts.
func (s *LogSeverity) UnmarshalText(text []byte) error {
	parsed, _ := ParseLogSeverity(string(text))
	*s = parsed
	return nil
}

// ParseLogSeverity maps names, syslog levels (0-7) and Cloud Logging numeric
// severities (100-800) onto LogSeverity. The bool is false for unrecognised input.
func ParseLogSeverity(value string) (LogSeverity, bool) {
	v := strings.ToUpper(strings.TrimSpace(value))
	switch v {
	case "DEBUG", "TRACE":
		return LogSeverityDebug, true
	case "INFO", "INFORMATIONAL", "NOTICE":
		return LogSeverityInfo, true
	case "WARNING", "WARN":
		return LogSeverityWarning, true
	case "ERROR", "ERR":
		return LogSeverityError, true
	case "CRITICAL", "CRIT", "FATAL":
		return LogSeverityCritical, true
	case "ALERT":
		return LogSeverityAlert, true
	case "EMERGENCY", "EMERG", "PANIC":
		return LogSeverityEmergency, true
	case "DEFAULT", "":
		return LogSeverityDefault, v == "DEFAULT"
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return LogSeverityDefault, false
	}
	return LogSeverityFromNumber(n)
}

// LogSeverityFromNumber maps syslog priorities and Cloud Logging severity numbers.
func LogSeverityFromNumber(n int) (LogSeverity, bool) {
	if n >= 0 && n <= 7 {
		return [...]LogSeverity{
			LogSeverityEmergency,
			LogSeverityAlert,
			LogSeverityCritical,
			LogSeverityError,
			LogSeverityWarning,
			LogSeverityInfo,
			LogSeverityInfo,
			LogSeverityDebug,
		}[n], true
	}
	switch {
	case n >= 800:
		return LogSeverityEmergency, true
	case n >= 700:
		return LogSeverityAlert, true
	case n >= 600:
		return LogSeverityCritical, true
	case n >= 500:
		return LogSeverityError, true
	case n >= 400:
		return LogSeverityWarning, true
	case n >= 200:
		return LogSeverityInfo, true
	case n >= 100:
		return LogSeverityDebug, true
	}
	return LogSeverityDefault, false
}
