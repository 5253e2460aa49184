package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// Normalize converts a Cloud Logging style payload into a LogEvent. It never
// fails: missing pieces fall back to the ingestion time, DEFAULT severity
// and the compact JSON of the payload as message.
func Normalize(raw models.RawLog, fallback time.Time) models.LogEvent {
	jsonPayload, _ := raw["jsonPayload"].(map[string]any)
	protoPayload, _ := raw["protoPayload"].(map[string]any)
	resource, _ := raw["resource"].(map[string]any)

	ts := fallback
	for _, candidate := range []any{raw["timestamp"], jsonPayload["timestamp"], jsonPayload["time"], raw["time"], raw["receiveTimestamp"]} {
		if candidate == nil {
			continue
		}
		if parsed, err := utils.ParseTimestamp(candidate); err == nil {
			ts = parsed
			break
		}
	}

	severity := models.LogSeverityDefault
	for _, candidate := range []any{raw["severity"], jsonPayload["severity"], jsonPayload["level"], raw["level"], jsonPayload["priority"]} {
		if sev, ok := severityOf(candidate); ok {
			severity = sev
			break
		}
	}

	message := firstString(raw["message"], raw["textPayload"], jsonPayload["message"], jsonPayload["msg"],
		jsonPayload["log"], jsonPayload["event"], protoPayload["methodName"])
	if message == "" {
		if data, err := json.Marshal(raw); err == nil {
			message = string(data)
		}
	}

	resourceType := firstString(resource["type"], raw["resource_type"])

	fields := make(map[string]any, len(raw)+len(jsonPayload)+2)
	for k, v := range raw {
		switch k {
		case "jsonPayload", "resource":
			continue
		case "httpRequest":
			fields["http_request"] = v
			continue
		}
		fields[k] = v
	}
	for k, v := range jsonPayload {
		if _, exists := fields[k]; !exists {
			fields[k] = v
		}
	}
	if resource != nil {
		if labels, ok := resource["labels"].(map[string]any); ok {
			fields["resource_labels"] = labels
		}
	}
	if trace := firstString(raw["trace"], jsonPayload["logging.googleapis.com/trace"]); trace != "" {
		fields["trace"] = trace
	}
	if span := firstString(raw["spanId"], jsonPayload["logging.googleapis.com/spanId"]); span != "" {
		fields["span_id"] = span
	}
	if _, ok := fields["latency_ms"]; !ok {
		if ms, ok := requestLatencyMillis(fields["http_request"]); ok {
			fields["latency_ms"] = ms
		}
	}

	return models.NewLogEvent(severity, message, resourceType, ts, fields)
}

func severityOf(v any) (models.LogSeverity, bool) {
	switch s := v.(type) {
	case nil:
		return models.LogSeverityDefault, false
	case string:
		return models.ParseLogSeverity(s)
	case float64:
		return models.LogSeverityFromNumber(int(s))
	case int:
		return models.LogSeverityFromNumber(s)
	case json.Number:
		n, err := strconv.Atoi(s.String())
		if err != nil {
			return models.LogSeverityDefault, false
		}
		return models.LogSeverityFromNumber(n)
	}
	return models.LogSeverityDefault, false
}

func requestLatencyMillis(v any) (float64, bool) {
	req, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	latency, ok := req["latency"].(string)
	if !ok {
		return 0, false
	}
	d, err := utils.ParseDurationString(latency)
	if err != nil {
		return 0, false
	}
	return float64(d) / float64(time.Millisecond), true
}

func firstString(values ...any) string {
	for _, v := range values {
		switch s := v.(type) {
		case string:
			if strings.TrimSpace(s) != "" {
				return s
			}
		case float64, bool, json.Number:
			return fmt.Sprint(s)
		}
	}
	return ""
}
