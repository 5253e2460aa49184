package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC3339 variants and epoch seconds, milliseconds or nanoseconds.
func ParseTimestamp(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty time value")
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f), nil
		}
		return time.Time{}, fmt.Errorf("parse time %q: unsupported format", s)
	case float64:
		return fromEpoch(v), nil
	case int64:
		return fromEpoch(float64(v)), nil
	case int:
		return fromEpoch(float64(v)), nil
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time: %w", err)
		}
		return fromEpoch(f), nil
	}
	return time.Time{}, fmt.Errorf("parse time: unsupported type %T", value)
}

func fromEpoch(f float64) time.Time {
	switch {
	case f > 1e17:
		return time.Unix(0, int64(f)).UTC()
	case f > 1e11:
		return time.UnixMilli(int64(f)).UTC()
	default:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
}

// ParseDurationString accepts Go durations and the "0.350s" form used by HTTP request logs.
func ParseDurationString(value string) (time.Duration, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}
