package patterns

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

var exhaustionKeywords = []string{
	"out of memory", "memory exhausted", "disk full", "no space left",
	"connection pool exhausted", "too many connections", "resource limit",
	"quota exceeded", "rate limit exceeded",
}

// StatsConfig holds the thresholds of the statistical signals.
type StatsConfig struct {
	ErrorRateThreshold  float64
	LatencyThresholdMs  float64
	MinLatencySamples   int
	VolumeSpikeFactor   float64
	RepeatWindow        time.Duration
	MinRepeats          int
	MinExhaustionEvents int
}

// DefaultStatsConfig returns the stock thresholds.
func DefaultStatsConfig() StatsConfig {
	return StatsConfig{
		ErrorRateThreshold:  0.05,
		LatencyThresholdMs:  5000,
		MinLatencySamples:   10,
		VolumeSpikeFactor:   3,
		RepeatWindow:        5 * time.Minute,
		MinRepeats:          5,
		MinExhaustionEvents: 3,
	}
}

func (c StatsConfig) withDefaults() StatsConfig {
	d := DefaultStatsConfig()
	if c.ErrorRateThreshold <= 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if c.LatencyThresholdMs <= 0 {
		c.LatencyThresholdMs = d.LatencyThresholdMs
	}
	if c.MinLatencySamples <= 0 {
		c.MinLatencySamples = d.MinLatencySamples
	}
	if c.VolumeSpikeFactor <= 0 {
		c.VolumeSpikeFactor = d.VolumeSpikeFactor
	}
	if c.RepeatWindow <= 0 {
		c.RepeatWindow = d.RepeatWindow
	}
	if c.MinRepeats <= 0 {
		c.MinRepeats = d.MinRepeats
	}
	if c.MinExhaustionEvents <= 0 {
		c.MinExhaustionEvents = d.MinExhaustionEvents
	}
	return c
}

// Analyzer computes GroupStats for closed groups. It is stateless.
type Analyzer struct {
	cfg StatsConfig
}

// NewAnalyzer applies defaults to zero thresholds.
func NewAnalyzer(cfg StatsConfig) *Analyzer {
	return &Analyzer{cfg: cfg.withDefaults()}
}

// Analyze summarises the group's members and raises the statistical signals
// whose thresholds they cross. Signals are ordered by kind.
func (a *Analyzer) Analyze(group *models.AnomalyGroup) models.GroupStats {
	stats := models.GroupStats{SeverityCounts: make(map[string]int)}
	if group == nil || len(group.Members) == 0 {
		return stats
	}

	perMinute := make(map[int64]int)
	var (
		latencies  []float64
		exhaustion int
	)
	for _, m := range group.Members {
		ev := m.Event
		stats.Events++
		stats.SeverityCounts[ev.Severity.String()]++
		if ev.Severity >= models.LogSeverityError {
			stats.ErrorEvents++
		}
		perMinute[m.MatchedAt.Unix()/60]++
		if v, ok := ev.Field("latency_ms"); ok {
			if ms, ok := toFloat(v); ok && ms >= 0 {
				latencies = append(latencies, ms)
			}
		}
		if mentionsExhaustion(ev.Message) {
			exhaustion++
		}
	}

	stats.ErrorRate = float64(stats.ErrorEvents) / float64(stats.Events)
	minutes := math.Max(1, group.Span().Minutes())
	stats.EventsPerMinute = float64(stats.Events) / minutes
	for _, n := range perMinute {
		if n > stats.PeakMinuteEvents {
			stats.PeakMinuteEvents = n
		}
	}
	stats.Latency = summariseLatency(latencies)
	stats.RepeatedErrors = a.repeatedErrors(group)

	if stats.ErrorRate > a.cfg.ErrorRateThreshold {
		sev := models.SeverityMedium
		if stats.ErrorRate > 0.2 {
			sev = models.SeverityHigh
		}
		stats.Signals = append(stats.Signals, models.StatSignal{
			Kind:        models.SignalErrorRate,
			Severity:    sev,
			Confidence:  math.Min(stats.ErrorRate/a.cfg.ErrorRateThreshold, 1),
			Description: fmt.Sprintf("error rate %.0f%% (threshold %.0f%%)", stats.ErrorRate*100, a.cfg.ErrorRateThreshold*100),
		})
	}
	if l := stats.Latency; l != nil && l.Samples >= a.cfg.MinLatencySamples && l.P95Ms > a.cfg.LatencyThresholdMs {
		sev := models.SeverityMedium
		if l.P95Ms > 2*a.cfg.LatencyThresholdMs {
			sev = models.SeverityHigh
		}
		stats.Signals = append(stats.Signals, models.StatSignal{
			Kind:        models.SignalLatency,
			Severity:    sev,
			Confidence:  math.Min(l.P95Ms/a.cfg.LatencyThresholdMs, 1),
			Description: fmt.Sprintf("p95 latency %.0fms over %d samples (threshold %.0fms)", l.P95Ms, l.Samples, a.cfg.LatencyThresholdMs),
		})
	}
	if ratio := float64(stats.PeakMinuteEvents) / stats.EventsPerMinute; ratio > a.cfg.VolumeSpikeFactor {
		sev := models.SeverityMedium
		if ratio > 5 {
			sev = models.SeverityHigh
		}
		stats.Signals = append(stats.Signals, models.StatSignal{
			Kind:        models.SignalVolume,
			Severity:    sev,
			Confidence:  math.Min(ratio/a.cfg.VolumeSpikeFactor, 1),
			Description: fmt.Sprintf("peak minute carried %d events, %.1fx the group average", stats.PeakMinuteEvents, ratio),
		})
	}
	if len(stats.RepeatedErrors) > 0 {
		top := stats.RepeatedErrors[0]
		stats.Signals = append(stats.Signals, models.StatSignal{
			Kind:        models.SignalRepeatedErrors,
			Severity:    top.Severity,
			Confidence:  math.Min(float64(len(stats.RepeatedErrors))/3, 1),
			Description: fmt.Sprintf("%q repeated %d times within %s", top.Template, top.Count, a.cfg.RepeatWindow),
		})
	}
	if exhaustion >= a.cfg.MinExhaustionEvents {
		stats.Signals = append(stats.Signals, models.StatSignal{
			Kind:        models.SignalResourceExhaustion,
			Severity:    models.SeverityHigh,
			Confidence:  math.Min(float64(exhaustion)/10, 1),
			Description: fmt.Sprintf("%d resource exhaustion indicators", exhaustion),
		})
	}
	return stats
}

// repeatedErrors counts error templates per fixed window and keeps those
// reaching MinRepeats, most frequent first.
func (a *Analyzer) repeatedErrors(group *models.AnomalyGroup) []models.RepeatedError {
	type bucket struct {
		window   int64
		template string
	}
	window := int64(a.cfg.RepeatWindow / time.Second)
	counts := make(map[bucket]int)
	for _, m := range group.Members {
		if m.Event.Severity < models.LogSeverityError {
			continue
		}
		tpl := Template(m.Event.Message)
		if tpl == "" {
			continue
		}
		counts[bucket{window: m.MatchedAt.Unix() / window, template: tpl}]++
	}

	best := make(map[string]int)
	for b, n := range counts {
		if n >= a.cfg.MinRepeats && n > best[b.template] {
			best[b.template] = n
		}
	}
	out := make([]models.RepeatedError, 0, len(best))
	for tpl, n := range best {
		sev := models.SeverityMedium
		if n >= 2*a.cfg.MinRepeats {
			sev = models.SeverityHigh
		}
		out = append(out, models.RepeatedError{Template: tpl, Count: n, Severity: sev})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Template < out[j].Template
	})
	return out
}

func summariseLatency(samples []float64) *models.LatencySummary {
	if len(samples) == 0 {
		return nil
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return &models.LatencySummary{
		Samples: len(sorted),
		AvgMs:   sum / float64(len(sorted)),
		P50Ms:   Percentile(sorted, 0.50),
		P95Ms:   Percentile(sorted, 0.95),
		P99Ms:   Percentile(sorted, 0.99),
		MaxMs:   sorted[len(sorted)-1],
	}
}

// Percentile interpolates linearly between the closest ranks of sorted.
func Percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	w := idx - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

func mentionsExhaustion(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range exhaustionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
