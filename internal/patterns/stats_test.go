package patterns

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

var statsBase = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func addMember(g *models.AnomalyGroup, sev models.LogSeverity, msg string, at time.Time, fields map[string]any) {
	ev := models.NewLogEvent(sev, msg, "gce_instance", at, fields)
	g.Add(models.Anomaly{RuleName: "r", Severity: models.SeverityHigh, Event: ev, MatchedAt: at})
}

func signalKinds(stats models.GroupStats) []string {
	kinds := make([]string, 0, len(stats.Signals))
	for _, s := range stats.Signals {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func TestAnalyzeExhaustedConnectionPool(t *testing.T) {
	group := &models.AnomalyGroup{}
	for i := 0; i < 12; i++ {
		addMember(group, models.LogSeverityError,
			fmt.Sprintf("connection pool exhausted after %d retries", i),
			statsBase.Add(time.Duration(i)*2*time.Second),
			map[string]any{"latency_ms": float64(1000 * (i + 1))})
	}

	stats := NewAnalyzer(StatsConfig{}).Analyze(group)
	if stats.Events != 12 || stats.ErrorEvents != 12 || stats.ErrorRate != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.SeverityCounts["ERROR"] != 12 {
		t.Fatalf("unexpected severity distribution %v", stats.SeverityCounts)
	}
	if stats.PeakMinuteEvents != 12 || stats.EventsPerMinute != 12 {
		t.Fatalf("unexpected volume: peak %d rate %v", stats.PeakMinuteEvents, stats.EventsPerMinute)
	}

	l := stats.Latency
	if l == nil || l.Samples != 12 || l.P50Ms != 6500 || l.MaxMs != 12000 || l.AvgMs != 6500 {
		t.Fatalf("unexpected latency summary %+v", l)
	}
	if math.Abs(l.P95Ms-11450) > 1e-9 {
		t.Fatalf("unexpected p95 %v", l.P95Ms)
	}

	if len(stats.RepeatedErrors) != 1 {
		t.Fatalf("expected one repeated error, got %+v", stats.RepeatedErrors)
	}
	rep := stats.RepeatedErrors[0]
	if rep.Template != "connection pool exhausted after <num> retries" || rep.Count != 12 || rep.Severity != models.SeverityHigh {
		t.Fatalf("unexpected repeated error %+v", rep)
	}

	want := []string{models.SignalErrorRate, models.SignalLatency, models.SignalRepeatedErrors, models.SignalResourceExhaustion}
	got := signalKinds(stats)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	if stats.Signals[1].Severity != models.SeverityHigh {
		t.Fatalf("p95 above twice the threshold should be high: %+v", stats.Signals[1])
	}
}

func TestAnalyzeQuietGroupRaisesNoSignals(t *testing.T) {
	group := &models.AnomalyGroup{}
	addMember(group, models.LogSeverityWarning, "slow response", statsBase, nil)
	addMember(group, models.LogSeverityWarning, "slow response", statsBase.Add(time.Second), nil)

	stats := NewAnalyzer(StatsConfig{}).Analyze(group)
	if stats.ErrorRate != 0 || stats.Latency != nil || len(stats.RepeatedErrors) != 0 || len(stats.Signals) != 0 {
		t.Fatalf("expected a quiet summary, got %+v", stats)
	}
}

func TestAnalyzeVolumeSpike(t *testing.T) {
	group := &models.AnomalyGroup{}
	for i := 0; i < 10; i++ {
		addMember(group, models.LogSeverityWarning, "burst", statsBase.Add(time.Duration(i)*time.Second), nil)
	}
	addMember(group, models.LogSeverityWarning, "burst", statsBase.Add(10*time.Minute), nil)

	stats := NewAnalyzer(StatsConfig{}).Analyze(group)
	kinds := signalKinds(stats)
	if len(kinds) != 1 || kinds[0] != models.SignalVolume {
		t.Fatalf("expected only a volume spike, got %v", kinds)
	}
	if stats.Signals[0].Severity != models.SeverityHigh || stats.PeakMinuteEvents != 10 {
		t.Fatalf("unexpected volume signal %+v", stats.Signals[0])
	}
}

func TestAnalyzeEmptyGroup(t *testing.T) {
	stats := NewAnalyzer(StatsConfig{}).Analyze(&models.AnomalyGroup{})
	if stats.Events != 0 || len(stats.Signals) != 0 {
		t.Fatalf("unexpected stats for empty group: %+v", stats)
	}
}

func TestPercentileInterpolates(t *testing.T) {
	data := []float64{10, 20, 30, 40}
	cases := map[float64]float64{0: 10, 0.5: 25, 1: 40, 0.25: 17.5}
	for q, want := range cases {
		if got := Percentile(data, q); math.Abs(got-want) > 1e-9 {
			t.Fatalf("Percentile(%v) = %v, want %v", q, got, want)
		}
	}
	if Percentile(nil, 0.5) != 0 {
		t.Fatal("expected zero for empty input")
	}
}
