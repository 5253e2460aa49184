package engine

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/rules"
)

func loadBundledRules(t *testing.T) *rules.Store {
	t.Helper()
	store, err := rules.LoadDir(filepath.Join("..", "..", "configs", "rules"), nil)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	if len(store.Errors()) > 0 {
		t.Fatalf("bundled rules failed to compile: %v", store.Errors())
	}
	return store
}

func TestEvaluateInfrastructureIssueYieldsSingleAnomaly(t *testing.T) {
	engine := NewRuleEngine(loadBundledRules(t), nil)
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	event := models.NewLogEvent(models.LogSeverityError, "connection refused", "gce_instance", ts, nil)

	anomalies := engine.Evaluate(event)
	if len(anomalies) != 1 {
		t.Fatalf("expected exactly one anomaly, got %d: %+v", len(anomalies), anomalies)
	}
	got := anomalies[0]
	if got.RuleName != "infrastructure_issue" {
		t.Fatalf("unexpected rule %q", got.RuleName)
	}
	if got.Severity != models.SeverityHigh {
		t.Fatalf("unexpected severity %q", got.Severity)
	}
	if !got.MatchedAt.Equal(ts) {
		t.Fatalf("expected matched_at %v, got %v", ts, got.MatchedAt)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := NewRuleEngine(loadBundledRules(t), nil)
	event := models.NewLogEvent(models.LogSeverityCritical, "Back-off restarting failed container; exit code 137", "k8s_container",
		time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), map[string]any{"latency_ms": 9100.0})

	first := engine.Evaluate(event)
	for i := 0; i < 20; i++ {
		if again := engine.Evaluate(event); !reflect.DeepEqual(first, again) {
			t.Fatalf("evaluation %d differs: %+v vs %+v", i, first, again)
		}
	}
	if len(first) != 2 {
		t.Fatalf("expected crash and latency anomalies, got %+v", first)
	}
	if first[0].RuleName != "container_crash" || first[1].RuleName != "high_latency" {
		t.Fatalf("anomalies not in rule order: %s, %s", first[0].RuleName, first[1].RuleName)
	}
}

func TestEvaluateKeepsMissingTimestamp(t *testing.T) {
	engine := NewRuleEngine(loadBundledRules(t), nil)
	event := models.NewLogEvent(models.LogSeverityInfo, "slow", "", time.Time{}, map[string]any{"latency_ms": 7000})

	first := engine.Evaluate(event)
	if len(first) != 1 || !first[0].MatchedAt.IsZero() {
		t.Fatalf("unexpected anomalies %+v", first)
	}
	if again := engine.Evaluate(event); !reflect.DeepEqual(first, again) {
		t.Fatalf("evaluation differs: %+v vs %+v", first, again)
	}
}

func TestEvaluateWithoutRules(t *testing.T) {
	engine := NewRuleEngine(nil, nil)
	if got := engine.Evaluate(models.NewLogEvent(models.LogSeverityError, "x", "y", time.Now(), nil)); got != nil {
		t.Fatalf("expected no anomalies, got %+v", got)
	}
}
