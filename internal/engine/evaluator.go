package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/rules"
)

// RuleSource provides the ordered rule set to evaluate.
type RuleSource interface {
	AllRules() []*rules.Rule
}

// RuleEngine evaluates every loaded rule against single log events. It holds
// no per-event state and is safe for concurrent use.
type RuleEngine struct {
	rules  []*rules.Rule
	logger *slog.Logger

	reported sync.Map
}

// NewRuleEngine snapshots the rule set of source.
func NewRuleEngine(source RuleSource, logger *slog.Logger) *RuleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	var loaded []*rules.Rule
	if source != nil {
		loaded = source.AllRules()
	}
	return &RuleEngine{rules: loaded, logger: logger}
}

// Rules returns the rules in evaluation order.
func (e *RuleEngine) Rules() []*rules.Rule {
	if e == nil {
		return nil
	}
	return append([]*rules.Rule(nil), e.rules...)
}

// Evaluate returns one anomaly per rule whose condition holds for event, in
// rule order, stamped with the event timestamp. A rule that fails during
// evaluation counts as not matching.
func (e *RuleEngine) Evaluate(event models.LogEvent) []models.Anomaly {
	if e == nil || len(e.rules) == 0 {
		return nil
	}
	var anomalies []models.Anomaly
	for _, rule := range e.rules {
		if !e.match(rule, event) {
			continue
		}
		anomalies = append(anomalies, models.Anomaly{
			RuleName:  rule.Name,
			Severity:  rule.Severity,
			Event:     event,
			MatchedAt: event.Timestamp,
		})
	}
	return anomalies
}

func (e *RuleEngine) match(rule *rules.Rule, event models.LogEvent) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			if _, seen := e.reported.LoadOrStore(rule.Name, struct{}{}); !seen {
				e.logger.Debug("rule evaluation failed; treating as no match",
					slog.String("rule", rule.Name),
					slog.String("panic", fmt.Sprint(r)),
				)
			}
		}
	}()
	return rule.Match(event)
}
