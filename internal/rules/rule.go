package rules

import (
	"fmt"
	"strings"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

const defaultCondition = "all of them"

// Rule is a compiled anomaly rule. Rules are immutable and safe for concurrent use.
type Rule struct {
	Name        string
	Severity    models.Severity
	Author      string
	Description string
	Source      string

	predicates []*Predicate
	condition  node
}

// Predicates returns the rule's predicates in declaration order.
func (r *Rule) Predicates() []*Predicate {
	return append([]*Predicate(nil), r.predicates...)
}

// Condition renders the compiled condition tree.
func (r *Rule) Condition() string {
	return r.condition.String()
}

// Match evaluates the condition against event, short-circuiting and
// evaluating each predicate at most once.
func (r *Rule) Match(event models.LogEvent) bool {
	st := evalState{rule: r, event: event, result: make([]int8, len(r.predicates))}
	return r.condition.eval(&st)
}

// Compile turns a parsed definition into an executable rule.
func Compile(def Definition) (*Rule, error) {
	fail := func(line int, format string, args ...any) error {
		return &CompileError{Rule: def.Name, Source: def.Source, Line: line, Reason: fmt.Sprintf(format, args...)}
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, fail(def.Line, "rule has no name")
	}
	if len(def.Predicates) == 0 {
		return nil, fail(def.Line, "rule has no events")
	}

	rule := &Rule{
		Name:        def.Name,
		Severity:    severityFromMeta(def.Meta["severity"]),
		Author:      def.Meta["author"],
		Description: def.Meta["description"],
		Source:      def.Source,
	}

	names := make([]string, 0, len(def.Predicates))
	seen := make(map[string]struct{}, len(def.Predicates))
	for _, pd := range def.Predicates {
		key := normaliseRef(pd.Name)
		if _, dup := seen[key]; dup {
			return nil, fail(pd.Line, "duplicate predicate %s", pd.Name)
		}
		seen[key] = struct{}{}
		pred, err := compilePredicate(pd)
		if err != nil {
			return nil, fail(pd.Line, "%v", err)
		}
		rule.predicates = append(rule.predicates, pred)
		names = append(names, pd.Name)
	}

	cond := strings.TrimSpace(def.Condition)
	if cond == "" {
		cond = defaultCondition
	}
	tree, err := parseCondition(cond, names)
	if err != nil {
		return nil, fail(def.Line, "condition: %v", err)
	}
	rule.condition = tree
	return rule, nil
}

// severityFromMeta accepts both incident labels and log-level names.
func severityFromMeta(value string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low", "info", "informational", "debug":
		return models.SeverityLow
	case "high", "error":
		return models.SeverityHigh
	case "critical", "alert", "emergency":
		return models.SeverityCritical
	default:
		return models.SeverityMedium
	}
}
