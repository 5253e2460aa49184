package rules

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// Definition is the uncompiled form of one rule as written in a .yaral file.
type Definition struct {
	Name       string
	Source     string
	Line       int
	Meta       map[string]string
	Predicates []PredicateDefinition
	Condition  string
}

// PredicateDefinition is one line of an events block.
type PredicateDefinition struct {
	Name string
	Expr string
	Line int
}

// CompileError reports a rule that could not be loaded.
type CompileError struct {
	Rule   string
	Source string
	Line   int
	Reason string
}

func (e *CompileError) Error() string {
	loc := e.Source
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.Source, e.Line)
	}
	if e.Rule == "" {
		return fmt.Sprintf("%s: %s", loc, e.Reason)
	}
	return fmt.Sprintf("%s: rule %q: %s", loc, e.Rule, e.Reason)
}

type section int

const (
	sectionNone section = iota
	sectionMeta
	sectionEvents
	sectionCondition
)

// Parse splits a rule file into definitions. A file holds either a bare
// meta/events/condition body or one or more `rule NAME { ... }` blocks.
// Malformed blocks are reported and the rest of the file still parses.
func Parse(source string, text []byte) ([]Definition, []*CompileError) {
	p := &parser{source: source}
	for i, raw := range strings.Split(string(text), "\n") {
		p.line(i+1, raw)
	}
	p.finish()
	return p.defs, p.errs
}

type parser struct {
	source  string
	defs    []Definition
	errs    []*CompileError
	cur     *Definition
	wrapped bool
	section section
	cond    []string
	bad     bool
}

func (p *parser) line(n int, raw string) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
		return
	}

	if name, ok := ruleHeader(line); ok {
		if p.cur != nil && p.wrapped {
			p.fail(n, "missing closing brace before next rule")
			p.flush()
		}
		if p.cur != nil && !p.wrapped && !p.empty() {
			p.fail(n, "rule block after unwrapped rule body")
		}
		p.begin(n, name, true)
		return
	}
	if line == "}" {
		if p.cur == nil || !p.wrapped {
			p.errs = append(p.errs, &CompileError{Source: p.source, Line: n, Reason: "unexpected closing brace"})
			return
		}
		p.flush()
		return
	}
	if p.cur == nil {
		p.begin(n, "", false)
	}

	if sec, rest, ok := sectionHeader(line); ok {
		p.section = sec
		if rest == "" {
			return
		}
		line = rest
	}

	switch p.section {
	case sectionMeta:
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			p.fail(n, fmt.Sprintf("meta line %q is not key = value", line))
			return
		}
		p.cur.Meta[strings.ToLower(strings.TrimSpace(key))] = unquote(strings.TrimSpace(value))
	case sectionEvents:
		name, expr := splitPredicateName(line)
		if name == "" {
			name = fmt.Sprintf("$p%d", len(p.cur.Predicates)+1)
		}
		p.cur.Predicates = append(p.cur.Predicates, PredicateDefinition{Name: name, Expr: expr, Line: n})
	case sectionCondition:
		p.cond = append(p.cond, line)
	default:
		p.fail(n, fmt.Sprintf("line %q outside meta, events or condition section", line))
	}
}

func (p *parser) begin(n int, name string, wrapped bool) {
	p.cur = &Definition{Name: name, Source: p.source, Line: n, Meta: make(map[string]string)}
	p.wrapped = wrapped
	p.section = sectionNone
	p.cond = nil
	p.bad = false
}

func (p *parser) empty() bool {
	return p.cur == nil || (len(p.cur.Meta) == 0 && len(p.cur.Predicates) == 0 && len(p.cond) == 0)
}

func (p *parser) fail(n int, reason string) {
	p.bad = true
	name := ""
	if p.cur != nil {
		name = p.cur.Name
		if v := p.cur.Meta["name"]; v != "" {
			name = v
		}
	}
	p.errs = append(p.errs, &CompileError{Rule: name, Source: p.source, Line: n, Reason: reason})
}

func (p *parser) flush() {
	if p.cur == nil {
		return
	}
	def := *p.cur
	def.Condition = strings.Join(p.cond, " ")
	if v := def.Meta["name"]; v != "" {
		def.Name = v
	}
	if def.Name == "" {
		base := filepath.Base(p.source)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if !p.bad {
		p.defs = append(p.defs, def)
	}
	p.cur = nil
	p.wrapped = false
}

func (p *parser) finish() {
	if p.cur == nil {
		return
	}
	if p.wrapped {
		p.fail(p.cur.Line, "missing closing brace")
	}
	if !p.empty() || p.wrapped {
		p.flush()
	}
}

func ruleHeader(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "rule") {
		return "", false
	}
	name := strings.TrimSuffix(fields[1], "{")
	if len(fields) == 2 && !strings.HasSuffix(fields[1], "{") {
		return "", false
	}
	if len(fields) == 3 && fields[2] != "{" {
		return "", false
	}
	if len(fields) > 3 {
		return "", false
	}
	return name, name != ""
}

func sectionHeader(line string) (section, string, bool) {
	head, rest, ok := strings.Cut(line, ":")
	if !ok {
		return sectionNone, "", false
	}
	var sec section
	switch strings.ToLower(strings.TrimSpace(head)) {
	case "meta":
		sec = sectionMeta
	case "events":
		sec = sectionEvents
	case "condition", "match":
		sec = sectionCondition
	default:
		return sectionNone, "", false
	}
	return sec, strings.TrimSpace(rest), true
}

func splitPredicateName(line string) (string, string) {
	if !strings.HasPrefix(line, "$") {
		return "", line
	}
	name, expr, ok := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	if !ok || len(name) < 2 || strings.IndexFunc(name[1:], notIdentRune) >= 0 {
		return "", line
	}
	return name, strings.TrimSpace(expr)
}

func notIdentRune(r rune) bool {
	return !(r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r))
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
