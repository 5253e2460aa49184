package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

const (
	maxPatternLength = 1024
	maxMatchInput    = 64 << 10
)

// Operator is a predicate comparison.
type Operator string

const (
	OpEqual       Operator = "=="
	OpNotEqual    Operator = "!="
	OpIn          Operator = "in"
	OpContains    Operator = "contains"
	OpMatches     Operator = "matches"
	OpGreater     Operator = ">"
	OpGreaterOrEq Operator = ">="
	OpLess        Operator = "<"
	OpLessOrEq    Operator = "<="
)

// Predicate is a compiled single-field test.
type Predicate struct {
	Name     string
	Field    string
	Operator Operator

	text   string
	list   []string
	num    float64
	isNum  bool
	sev    models.LogSeverity
	isSev  bool
	re     *regexp.Regexp
	source string
	// anyOf holds the alternatives of an or-joined events line.
	anyOf []*Predicate
}

func (p *Predicate) String() string { return p.source }

// Match evaluates the predicate. A missing field never matches.
func (p *Predicate) Match(event models.LogEvent) bool {
	if len(p.anyOf) > 0 {
		for _, alt := range p.anyOf {
			if alt.Match(event) {
				return true
			}
		}
		return false
	}
	value, ok := event.Field(p.Field)
	if !ok {
		return false
	}
	switch p.Operator {
	case OpEqual:
		return p.equal(value, p.text, p.num, p.isNum, p.sev, p.isSev)
	case OpNotEqual:
		return !p.equal(value, p.text, p.num, p.isNum, p.sev, p.isSev)
	case OpIn:
		for _, item := range p.list {
			n, isNum := parseNumber(item)
			sev, isSev := models.ParseLogSeverity(item)
			if p.equal(value, item, n, isNum, sev, isSev) {
				return true
			}
		}
		return false
	case OpContains:
		return strings.Contains(strings.ToLower(stringify(value)), p.text)
	case OpMatches:
		return p.re.MatchString(utils.TruncateBytes(stringify(value), maxMatchInput))
	case OpGreater, OpGreaterOrEq, OpLess, OpLessOrEq:
		return p.compare(value)
	}
	return false
}

func (p *Predicate) equal(value any, text string, num float64, isNum bool, sev models.LogSeverity, isSev bool) bool {
	if s, ok := value.(models.LogSeverity); ok {
		return isSev && s == sev
	}
	if isNum {
		if n, ok := toNumber(value); ok {
			return n == num
		}
	}
	return strings.EqualFold(stringify(value), text)
}

func (p *Predicate) compare(value any) bool {
	var left, right float64
	if s, ok := value.(models.LogSeverity); ok {
		if !p.isSev {
			return false
		}
		left, right = float64(s), float64(p.sev)
	} else {
		n, ok := toNumber(value)
		if !ok || !p.isNum {
			return false
		}
		left, right = n, p.num
	}
	switch p.Operator {
	case OpGreater:
		return left > right
	case OpGreaterOrEq:
		return left >= right
	case OpLess:
		return left < right
	default:
		return left <= right
	}
}

// compilePredicate parses `field op operand`, or several of them joined by
// `or`, optionally wrapped in parentheses.
func compilePredicate(def PredicateDefinition) (*Predicate, error) {
	expr := stripParens(strings.TrimSpace(def.Expr))
	parts, err := splitAlternatives(expr)
	if err != nil {
		return nil, fmt.Errorf("predicate %s: %w", def.Name, err)
	}
	if len(parts) == 1 {
		return compileTest(def.Name, expr)
	}
	p := &Predicate{Name: def.Name, source: expr}
	for _, part := range parts {
		alt, err := compileTest(def.Name, stripParens(part))
		if err != nil {
			return nil, err
		}
		p.anyOf = append(p.anyOf, alt)
	}
	return p, nil
}

func compileTest(name, expr string) (*Predicate, error) {
	field, rest := splitField(expr)
	if field == "" {
		return nil, fmt.Errorf("predicate %s: missing field", name)
	}
	field = strings.TrimPrefix(field, "$")
	field = strings.TrimPrefix(field, "e.")
	field = strings.TrimPrefix(field, "event.")

	op, operand, err := splitOperator(rest)
	if err != nil {
		return nil, fmt.Errorf("predicate %s: %w", name, err)
	}
	p := &Predicate{Name: name, Field: field, Operator: op, source: expr}

	switch op {
	case OpIn:
		items, err := parseList(operand)
		if err != nil {
			return nil, fmt.Errorf("predicate %s: %w", name, err)
		}
		p.list = items
	case OpMatches:
		re, err := compilePattern(operand)
		if err != nil {
			return nil, fmt.Errorf("predicate %s: %w", name, err)
		}
		p.re = re
	default:
		text, err := parseScalar(operand)
		if err != nil {
			return nil, fmt.Errorf("predicate %s: %w", name, err)
		}
		p.text = text
		if op == OpContains {
			p.text = strings.ToLower(text)
		}
		p.num, p.isNum = parseNumber(text)
		p.sev, p.isSev = models.ParseLogSeverity(text)
		if p.isNum && !isSeverityField(field) {
			p.isSev = false
		}
		switch op {
		case OpGreater, OpGreaterOrEq, OpLess, OpLessOrEq:
			if !p.isNum && !p.isSev {
				return nil, fmt.Errorf("predicate %s: operator %s needs a numeric or severity operand", name, op)
			}
		}
	}
	return p, nil
}

func isSeverityField(field string) bool {
	return strings.EqualFold(field, "severity")
}

func splitField(expr string) (string, string) {
	idx := strings.IndexFunc(expr, func(r rune) bool {
		return unicode.IsSpace(r) || r == '=' || r == '!' || r == '<' || r == '>'
	})
	if idx < 0 {
		return expr, ""
	}
	return expr[:idx], strings.TrimSpace(expr[idx:])
}

func splitOperator(rest string) (Operator, string, error) {
	for _, sym := range []string{"==", "!=", ">=", "<=", "=", ">", "<"} {
		if strings.HasPrefix(rest, sym) {
			op := Operator(sym)
			if sym == "=" {
				op = OpEqual
			}
			return op, strings.TrimSpace(rest[len(sym):]), nil
		}
	}
	word, operand := rest, ""
	if idx := strings.IndexFunc(rest, func(r rune) bool { return unicode.IsSpace(r) || r == '(' }); idx >= 0 {
		word, operand = rest[:idx], rest[idx:]
	}
	switch Operator(strings.ToLower(word)) {
	case OpIn:
		return OpIn, strings.TrimSpace(operand), nil
	case OpContains:
		return OpContains, strings.TrimSpace(operand), nil
	case OpMatches:
		return OpMatches, strings.TrimSpace(operand), nil
	}
	if rest == "" {
		return "", "", fmt.Errorf("missing operator")
	}
	return "", "", fmt.Errorf("unknown operator %q", word)
}

// stripParens removes parentheses enclosing the whole expression.
func stripParens(expr string) string {
	for len(expr) >= 2 && expr[0] == '(' && closingParen(expr) == len(expr)-1 {
		expr = strings.TrimSpace(expr[1 : len(expr)-1])
	}
	return expr
}

// closingParen returns the index of the parenthesis closing expr[0], or -1.
func closingParen(expr string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitAlternatives splits expr on top-level `or` words, ignoring quoted
// strings, /regex/ literals and parenthesised lists.
func splitAlternatives(expr string) ([]string, error) {
	var (
		parts   []string
		start   int
		depth   int
		quote   byte
		inRegex bool
	)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case inRegex:
			if c == '\\' {
				i++
			} else if c == '/' {
				inRegex = false
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '/' && strings.HasSuffix(strings.ToLower(strings.TrimSpace(expr[start:i])), string(OpMatches)):
			inRegex = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && unicode.IsSpace(rune(c)) && isOrWord(expr[i+1:]):
			parts = append(parts, strings.TrimSpace(expr[start:i]))
			i += 3
			start = i
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty alternative in %q", expr)
		}
	}
	return parts, nil
}

func isOrWord(s string) bool {
	return len(s) > 3 && strings.EqualFold(s[:2], "or") && unicode.IsSpace(rune(s[2]))
}

func parseScalar(operand string) (string, error) {
	if operand == "" {
		return "", fmt.Errorf("missing operand")
	}
	if operand[0] == '"' || operand[0] == '\'' {
		s, rest, err := readQuoted(operand)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(rest) != "" {
			return "", fmt.Errorf("unexpected text after operand: %q", rest)
		}
		return s, nil
	}
	if strings.ContainsAny(operand, " \t") {
		return "", fmt.Errorf("unquoted operand %q contains whitespace", operand)
	}
	return operand, nil
}

func parseList(operand string) ([]string, error) {
	if !strings.HasPrefix(operand, "(") || !strings.HasSuffix(operand, ")") {
		return nil, fmt.Errorf("in operand must be a parenthesised list")
	}
	body := strings.TrimSpace(operand[1 : len(operand)-1])
	var items []string
	for body != "" {
		var item string
		if body[0] == '"' || body[0] == '\'' {
			s, rest, err := readQuoted(body)
			if err != nil {
				return nil, err
			}
			item, body = s, strings.TrimSpace(rest)
		} else {
			end := strings.IndexByte(body, ',')
			if end < 0 {
				end = len(body)
			}
			item, body = strings.TrimSpace(body[:end]), body[end:]
		}
		items = append(items, item)
		if body == "" {
			break
		}
		if body[0] != ',' {
			return nil, fmt.Errorf("expected ',' in list, found %q", body)
		}
		body = strings.TrimSpace(body[1:])
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return items, nil
}

func readQuoted(s string) (string, string, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			b.WriteByte(s[i])
		case c == quote:
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", fmt.Errorf("unterminated string %s", s)
}

func compilePattern(operand string) (*regexp.Regexp, error) {
	pattern := operand
	flags := ""
	switch {
	case strings.HasPrefix(operand, "/"):
		end := strings.LastIndexByte(operand, '/')
		if end <= 0 {
			return nil, fmt.Errorf("unterminated regular expression %s", operand)
		}
		pattern, flags = operand[1:end], operand[end+1:]
		for _, f := range flags {
			if f != 'i' && f != 's' && f != 'm' {
				return nil, fmt.Errorf("unsupported regular expression flag %q", f)
			}
		}
	case strings.HasPrefix(operand, "\"") || strings.HasPrefix(operand, "'"):
		s, err := parseScalar(operand)
		if err != nil {
			return nil, err
		}
		pattern = s
	}
	if pattern == "" {
		return nil, fmt.Errorf("empty regular expression")
	}
	if len(pattern) > maxPatternLength {
		return nil, fmt.Errorf("regular expression longer than %d characters", maxPatternLength)
	}
	prefix := "(?i"
	if strings.ContainsRune(flags, 's') {
		prefix += "s"
	}
	if strings.ContainsRune(flags, 'm') {
		prefix += "m"
	}
	re, err := regexp.Compile(prefix + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression: %w", err)
	}
	return re, nil
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		return parseNumber(n)
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case models.LogSeverity:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case fmt.Stringer:
		return s.String()
	case map[string]any, []any:
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(data)
	}
	return fmt.Sprint(v)
}
