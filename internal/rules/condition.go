package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/miradorstack/mirador-logwatch/internal/models"
)

// node is a compiled condition. Predicates are referenced by index and
// evaluated lazily through the evaluation state.
type node interface {
	eval(st *evalState) bool
	String() string
}

type andNode struct{ children []node }
type orNode struct{ children []node }
type notNode struct{ child node }
type refNode struct {
	index int
	name  string
}

// thresholdNode is true when at least n of the referenced predicates hold.
type thresholdNode struct {
	n    int
	refs []refNode
}

func (a andNode) eval(st *evalState) bool {
	for _, c := range a.children {
		if !c.eval(st) {
			return false
		}
	}
	return true
}

func (o orNode) eval(st *evalState) bool {
	for _, c := range o.children {
		if c.eval(st) {
			return true
		}
	}
	return false
}

func (n notNode) eval(st *evalState) bool { return !n.child.eval(st) }

func (r refNode) eval(st *evalState) bool { return st.predicate(r.index) }

func (t thresholdNode) eval(st *evalState) bool {
	hits := 0
	for i, r := range t.refs {
		if st.predicate(r.index) {
			hits++
			if hits >= t.n {
				return true
			}
		}
		if hits+len(t.refs)-i-1 < t.n {
			return false
		}
	}
	return hits >= t.n
}

func (a andNode) String() string { return joinNodes(a.children, " and ") }
func (o orNode) String() string  { return joinNodes(o.children, " or ") }
func (n notNode) String() string { return "not " + n.child.String() }
func (r refNode) String() string { return r.name }
func (t thresholdNode) String() string {
	names := make([]string, len(t.refs))
	for i, r := range t.refs {
		names[i] = r.name
	}
	return fmt.Sprintf("%d of (%s)", t.n, strings.Join(names, ", "))
}

func joinNodes(nodes []node, sep string) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lexCondition(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case unicode.IsDigit(c):
			start := i
			for i < len(src) && unicode.IsDigit(rune(src[i])) {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '$' || c == '_' || unicode.IsLetter(c):
			start := i
			i++
			for i < len(src) && (src[i] == '_' || src[i] == '.' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

type condParser struct {
	toks  []token
	pos   int
	names map[string]int
	order []string
}

// parseCondition compiles a condition expression against the rule's predicate names.
func parseCondition(src string, predicateNames []string) (node, error) {
	toks, err := lexCondition(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks, names: make(map[string]int, len(predicateNames)), order: predicateNames}
	for i, name := range predicateNames {
		p.names[normaliseRef(name)] = i
	}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("empty condition")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
	return n, nil
}

func normaliseRef(name string) string {
	return strings.ToLower(strings.TrimPrefix(name, "$"))
}

func (p *condParser) peek() token { return p.toks[p.pos] }

func (p *condParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []node{left}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return orNode{children: children}, nil
}

func (p *condParser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []node{left}
	for p.keyword("and") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return andNode{children: children}, nil
}

func (p *condParser) parseUnary() (node, error) {
	if p.keyword("not") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{child: child}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokLParen:
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at offset %d", t.pos)
		}
		return n, nil
	case tokNumber:
		p.next()
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid count %q", t.text)
		}
		return p.parseQuantifier(n, t)
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "all":
			p.next()
			return p.parseQuantifier(-1, t)
		case "any":
			p.next()
			return p.parseQuantifier(1, t)
		case "and", "or", "of", "them":
			return nil, fmt.Errorf("unexpected keyword %q at offset %d", t.text, t.pos)
		}
		p.next()
		return p.ref(t)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of condition")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

// parseQuantifier handles `N of them`, `N of ($a, $b)`; n < 0 means all.
func (p *condParser) parseQuantifier(n int, at token) (node, error) {
	if !p.keyword("of") {
		return nil, fmt.Errorf("expected 'of' after %q at offset %d", at.text, at.pos)
	}
	var refs []refNode
	if p.keyword("them") {
		for i, name := range p.order {
			refs = append(refs, refNode{index: i, name: name})
		}
	} else {
		if p.next().kind != tokLParen {
			return nil, fmt.Errorf("expected 'them' or '(' after 'of' at offset %d", at.pos)
		}
		for {
			t := p.next()
			if t.kind != tokIdent {
				return nil, fmt.Errorf("expected predicate reference at offset %d", t.pos)
			}
			r, err := p.ref(t)
			if err != nil {
				return nil, err
			}
			refs = append(refs, r)
			sep := p.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, fmt.Errorf("expected ',' or ')' at offset %d", sep.pos)
			}
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("quantifier at offset %d has no predicates", at.pos)
	}
	if n < 0 {
		n = len(refs)
	}
	if n < 1 || n > len(refs) {
		return nil, fmt.Errorf("count %d out of range for %d predicates", n, len(refs))
	}
	return thresholdNode{n: n, refs: refs}, nil
}

func (p *condParser) ref(t token) (refNode, error) {
	idx, ok := p.names[normaliseRef(t.text)]
	if !ok {
		return refNode{}, fmt.Errorf("unknown predicate %q", t.text)
	}
	return refNode{index: idx, name: p.order[idx]}, nil
}

// evalState memoises predicate outcomes for one event.
type evalState struct {
	rule   *Rule
	event  models.LogEvent
	result []int8
}

func (st *evalState) predicate(i int) bool {
	switch st.result[i] {
	case 1:
		return true
	case -1:
		return false
	}
	ok := st.rule.predicates[i].Match(st.event)
	if ok {
		st.result[i] = 1
	} else {
		st.result[i] = -1
	}
	return ok
}
