package condition

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

type node interface {
	// cel writes the CEL form of the node, registering property paths in vars.
	cel(vars *variables) (string, error)
}

type logicalNode struct {
	op       string
	children []node
}

type notNode struct {
	child node
}

type comparisonNode struct {
	op     string
	path   []string
	values []any
}

var comparisonOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "ge": true, "lt": true, "le": true,
	"like": true, "in": true, "exists": true,
}

// parser reads the RQL subset used by live channel conditions, e.g.
// and(exists(thingId),gt(attributes/temperature,20)).
type parser struct {
	src string
	pos int
}

func parse(src string) (node, error) {
	p := &parser{src: src}
	n, err := p.query()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input %q", p.src[p.pos:])
	}
	return n, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("rql: position %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		if p.pos >= len(p.src) {
			return p.errorf("expected '%c', got end of input", c)
		}
		return p.errorf("expected '%c', got '%c'", c, p.peek())
	}
	p.pos++
	return nil
}

func (p *parser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= 'a' && p.src[p.pos] <= 'z' {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) query() (node, error) {
	op := p.ident()
	if op == "" {
		return nil, p.errorf("expected an operator")
	}
	if err := p.expect('('); err != nil {
		return nil, err
	}

	var n node
	var err error
	switch {
	case op == "and" || op == "or":
		n, err = p.logical(op)
	case op == "not":
		var child node
		if child, err = p.query(); err == nil {
			n = &notNode{child: child}
		}
	case comparisonOps[op]:
		n, err = p.comparison(op)
	default:
		return nil, p.errorf("unknown operator '%s'", op)
	}
	if err != nil {
		return nil, err
	}

	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return n, nil
}

func (p *parser) logical(op string) (node, error) {
	n := &logicalNode{op: op}
	for {
		child, err := p.query()
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, child)

		p.skipSpace()
		if p.peek() != ',' {
			return n, nil
		}
		p.pos++
	}
}

func (p *parser) comparison(op string) (node, error) {
	path, err := p.property()
	if err != nil {
		return nil, err
	}
	n := &comparisonNode{op: op, path: path}
	if op == "exists" {
		return n, nil
	}

	for {
		if err := p.expect(','); err != nil {
			return nil, err
		}
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		n.values = append(n.values, v)

		p.skipSpace()
		if op != "in" || p.peek() != ',' {
			break
		}
	}

	return n, nil
}

func (p *parser) property() ([]string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != ',' && p.src[p.pos] != ')' {
		p.pos++
	}
	raw := strings.TrimSpace(p.src[start:p.pos])
	raw = strings.TrimPrefix(raw, "/")
	if raw == "" {
		return nil, p.errorf("expected a property")
	}

	segments := strings.Split(raw, "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, p.errorf("empty segment in property '%s'", raw)
		}
	}
	return segments, nil
}

func (p *parser) literal() (any, error) {
	p.skipSpace()
	if p.peek() == '"' {
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && p.src[p.pos] != '"' {
			if p.src[p.pos] == '\\' {
				p.pos++
			}
			p.pos++
		}
		if p.pos >= len(p.src) {
			return nil, p.errorf("unterminated string")
		}
		p.pos++
		s, err := strconv.Unquote(p.src[start:p.pos])
		if err != nil {
			return nil, p.errorf("invalid string %s", p.src[start:p.pos])
		}
		return s, nil
	}

	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] != ',' && p.src[p.pos] != ')' {
		p.pos++
	}
	raw := strings.TrimSpace(p.src[start:p.pos])
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	case "":
		return nil, p.errorf("expected a value")
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, p.errorf("invalid value '%s', strings must be double quoted", raw)
	}
	return f, nil
}

// variables maps each distinct property path to a pair of CEL variables:
// pN holding the value and eN telling whether the property exists.
type variables struct {
	paths [][]string
	index map[string]int
}

func (v *variables) ref(path []string) int {
	key := strings.Join(path, "/")
	if i, ok := v.index[key]; ok {
		return i
	}
	if v.index == nil {
		v.index = map[string]int{}
	}
	v.index[key] = len(v.paths)
	v.paths = append(v.paths, path)
	return len(v.paths) - 1
}

func valueVar(i int) string { return "p" + strconv.Itoa(i) }

func existsVar(i int) string { return "e" + strconv.Itoa(i) }

func celLiteral(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	case string:
		return strconv.Quote(v)
	}
	panic(fmt.Sprintf("unexpected literal %T", v))
}

func likePattern(pattern string) string {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return "^" + quoted + "$"
}

func (n *logicalNode) cel(vars *variables) (string, error) {
	parts := make([]string, 0, len(n.children))
	for _, child := range n.children {
		s, err := child.cel(vars)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	sep := " && "
	if n.op == "or" {
		sep = " || "
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func (n *notNode) cel(vars *variables) (string, error) {
	s, err := n.child.cel(vars)
	if err != nil {
		return "", err
	}
	return "!" + s, nil
}

func (n *comparisonNode) cel(vars *variables) (string, error) {
	i := vars.ref(n.path)
	p, e := valueVar(i), existsVar(i)

	switch n.op {
	case "exists":
		return e, nil
	case "eq":
		return fmt.Sprintf("(%s && %s == %s)", e, p, celLiteral(n.values[0])), nil
	case "ne":
		return fmt.Sprintf("!(%s && %s == %s)", e, p, celLiteral(n.values[0])), nil
	case "in":
		lits := make([]string, len(n.values))
		for j, v := range n.values {
			lits[j] = celLiteral(v)
		}
		return fmt.Sprintf("(%s && %s in [%s])", e, p, strings.Join(lits, ", ")), nil
	case "like":
		s, ok := n.values[0].(string)
		if !ok {
			return "", fmt.Errorf("rql: like expects a string pattern")
		}
		return fmt.Sprintf("(%s && type(%s) == string && %s.matches(%s))", e, p, p, strconv.Quote(likePattern(s))), nil
	}

	// gt ge lt le
	ops := map[string]string{"gt": ">", "ge": ">=", "lt": "<", "le": "<="}
	var typ string
	switch n.values[0].(type) {
	case float64:
		typ = "double"
	case string:
		typ = "string"
	default:
		return "", fmt.Errorf("rql: %s expects a number or a string", n.op)
	}
	return fmt.Sprintf("(%s && type(%s) == %s && %s %s %s)", e, p, typ, p, ops[n.op], celLiteral(n.values[0])), nil
}
