package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates a trigger condition against a scope of dotted-accessible
// values. An empty condition is true. The grammar:
//
//	expr       = andExpr { "or" andExpr }
//	andExpr    = unary { "and" unary }
//	unary      = "not" unary | comparison
//	comparison = operand [ ("==" | "!=" | "contains") operand ]
//	operand    = string | number | bool | dotted-ident | "(" expr ")"
//
// Operands that are bare comparisons evaluate by truthiness: non-empty
// strings, non-zero numbers, true booleans, non-empty collections.
func Eval(condition string, scope map[string]any) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	toks, err := tokenize(condition)
	if err != nil {
		return false, err
	}
	p := &condParser{toks: toks, scope: scope}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected token %q", p.toks[p.pos])
	}
	return truthy(v), nil
}

func tokenize(s string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string in condition")
			}
			toks = append(toks, string(quote)+s[i+1:j])
			i = j + 1
		case strings.HasPrefix(s[i:], "==") || strings.HasPrefix(s[i:], "!="):
			toks = append(toks, s[i:i+2])
			i += 2
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t()'\"", rune(s[j])) &&
				!strings.HasPrefix(s[j:], "==") && !strings.HasPrefix(s[j:], "!=") {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks, nil
}

type condParser struct {
	toks  []string
	pos   int
	scope map[string]any
}

func (p *condParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *condParser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == "and" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *condParser) parseUnary() (any, error) {
	if p.peek() == "not" {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (any, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch p.peek() {
	case "==":
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return equalValues(left, right), nil
	case "!=":
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return !equalValues(left, right), nil
	case "contains":
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return containsValue(left, right), nil
	}
	return left, nil
}

func (p *condParser) parseOperand() (any, error) {
	tok := p.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of condition")
	case tok == "(":
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	case tok[0] == '\'' || tok[0] == '"':
		return tok[1:], nil
	case tok == "true":
		return true, nil
	case tok == "false":
		return false, nil
	default:
		if n, err := strconv.ParseFloat(tok, 64); err == nil {
			return n, nil
		}
		return lookupPath(p.scope, tok), nil
	}
}

// lookupPath resolves a dotted path into nested maps. Missing segments
// resolve to nil rather than erroring.
func lookupPath(scope map[string]any, path string) any {
	var cur any = scope
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func equalValues(a, b any) bool {
	// Numbers compare numerically regardless of concrete type.
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
	}
	return false
}
