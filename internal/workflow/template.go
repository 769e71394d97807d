package workflow

import (
	"fmt"
	"strings"
)

// Render expands a small mustache-like template against a scope:
//
//	{{ var }} and {{ a.b.c }}     dotted substitution
//	{{#if cond}}...{{/if}}        truthiness conditional
//	{{#each list}}...{{/each}}    iteration; {{this}} is the element and
//	                              {{this.field}} reaches into map elements
//
// The engine never executes code; unknown variables render empty.
func Render(tpl string, scope map[string]any) string {
	out, _ := renderBlock(tpl, scope)
	return out
}

func renderBlock(tpl string, scope map[string]any) (string, error) {
	var b strings.Builder
	for len(tpl) > 0 {
		start := strings.Index(tpl, "{{")
		if start < 0 {
			b.WriteString(tpl)
			break
		}
		b.WriteString(tpl[:start])
		tpl = tpl[start:]

		end := strings.Index(tpl, "}}")
		if end < 0 {
			b.WriteString(tpl)
			break
		}
		tag := strings.TrimSpace(tpl[2:end])
		tpl = tpl[end+2:]

		switch {
		case strings.HasPrefix(tag, "#if "):
			body, rest, err := extractSection(tpl, "if")
			if err != nil {
				return b.String(), err
			}
			tpl = rest
			if truthy(lookupPath(scope, strings.TrimSpace(tag[4:]))) {
				inner, err := renderBlock(body, scope)
				if err != nil {
					return b.String(), err
				}
				b.WriteString(inner)
			}
		case strings.HasPrefix(tag, "#each "):
			body, rest, err := extractSection(tpl, "each")
			if err != nil {
				return b.String(), err
			}
			tpl = rest
			items := asList(lookupPath(scope, strings.TrimSpace(tag[6:])))
			for _, item := range items {
				child := make(map[string]any, len(scope)+1)
				for k, v := range scope {
					child[k] = v
				}
				child["this"] = item
				inner, err := renderBlock(body, child)
				if err != nil {
					return b.String(), err
				}
				b.WriteString(inner)
			}
		default:
			if v := lookupPath(scope, tag); v != nil {
				b.WriteString(stringify(v))
			}
		}
	}
	return b.String(), nil
}

// extractSection finds the matching {{/kind}} for an opened section,
// honoring nesting of the same kind.
func extractSection(tpl, kind string) (body, rest string, err error) {
	open := "{{#" + kind
	close := "{{/" + kind + "}}"
	depth := 1
	i := 0
	for i < len(tpl) {
		nextOpen := strings.Index(tpl[i:], open)
		nextClose := strings.Index(tpl[i:], close)
		if nextClose < 0 {
			return "", "", fmt.Errorf("unclosed {{#%s}} section", kind)
		}
		if nextOpen >= 0 && nextOpen < nextClose {
			depth++
			i += nextOpen + len(open)
			continue
		}
		depth--
		if depth == 0 {
			return tpl[:i+nextClose], tpl[i+nextClose+len(close):], nil
		}
		i += nextClose + len(close)
	}
	return "", "", fmt.Errorf("unclosed {{#%s}} section", kind)
}

func asList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	case nil:
		return nil
	default:
		return []any{t}
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Render integral floats without the trailing .0 that JSON decoding
		// introduces.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
