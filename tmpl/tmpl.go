// Package tmpl renders the {{ ... }} expressions embedded in playbook
// documents against a scope mapping.
//
// The orchestration engine composes scopes and decides where rendering
// happens; it never interprets expressions itself. The expression language
// is pluggable through the Evaluator interface. The default implementation
// treats each expression as a jq program (see JQEvaluator), so scope lookups
// are jq paths: {{ .vars.city }}, {{ .call.alert_done and .call.quarantine_done }}.
package tmpl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Evaluator evaluates a single expression (the text between {{ and }})
// against a scope document.
type Evaluator interface {
	Eval(ctx context.Context, expr string, scope map[string]any) (any, error)
}

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// IsTemplate reports whether s contains at least one {{ ... }} expression.
func IsTemplate(s string) bool {
	i := strings.Index(s, openDelim)
	return i >= 0 && strings.Contains(s[i:], closeDelim)
}

// Render resolves a template string. A string that is exactly one
// expression renders to the expression's native value; expressions embedded
// in larger text are stringified in place; strings without expressions pass
// through unchanged.
//
// Expressions containing the two-character sequence "}}" (for example
// nested jq object construction) must separate the braces with whitespace.
func Render(ctx context.Context, ev Evaluator, s string, scope map[string]any) (any, error) {
	if !IsTemplate(s) {
		return s, nil
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, openDelim) && strings.HasSuffix(trimmed, closeDelim) {
		inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
		if !strings.Contains(inner, closeDelim) {
			v, err := ev.Eval(ctx, strings.TrimSpace(inner), scope)
			if err != nil {
				return nil, fmt.Errorf("render %q: %w", s, err)
			}
			return v, nil
		}
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], closeDelim)
		if end < 0 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+len(openDelim) : end])
		v, err := ev.Eval(ctx, expr, scope)
		if err != nil {
			return nil, fmt.Errorf("render %q: %w", s, err)
		}
		b.WriteString(Stringify(v))
		rest = rest[end+len(closeDelim):]
	}
	return b.String(), nil
}

// RenderAny walks v, rendering every string it finds. Maps and slices are
// rebuilt; other values pass through.
func RenderAny(ctx context.Context, ev Evaluator, v any, scope map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return Render(ctx, ev, t, scope)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			r, err := RenderAny(ctx, ev, e, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := RenderAny(ctx, ev, e, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMap renders every value of m, returning a new map.
func RenderMap(ctx context.Context, ev Evaluator, m map[string]any, scope map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := RenderAny(ctx, ev, map[string]any(m), scope)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Truthy implements the DSL truth rules: nil, false, zero numbers, empty
// strings, empty arrays, and empty maps are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Stringify converts a rendered value to its in-text form: nil becomes the
// empty string, scalars use their natural representation, and composites
// are JSON-encoded.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// Normalize converts v into the JSON-native shape evaluators expect
// (map[string]any, []any, float64, string, bool, nil) via a JSON round
// trip. Structs, typed maps, and custom scalar types all flatten.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case bool, string, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize scope value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize scope value: %w", err)
	}
	return out, nil
}

// NormalizeMap is Normalize for a scope document.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	v, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return map[string]any{}, nil
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("scope is not an object")
	}
	return out, nil
}
