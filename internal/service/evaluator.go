package service

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/ccos-lite/internal/domain"
)

// Evaluator evaluates pure expressions against the visible bindings. It must
// be deterministic and side-effect free: the orchestrator replays pure
// expressions after a resume.
type Evaluator interface {
	Evaluate(expr string, bindings map[string]any) (any, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(expr string, bindings map[string]any) (any, error)

// Evaluate calls f(expr, bindings).
func (f EvaluatorFunc) Evaluate(expr string, bindings map[string]any) (any, error) {
	return f(expr, bindings)
}

// LiteralEvaluator is the reference evaluator. An expression is either a
// binding reference ("$name" or "$name.field.sub") or a JSON literal whose
// string leaves may themselves be references.
type LiteralEvaluator struct{}

// Evaluate implements Evaluator.
func (LiteralEvaluator) Evaluate(expr string, bindings map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "$") {
		return lookup(expr, bindings)
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(expr))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: cannot parse %q: %v", domain.ErrLocalEvaluation, expr, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data in %q", domain.ErrLocalEvaluation, expr)
	}
	return resolve(v, bindings)
}

// resolve replaces "$name" string leaves with the bound values.
func resolve(v any, bindings map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$") {
			return lookup(val, bindings)
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolve(item, bindings)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolve(item, bindings)
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

func lookup(ref string, bindings map[string]any) (any, error) {
	path := strings.Split(strings.TrimPrefix(ref, "$"), ".")
	v, ok := bindings[path[0]]
	if !ok {
		return nil, fmt.Errorf("%w: unbound name %q", domain.ErrLocalEvaluation, path[0])
	}
	for _, field := range path[1:] {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s: %q is not an object", domain.ErrLocalEvaluation, ref, field)
		}
		if v, ok = m[field]; !ok {
			return nil, fmt.Errorf("%w: %s: no field %q", domain.ErrLocalEvaluation, ref, field)
		}
	}
	return v, nil
}

// resolveArgs resolves binding references in effect arguments.
func resolveArgs(args map[string]any, bindings map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out, err := resolve(map[string]any(args), bindings)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}
