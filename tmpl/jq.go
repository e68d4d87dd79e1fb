package tmpl

import (
	"context"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"
)

// JQEvaluator is the default Evaluator: each expression is a jq program run
// against the scope document as input. Compiled programs are cached by
// expression text, so hot playbooks pay the parse cost once.
type JQEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQEvaluator creates an evaluator with an empty program cache.
func NewJQEvaluator() *JQEvaluator {
	return &JQEvaluator{cache: make(map[string]*gojq.Code)}
}

// Eval compiles (or reuses) the expression and returns its first output.
// A program with no output yields nil. Runtime errors (bad paths are not
// errors in jq; type mismatches are) surface as wrapped errors.
func (e *JQEvaluator) Eval(ctx context.Context, expr string, scope map[string]any) (any, error) {
	code, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	input, err := Normalize(scope)
	if err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]any{}
	}
	iter := code.RunWithContext(ctx, input)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("eval %q: %w", expr, err)
	}
	return v, nil
}

func (e *JQEvaluator) compile(expr string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", expr, err)
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = code
	e.mu.Unlock()
	return code, nil
}
