package tool

import (
	"context"
	"sync"
)

// Mock is a test implementation of Executor.
//
// It returns canned responses in sequence, injects errors, and records
// every call for later assertions. For behavior that depends on the
// invocation count or the spec (fail twice then succeed, page through a
// dataset), set Script instead of Responses.
//
//	mock := &Mock{KindName: "http", Responses: []map[string]any{{"ok": true}}}
//	reg := NewRegistry(mock)
type Mock struct {
	// KindName is the tool kind returned by Kind().
	KindName string

	// Responses is the sequence of results to return. When the sequence
	// is exhausted the last response repeats. An empty sequence returns
	// an empty map.
	Responses []map[string]any

	// Err, when set, is returned by every Execute call.
	Err error

	// Script, when set, overrides Responses and Err. n is the 1-based
	// invocation count including the current call.
	Script func(n int, spec map[string]any, call CallContext) (map[string]any, error)

	// Calls records every Execute invocation in order.
	Calls []MockCall

	mu   sync.Mutex
	next int
}

// MockCall records one Execute invocation.
type MockCall struct {
	Spec map[string]any
	Call CallContext
}

// Kind implements Executor.
func (m *Mock) Kind() string { return m.KindName }

// Execute implements Executor. The call is recorded before any outcome
// is decided, so failed calls appear in Calls too.
func (m *Mock) Execute(ctx context.Context, spec map[string]any, call CallContext) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Spec: spec, Call: call})

	if m.Script != nil {
		return m.Script(len(m.Calls), spec, call)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}

	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// Reset clears the call history and response cursor.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.next = 0
}

// CallCount returns how many times Execute has run.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
