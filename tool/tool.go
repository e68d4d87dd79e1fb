// Package tool defines the executor surface that workers dispatch queue
// jobs to. An Executor runs one tool kind (http, postgres, python, ...);
// a Registry maps kinds to executors and doubles as the worker's
// capability list.
//
// The engine never imports this package. It renders a job's spec and
// context into the queue row; the worker resolves the executor by the
// row's kind and hands both maps over. Executors outside this module
// plug in through the same interface.
package tool

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/loom/ident"
)

// CallContext carries the identity of the job being executed alongside
// the rendered execution context. Most executors only read Spec from
// Execute; the context is for executors that log, trace, or key side
// effects by execution.
type CallContext struct {
	// ExecutionID is the execution the job belongs to.
	ExecutionID ident.ID

	// QueueID is the queue row being worked. Together with Attempt it
	// uniquely identifies one delivery of one job.
	QueueID ident.ID

	// NodeID is the playbook step name that produced the job.
	NodeID string

	// Attempt is the 1-based delivery attempt for this queue row.
	Attempt int

	// Context holds the rendered execution context from the job's
	// action: workload, vars and sibling step results. Treat it as
	// read-only; it is shared with the event pipeline.
	Context map[string]any
}

// Executor runs a single tool kind.
//
// Implementations should respect context cancellation: the worker wraps
// the context with the step's timeout and cancels it when the job's
// lease is lost. Returned maps become the step result verbatim, so keep
// them JSON-serializable.
//
// Example:
//
//	type EchoExecutor struct{}
//
//	func (EchoExecutor) Kind() string { return "echo" }
//
//	func (EchoExecutor) Execute(ctx context.Context, spec map[string]any, call CallContext) (map[string]any, error) {
//	    return map[string]any{"echo": spec["message"]}, nil
//	}
type Executor interface {
	// Kind returns the tool kind this executor serves. Kinds are open
	// strings matched case-sensitively against queue rows.
	Kind() string

	// Execute runs the tool with the rendered spec and returns the step
	// result. A returned error marks the attempt failed; retry decisions
	// are made elsewhere from the step's retry policy.
	Execute(ctx context.Context, spec map[string]any, call CallContext) (map[string]any, error)
}

// Registry maps tool kinds to executors. The zero value is not usable;
// construct with NewRegistry. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]Executor
}

// NewRegistry builds a registry preloaded with the given executors.
func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{byKind: make(map[string]Executor, len(execs))}
	for _, e := range execs {
		r.Register(e)
	}
	return r
}

// Register adds an executor, replacing any previous executor for the
// same kind. Replacement keeps the registry usable as an override point
// in tests.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[e.Kind()] = e
}

// Get returns the executor for kind, if one is registered.
func (r *Registry) Get(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKind[kind]
	return e, ok
}

// Kinds returns the registered kinds in sorted order. Workers advertise
// this list as their capability filter when leasing.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DefaultRegistry returns a registry with the built-in executors.
func DefaultRegistry() *Registry {
	return NewRegistry(NewHTTPExecutor())
}
