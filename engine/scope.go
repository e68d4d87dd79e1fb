package engine

import "github.com/loomworks/loom/dsl"

// Step status values surfaced to templates through the step.* namespace.
const (
	scopeStatusDone  = "done"
	scopeStatusError = "error"
)

// baseScope assembles the document every render starts from: workload,
// vars, and summaries of finished steps. The maps are shared, not copied;
// renders must treat the scope as read-only.
func (p *projection) baseScope() map[string]any {
	steps := map[string]any{}
	for name, st := range p.steps {
		switch {
		case st.done:
			steps[name] = map[string]any{"result": st.result, "status": scopeStatusDone}
		case st.dead:
			steps[name] = map[string]any{"result": map[string]any{"error": st.failure}, "status": scopeStatusError}
		}
	}
	return map[string]any{
		"workload":     p.workload,
		"vars":         p.vars,
		"step":         steps,
		"execution_id": p.execID.String(),
	}
}

// stepScope extends the base scope with the step's identity and call
// buffer, the document its when, bind, and tool templates render against.
func (p *projection) stepScope(st *stepState) map[string]any {
	scope := p.baseScope()
	scope["node_id"] = st.step.Name
	scope["call"] = st.call
	return scope
}

// resultScope is the post-result document used by case rules, next
// routing, and on_success policies. result and response name the same
// value.
func (p *projection) resultScope(st *stepState, result any) map[string]any {
	scope := p.stepScope(st)
	scope["result"] = result
	scope["response"] = result
	return scope
}

// withBinds overlays rendered bind values on a scope's vars without
// publishing them to the projection. The body of the binding step renders
// against this view; the values go global when the step completes.
func withBinds(scope map[string]any, binds map[string]any) map[string]any {
	if len(binds) == 0 {
		return scope
	}
	out := make(map[string]any, len(scope))
	for k, v := range scope {
		out[k] = v
	}
	vars, _ := scope["vars"].(map[string]any)
	out["vars"] = deepMerge(vars, binds)
	return out
}

// iterScope binds one collection element for a child render: the element
// under its declared name plus index and count bookkeeping.
func iterScope(scope map[string]any, loop *dsl.LoopSpec, item any, index, total int) map[string]any {
	out := make(map[string]any, len(scope)+1)
	for k, v := range scope {
		out[k] = v
	}
	elem := item
	if loop.Enumerate {
		elem = map[string]any{"index": index, "value": item}
	}
	out["iter"] = map[string]any{
		loop.Element: elem,
		"index":      index,
		"count":      total,
	}
	return out
}
