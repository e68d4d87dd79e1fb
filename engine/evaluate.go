package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/emit"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/tmpl"
)

// evaluate recomputes decisions from the projection until nothing changes,
// then runs completion detection. Every effect is idempotent (dedup keys on
// events and queue rows), so calling this at any moment is safe.
func (e *Engine) evaluate(ctx context.Context, proj *projection) error {
	if proj.status == model.ExecutionPaused && !proj.abortRequested() {
		return nil
	}
	// Inline control chains advance one step per pass; bound generously.
	limit := 4*len(proj.playbook.Steps) + 16
	for pass := 0; pass < limit; pass++ {
		changed, err := e.evaluateOnce(ctx, proj)
		if err != nil {
			return err
		}
		if proj.status.Terminal() || proj.status == model.ExecutionPaused {
			return nil
		}
		if !changed {
			break
		}
	}
	return e.detectCompletion(ctx, proj)
}

// evaluateOnce makes a single decision sweep: entry activation, gates and
// body dispatch, iterator maintenance, unconsumed action outcomes, and
// outgoing routing, visiting steps in declaration order so ties resolve
// deterministically.
func (e *Engine) evaluateOnce(ctx context.Context, proj *projection) (bool, error) {
	if proj.abortRequested() {
		return e.failExecution(ctx, proj, "aborted by operator")
	}
	if proj.status.Terminal() || proj.status == model.ExecutionPaused || proj.status == model.ExecutionPending {
		return false, nil
	}

	changed := false

	entry := proj.stepState(dsl.EntryStep)
	if entry != nil && !entry.activated {
		fresh, err := e.append(ctx, proj, &model.Event{
			Type:     model.EventStepStarted,
			NodeID:   dsl.EntryStep,
			Data:     model.JSONMap{"args": map[string]any{}},
			DedupKey: "step_started:" + dsl.EntryStep + ":entry",
		})
		if err != nil {
			return changed, err
		}
		changed = changed || fresh
	}

	for _, def := range proj.playbook.Steps {
		st, ok := proj.steps[def.Name]
		if !ok {
			continue
		}
		c, err := e.evaluateStep(ctx, proj, st)
		changed = changed || c
		if err != nil {
			return changed, err
		}
		if proj.status.Terminal() || proj.status == model.ExecutionPaused {
			return true, nil
		}
	}
	return changed, nil
}

func (e *Engine) evaluateStep(ctx context.Context, proj *projection, st *stepState) (bool, error) {
	changed := false

	if st.activated && !st.terminal() && !st.dispatched && !st.running && !st.actionObserved() {
		c, err := e.dispatchStep(ctx, proj, st)
		changed = changed || c
		if err != nil {
			return changed, err
		}
	}

	if st.loop != nil && st.loop.started && !st.terminal() {
		c, err := e.evaluateLoop(ctx, proj, st)
		changed = changed || c
		if err != nil {
			return changed, err
		}
	}

	for _, idx := range sortedChainKeys(st.chains) {
		c := st.chains[idx]
		if c.last == nil || c.sealed {
			continue
		}
		ch, err := e.consumeOutcome(ctx, proj, st, idx, c)
		changed = changed || ch
		if err != nil {
			return changed, err
		}
		if proj.status.Terminal() {
			return changed, nil
		}
	}

	if st.routable() && !st.routingDone {
		ch, err := e.routeCompleted(ctx, proj, st)
		changed = changed || ch
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// actionObserved reports whether any action or iterator activity exists, so
// a rebuilt projection does not dispatch a body that already ran.
func (st *stepState) actionObserved() bool {
	if st.loop != nil && st.loop.started {
		return true
	}
	return len(st.chains) > 0
}

// routable reports whether outgoing routing should fire: the step is done,
// or dead with a continue policy (the error result keeps the branch alive).
func (st *stepState) routable() bool {
	return st.done || (st.dead && st.step.ContinueOnError())
}

// effectiveResult is the document the step's routing scope exposes as
// result.
func (st *stepState) effectiveResult() any {
	if st.done {
		return st.result
	}
	return map[string]any{"error": st.failure, "status": scopeStatusError}
}

// dispatchStep takes an activated step through gate, bind, and body
// launch. A falsy gate parks the step; nothing is recorded, the next
// evaluation re-renders against the then-current call buffer.
func (e *Engine) dispatchStep(ctx context.Context, proj *projection, st *stepState) (bool, error) {
	if st.step.When != "" {
		v, err := tmpl.Render(ctx, e.eval, st.step.When, proj.stepScope(st))
		if err != nil {
			return e.failStep(ctx, proj, st, fmt.Sprintf("render when: %v", err))
		}
		if !tmpl.Truthy(v) {
			return false, nil
		}
	}

	binds, err := e.renderBinds(ctx, proj, st)
	if err != nil {
		return e.failStep(ctx, proj, st, err.Error())
	}
	st.pendingBinds = binds
	scope := withBinds(proj.stepScope(st), binds)

	switch {
	case st.step.IsControl():
		st.dispatched = true
		return e.append(ctx, proj, &model.Event{
			Type:     model.EventStepCompleted,
			NodeID:   st.step.Name,
			Result:   map[string]any{},
			Data:     model.JSONMap{"vars": anyMap(binds)},
			DedupKey: "step_completed:" + st.step.Name,
		})
	case st.step.Loop != nil:
		return e.startIterator(ctx, proj, st, scope)
	default:
		return e.dispatchTool(ctx, proj, st, scope)
	}
}

// dispatchTool renders the tool spec and enqueues the first attempt.
func (e *Engine) dispatchTool(ctx context.Context, proj *projection, st *stepState, scope map[string]any) (bool, error) {
	spec, err := tmpl.RenderMap(ctx, e.eval, st.step.Tool.Spec, scope)
	if err != nil {
		return e.failStep(ctx, proj, st, fmt.Sprintf("render tool spec: %v", err))
	}
	job := &model.Job{
		ExecutionID: proj.execID,
		NodeID:      st.step.Name,
		Kind:        st.step.Tool.Kind,
		Action:      e.buildAction(proj, st.step.Name, spec, st.step.Tool.Timeout, scope),
		MaxAttempts: defaultJobMaxAttempts,
		AvailableAt: e.clock(),
		DedupKey:    fmt.Sprintf("job:%s:1", st.step.Name),
	}
	fresh, err := e.enqueue(ctx, proj, job)
	if err != nil {
		return false, err
	}
	st.dispatched = true
	return fresh, nil
}

// buildAction packages the rendered spec with the per-job context snapshot
// the worker hands to its executor.
func (e *Engine) buildAction(proj *projection, node string, spec map[string]any, timeout float64, scope map[string]any) model.JSONMap {
	return model.JSONMap{
		"spec":    spec,
		"timeout": timeout,
		"context": map[string]any{
			"execution_id":  proj.execID.String(),
			"node_id":       node,
			"workload":      scope["workload"],
			"vars":          scope["vars"],
			"_step_results": scope["step"],
		},
	}
}

// consumeOutcome reacts to a terminal action outcome exactly once.
func (e *Engine) consumeOutcome(ctx context.Context, proj *projection, st *stepState, idx int, c *chainState) (bool, error) {
	if c.last.typ == model.EventActionFailed {
		return e.consumeFailure(ctx, proj, st, idx, c)
	}
	return e.consumeSuccess(ctx, proj, st, idx, c)
}

func (e *Engine) consumeSuccess(ctx context.Context, proj *projection, st *stepState, idx int, c *chainState) (bool, error) {
	out := c.last
	scope := proj.resultScope(st, out.result)
	changed := false

	// Case rules fire first; every truthy rule dispatches, independently
	// of next routing. Deliveries dedup per rule, so repeat evaluations
	// cannot double-send.
	for i, rule := range st.step.Case {
		if st.caseFired == nil {
			st.caseFired = map[int]bool{}
		}
		if st.caseFired[i] {
			continue
		}
		v, err := tmpl.Render(ctx, e.eval, rule.When, scope)
		if err != nil {
			return e.failExecution(ctx, proj, fmt.Sprintf("step %s case %d: %v", st.step.Name, i, err))
		}
		if !tmpl.Truthy(v) {
			continue
		}
		for _, tgt := range rule.Then {
			dedup := fmt.Sprintf("step_started:%s:from:%s:case:%d", tgt.Step, st.step.Name, i)
			fresh, err := e.deliver(ctx, proj, st, tgt.Step, tgt.Args, scope, dedup)
			changed = changed || fresh
			if err != nil {
				return changed, err
			}
		}
		st.caseFired[i] = true
	}

	// Pagination/polling continuation.
	var pol *dsl.OnSuccessPolicy
	if st.step.Retry != nil {
		pol = st.step.Retry.OnSuccess
	}
	if pol != nil && len(c.results) < pol.MaxAttempts {
		v, err := tmpl.Render(ctx, e.eval, pol.While, scope)
		if err != nil {
			return e.failChainPosition(ctx, proj, st, idx, c, fmt.Sprintf("render while: %v", err))
		}
		if tmpl.Truthy(v) {
			fresh, err := e.enqueueContinuation(ctx, proj, st, idx, c, out, scope, pol)
			if err != nil {
				return changed, err
			}
			c.last = nil
			return changed || fresh, nil
		}
	}

	// Chain settles; aggregate and finalize this position.
	agg := aggregateChain(pol, c.results)
	if pol != nil && !c.seqEmitted {
		fresh, err := e.append(ctx, proj, &model.Event{
			Type:          model.EventRetrySequenceCompleted,
			NodeID:        st.step.Name,
			ParentEventID: out.eventID,
			Result:        agg,
			Meta:          model.Meta{Iterator: out.meta.Iterator},
			Data: model.JSONMap{
				"attempts":          len(c.results),
				"collect":           pol.Collect,
				"aggregated_result": agg,
			},
			DedupKey: fmt.Sprintf("retry_seq:%s:%d", st.step.Name, idx),
		})
		changed = changed || fresh
		if err != nil {
			return changed, err
		}
	}

	if out.meta.Iterator != nil {
		fresh, err := e.append(ctx, proj, &model.Event{
			Type:          model.EventIterationCompleted,
			NodeID:        st.step.Name,
			ParentEventID: out.eventID,
			Result:        agg,
			Meta:          model.Meta{Iterator: out.meta.Iterator},
			Data:          model.JSONMap{"index": idx},
			DedupKey:      fmt.Sprintf("iter:%s:%d:done", st.step.Name, idx),
		})
		if st.loop != nil {
			st.loop.promoteNeeded = true
		}
		c.last = nil
		return changed || fresh, err
	}

	fresh, err := e.append(ctx, proj, &model.Event{
		Type:          model.EventStepCompleted,
		NodeID:        st.step.Name,
		ParentEventID: out.eventID,
		Result:        agg,
		Data:          model.JSONMap{"vars": anyMap(e.bindsForCompletion(ctx, proj, st))},
		DedupKey:      "step_completed:" + st.step.Name,
	})
	c.last = nil
	return changed || fresh, err
}

func (e *Engine) consumeFailure(ctx context.Context, proj *projection, st *stepState, idx int, c *chainState) (bool, error) {
	out := c.last
	if out.meta.Retry != nil && out.meta.Retry.WillRetry {
		fresh, err := e.enqueueRetry(ctx, proj, st, idx, c)
		if err != nil {
			return false, err
		}
		c.last = nil
		return fresh, nil
	}

	c.last = nil
	if out.meta.Iterator != nil {
		if st.loop != nil {
			st.loop.promoteNeeded = true
		}
		return e.append(ctx, proj, &model.Event{
			Type:          model.EventIterationFailed,
			NodeID:        st.step.Name,
			ParentEventID: out.eventID,
			Meta:          model.Meta{Iterator: out.meta.Iterator},
			Data:          model.JSONMap{"index": idx, "error": TruncateError(out.errMsg)},
			DedupKey:      fmt.Sprintf("iter:%s:%d:failed", st.step.Name, idx),
		})
	}
	return e.failStep(ctx, proj, st, out.errMsg)
}

// failChainPosition fails one call position: iterations record an
// iteration_failed, plain steps go dead.
func (e *Engine) failChainPosition(ctx context.Context, proj *projection, st *stepState, idx int, c *chainState, msg string) (bool, error) {
	out := c.last
	c.last = nil
	if out != nil && out.meta.Iterator != nil {
		return e.append(ctx, proj, &model.Event{
			Type:     model.EventIterationFailed,
			NodeID:   st.step.Name,
			Meta:     model.Meta{Iterator: out.meta.Iterator},
			Data:     model.JSONMap{"index": idx, "error": TruncateError(msg)},
			DedupKey: fmt.Sprintf("iter:%s:%d:failed", st.step.Name, idx),
		})
	}
	return e.failStep(ctx, proj, st, msg)
}

// failStep records the step's death and escalates per its on_error policy:
// continue keeps the branch routable with the error as the step's result,
// fail terminalizes the execution.
func (e *Engine) failStep(ctx context.Context, proj *projection, st *stepState, msg string) (bool, error) {
	fresh, err := e.append(ctx, proj, &model.Event{
		Type:     model.EventStepFailed,
		NodeID:   st.step.Name,
		Data:     model.JSONMap{"error": TruncateError(msg)},
		DedupKey: "step_failed:" + st.step.Name,
	})
	if err != nil {
		return fresh, err
	}
	if st.step.ContinueOnError() {
		return fresh, nil
	}
	_, err = e.failExecution(ctx, proj, fmt.Sprintf("step %s failed: %s", st.step.Name, msg))
	return true, err
}

// failExecution terminalizes the execution as FAILED.
func (e *Engine) failExecution(ctx context.Context, proj *projection, msg string) (bool, error) {
	return e.append(ctx, proj, &model.Event{
		Type: model.EventExecutionComplete,
		Data: model.JSONMap{
			"status": string(model.ExecutionFailed),
			"error":  TruncateError(msg),
		},
		DedupKey: "execution_complete",
	})
}

// routeCompleted scans the next array with edge → fan → else precedence
// and delivers payloads to the chosen targets. Case rules are handled at
// action completion, not here.
func (e *Engine) routeCompleted(ctx context.Context, proj *projection, st *stepState) (bool, error) {
	st.routingDone = true
	scope := proj.resultScope(st, st.effectiveResult())

	targets, err := e.pickTargets(ctx, st, scope)
	if err != nil {
		return e.failExecution(ctx, proj, fmt.Sprintf("step %s routing: %v", st.step.Name, err))
	}

	changed := false
	for _, tgt := range targets {
		dedup := fmt.Sprintf("step_started:%s:from:%s", tgt.Step, st.step.Name)
		fresh, err := e.deliver(ctx, proj, st, tgt.Step, tgt.Args, scope, dedup)
		changed = changed || fresh
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// pickTargets resolves the next array: first conditional edge whose when is
// truthy, else the first truthy fan (all its targets), else the first
// unconditional edge. No match means the branch sinks here.
func (e *Engine) pickTargets(ctx context.Context, st *stepState, scope map[string]any) ([]dsl.Target, error) {
	for _, item := range st.step.Next {
		if item.IsFan() || item.IsElse() || item.Step == "" {
			continue
		}
		v, err := tmpl.Render(ctx, e.eval, item.When, scope)
		if err != nil {
			return nil, fmt.Errorf("edge to %s: %w", item.Step, err)
		}
		if tmpl.Truthy(v) {
			return []dsl.Target{{Step: item.Step, Args: item.Args}}, nil
		}
	}
	for _, item := range st.step.Next {
		if !item.IsFan() {
			continue
		}
		if item.When != "" {
			v, err := tmpl.Render(ctx, e.eval, item.When, scope)
			if err != nil {
				return nil, fmt.Errorf("fan: %w", err)
			}
			if !tmpl.Truthy(v) {
				continue
			}
		}
		return item.Then, nil
	}
	for _, item := range st.step.Next {
		if item.IsElse() {
			return []dsl.Target{{Step: item.Step, Args: item.Args}}, nil
		}
	}
	return nil, nil
}

// deliver renders an edge payload in the sender's scope and records the
// delivery as a step_started event; the projection merges it into the
// target's call buffer. Deliveries to finished steps are dropped.
func (e *Engine) deliver(ctx context.Context, proj *projection, from *stepState, target string, args map[string]any, scope map[string]any, dedup string) (bool, error) {
	tgt := proj.stepState(target)
	if tgt == nil {
		if target == dsl.EndStep {
			// Implicit sink; completion detection finishes the branch.
			return false, nil
		}
		e.log.Warn("route to unknown step",
			zap.Stringer("execution_id", proj.execID),
			zap.String("from", from.step.Name),
			zap.String("target", target))
		return false, nil
	}
	if tgt.terminal() {
		e.emitEvent(emit.Event{
			ExecutionID: proj.execID,
			NodeID:      target,
			Msg:         "dispatch_dropped",
			Meta:        map[string]any{"from": from.step.Name},
		})
		return false, nil
	}
	rendered := map[string]any{}
	if len(args) > 0 {
		var err error
		rendered, err = tmpl.RenderMap(ctx, e.eval, args, scope)
		if err != nil {
			return e.failExecution(ctx, proj, fmt.Sprintf("args for %s: %v", target, err))
		}
	}
	return e.append(ctx, proj, &model.Event{
		Type:     model.EventStepStarted,
		NodeID:   target,
		Data:     model.JSONMap{"args": rendered, "from": from.step.Name},
		DedupKey: dedup,
	})
}

// renderBinds evaluates the step's bind block against the pre-bind scope.
// Assignments are independent; none can see another's value.
func (e *Engine) renderBinds(ctx context.Context, proj *projection, st *stepState) (map[string]any, error) {
	if len(st.step.Bind) == 0 {
		return nil, nil
	}
	scope := proj.stepScope(st)
	out := make(map[string]any, len(st.step.Bind))
	for k, v := range st.step.Bind {
		r, err := tmpl.RenderAny(ctx, e.eval, v, scope)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

// bindsForCompletion returns the binds to publish on step_completed. The
// dispatch-time rendering is preferred; after a rebuild it is gone and the
// binds re-render against the current scope.
func (e *Engine) bindsForCompletion(ctx context.Context, proj *projection, st *stepState) map[string]any {
	if st.pendingBinds != nil {
		return st.pendingBinds
	}
	if len(st.step.Bind) == 0 {
		return nil
	}
	binds, err := e.renderBinds(ctx, proj, st)
	if err != nil {
		e.log.Warn("re-render binds",
			zap.Stringer("execution_id", proj.execID),
			zap.String("node_id", st.step.Name),
			zap.Error(err))
		return nil
	}
	return binds
}

// detectCompletion terminalizes the execution once no step holds it open
// and the queue has drained. Parked steps do not hold it open: at
// quiescence nothing can deliver to them again.
func (e *Engine) detectCompletion(ctx context.Context, proj *projection) error {
	if proj.status != model.ExecutionRunning {
		return nil
	}
	for _, st := range proj.steps {
		if st.active() {
			return nil
		}
	}
	pending, err := e.store.PendingJobs(ctx, proj.execID)
	if err != nil {
		return Wrap(CodeRetriable, err, "pending jobs")
	}
	if pending > 0 {
		return nil
	}

	status := model.ExecutionCompleted
	for _, st := range proj.steps {
		if st.dead && !st.step.ContinueOnError() {
			status = model.ExecutionFailed
			break
		}
	}
	_, err = e.append(ctx, proj, &model.Event{
		Type:     model.EventExecutionComplete,
		Data:     model.JSONMap{"status": string(status)},
		DedupKey: "execution_complete",
	})
	return err
}

// append persists a synthetic event and folds it into the projection.
// Dedup suppression means another pass (or server) already recorded it;
// the caller treats that as no change.
func (e *Engine) append(ctx context.Context, proj *projection, ev *model.Event) (bool, error) {
	ev.ExecutionID = proj.execID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}
	id, err := e.store.AppendEvent(ctx, ev)
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, Wrap(CodeRetriable, err, "append "+string(ev.Type))
	}
	ev.EventID = id

	prev := proj.status
	proj.apply(ev)
	e.metrics.event(string(ev.Type))
	e.emitEvent(emit.Event{
		ExecutionID: proj.execID,
		EventID:     id,
		NodeID:      ev.NodeID,
		Msg:         "event_applied",
		Meta:        map[string]any{"type": string(ev.Type)},
	})
	if proj.status != prev {
		e.persistStatus(ctx, proj)
	}
	return true, nil
}

// enqueue writes one queue row, treating dedup suppression as success.
func (e *Engine) enqueue(ctx context.Context, proj *projection, job *model.Job) (bool, error) {
	id, err := e.store.Enqueue(ctx, job)
	if errors.Is(err, store.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, Wrap(CodeRetriable, err, "enqueue job")
	}
	e.metrics.enqueued(job.Kind)
	meta := map[string]any{"queue_id": id.String(), "kind": job.Kind}
	if job.Meta.Retry != nil {
		meta["attempt"] = job.Meta.Retry.AttemptNumber
		meta["retry_type"] = job.Meta.Retry.Type
		e.metrics.retry(job.Meta.Retry.Type)
		e.emitEvent(emit.Event{ExecutionID: proj.execID, NodeID: job.NodeID, Msg: "retry_scheduled", Meta: meta})
		return true, nil
	}
	e.emitEvent(emit.Event{ExecutionID: proj.execID, NodeID: job.NodeID, Msg: "job_dispatched", Meta: meta})
	return true, nil
}

func sortedChainKeys(chains map[int]*chainState) []int {
	keys := make([]int, 0, len(chains))
	for k := range chains {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// anyMap widens a rendered map for event data; nil stays nil so empty bind
// blocks do not serialize.
func anyMap(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// priorJob loads the queue row an action event reported from, the template
// for retry rows and continuations.
func (e *Engine) priorJob(ctx context.Context, out *actionOutcome) *model.Job {
	if out.queueID.IsZero() {
		return nil
	}
	job, err := e.store.GetJob(ctx, out.queueID)
	if err != nil {
		return nil
	}
	return job
}

// enqueueRetry writes the next on_error attempt as a fresh queue row,
// cloning the failed attempt's action so the retry runs the same call.
func (e *Engine) enqueueRetry(ctx context.Context, proj *projection, st *stepState, idx int, c *chainState) (bool, error) {
	out := c.last
	retry := out.meta.Retry
	prior := e.priorJob(ctx, out)

	var kind string
	var action model.JSONMap
	switch {
	case prior != nil:
		kind, action = prior.Kind, prior.Action
	case out.meta.Iterator == nil && st.step.Tool != nil:
		// Row lost (pruned or reported without queue_id): re-render.
		scope := withBinds(proj.stepScope(st), st.pendingBinds)
		spec, err := tmpl.RenderMap(ctx, e.eval, st.step.Tool.Spec, scope)
		if err != nil {
			return e.failStep(ctx, proj, st, fmt.Sprintf("re-render tool spec: %v", err))
		}
		kind = st.step.Tool.Kind
		action = e.buildAction(proj, st.step.Name, spec, st.step.Tool.Timeout, scope)
	default:
		return e.failChainPosition(ctx, proj, st, idx, c, "retry impossible: original job row lost")
	}

	delay := time.Duration(retry.NextDelayMS) * time.Millisecond
	job := &model.Job{
		ExecutionID: proj.execID,
		NodeID:      st.step.Name,
		Kind:        kind,
		Action:      action,
		MaxAttempts: defaultJobMaxAttempts,
		AvailableAt: e.clock().Add(delay),
		Meta: model.Meta{
			Retry: &model.RetryMeta{
				AttemptNumber: retry.AttemptNumber + 1,
				ParentEventID: out.eventID,
				Type:          model.RetryOnError,
			},
			Iterator: out.meta.Iterator,
		},
		DedupKey: fmt.Sprintf("retry:%s:%d:%d", st.step.Name, idx, retry.AttemptNumber+1),
	}
	return e.enqueue(ctx, proj, job)
}

// enqueueContinuation writes the next on_success attempt: next_call renders
// in the result scope and deep-merges into the prior attempt's spec, so a
// pagination chain's cursor evolves call over call.
func (e *Engine) enqueueContinuation(ctx context.Context, proj *projection, st *stepState, idx int, c *chainState, out *actionOutcome, scope map[string]any, pol *dsl.OnSuccessPolicy) (bool, error) {
	prior := e.priorJob(ctx, out)

	var baseSpec map[string]any
	var action model.JSONMap
	var kind string
	if prior != nil {
		kind = prior.Kind
		action = prior.Action.Clone()
		baseSpec, _ = action["spec"].(map[string]any)
	} else if st.step.Tool != nil {
		kind = st.step.Tool.Kind
		bscope := withBinds(proj.stepScope(st), st.pendingBinds)
		spec, err := tmpl.RenderMap(ctx, e.eval, st.step.Tool.Spec, bscope)
		if err != nil {
			return e.failChainPosition(ctx, proj, st, idx, c, fmt.Sprintf("re-render tool spec: %v", err))
		}
		action = e.buildAction(proj, st.step.Name, spec, st.step.Tool.Timeout, bscope)
		baseSpec = spec
	} else {
		return e.failChainPosition(ctx, proj, st, idx, c, "continuation impossible: no tool")
	}

	nextCall, err := tmpl.RenderMap(ctx, e.eval, pol.NextCall, scope)
	if err != nil {
		return e.failChainPosition(ctx, proj, st, idx, c, fmt.Sprintf("render next_call: %v", err))
	}
	action["spec"] = deepMerge(baseSpec, nextCall)

	seq := len(c.results) + 1
	job := &model.Job{
		ExecutionID: proj.execID,
		NodeID:      st.step.Name,
		Kind:        kind,
		Action:      action,
		MaxAttempts: defaultJobMaxAttempts,
		AvailableAt: e.clock(),
		Meta: model.Meta{
			Retry: &model.RetryMeta{
				AttemptNumber: seq,
				ParentEventID: out.eventID,
				Type:          model.RetryOnSuccess,
			},
			Iterator: out.meta.Iterator,
		},
		DedupKey: fmt.Sprintf("cont:%s:%d:%d", st.step.Name, idx, seq),
	}
	return e.enqueue(ctx, proj, job)
}
