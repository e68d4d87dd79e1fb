package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/emit"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/tmpl"
)

// startIterator expands a loop step: renders the collection, applies
// where/order_by/limit/chunk, renders every child action up front, and
// records the whole expansion on a single iterator_started event. Children
// enqueue afterwards from that event, never from a re-render, so the
// expansion survives crashes and replays unchanged.
func (e *Engine) startIterator(ctx context.Context, proj *projection, st *stepState, scope map[string]any) (bool, error) {
	loop := st.step.Loop
	items, err := e.renderCollection(ctx, loop, scope)
	if err != nil {
		return e.failStep(ctx, proj, st, err.Error())
	}

	children := make([]any, len(items))
	for i, item := range items {
		cscope := iterScope(scope, loop, item, i, len(items))
		spec, rerr := tmpl.RenderMap(ctx, e.eval, st.step.Tool.Spec, cscope)
		if rerr != nil {
			return e.failStep(ctx, proj, st, fmt.Sprintf("render iteration %d: %v", i, rerr))
		}
		children[i] = map[string]any{
			"index":  i,
			"kind":   st.step.Tool.Kind,
			"action": map[string]any(e.buildAction(proj, st.step.Name, spec, st.step.Tool.Timeout, cscope)),
		}
	}

	st.dispatched = true
	return e.append(ctx, proj, &model.Event{
		Type:   model.EventIteratorStarted,
		NodeID: st.step.Name,
		Data: model.JSONMap{
			"total":       len(items),
			"mode":        loop.Mode,
			"concurrency": loop.Concurrency,
			"chunk_size":  loop.Chunk,
			"children":    children,
		},
		DedupKey: "iterator_started:" + st.step.Name,
	})
}

// evaluateLoop maintains a started iterator: joins finished loops, makes
// sure every child row exists, and keeps the concurrency window full.
func (e *Engine) evaluateLoop(ctx context.Context, proj *projection, st *stepState) (bool, error) {
	loop := st.loop
	changed := false

	// Join: all children accounted for, exactly one aggregate.
	if !loop.emitted && loop.completed+loop.failed >= loop.total {
		result := loopResult(loop)
		fresh, err := e.append(ctx, proj, &model.Event{
			Type:     model.EventIteratorCompleted,
			NodeID:   st.step.Name,
			Result:   result,
			Data:     model.JSONMap{"count": result["count"], "failed": loop.failed},
			DedupKey: st.step.Name + ":iterator_completed",
		})
		changed = changed || fresh
		if err != nil {
			return changed, err
		}
		if fresh {
			e.metrics.iteratorJoined()
			e.emitEvent(emit.Event{
				ExecutionID: proj.execID,
				NodeID:      st.step.Name,
				Msg:         "iterator_joined",
				Meta:        map[string]any{"count": result["count"], "failed": loop.failed},
			})
		}
	}
	if loop.emitted && !st.terminal() {
		fresh, err := e.append(ctx, proj, &model.Event{
			Type:     model.EventStepCompleted,
			NodeID:   st.step.Name,
			Result:   loopResult(loop),
			Data:     model.JSONMap{"vars": anyMap(e.bindsForCompletion(ctx, proj, st))},
			DedupKey: "step_completed:" + st.step.Name,
		})
		return changed || fresh, err
	}

	if !loop.childrenEnqueued && len(loop.children) > 0 {
		fresh, err := e.enqueueChildren(ctx, proj, st)
		changed = changed || fresh
		if err != nil {
			return changed, err
		}
		loop.childrenEnqueued = true
	}

	if loop.promoteNeeded {
		loop.promoteNeeded = false
		if err := e.promoteWindow(ctx, proj, st); err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// enqueueChildren writes one queue row per expanded child. Rows beyond the
// dispatch window carry the deferred placeholder and are promoted as
// earlier children finish.
func (e *Engine) enqueueChildren(ctx context.Context, proj *projection, st *stepState) (bool, error) {
	loop := st.loop
	window := dispatchWindow(loop)
	now := e.clock()

	jobs := make([]*model.Job, 0, len(loop.children))
	for _, ch := range loop.children {
		available := now
		if window > 0 && ch.Index >= window {
			available = model.DeferredHorizon
		}
		jobs = append(jobs, &model.Job{
			ExecutionID: proj.execID,
			NodeID:      st.step.Name,
			Kind:        ch.Kind,
			Action:      model.JSONMap(ch.Action),
			MaxAttempts: defaultJobMaxAttempts,
			AvailableAt: available,
			Meta: model.Meta{Iterator: &model.IteratorMeta{
				Index:     ch.Index,
				Total:     loop.total,
				Name:      st.step.Loop.Element,
				Mode:      loop.mode,
				ChunkSize: loop.chunkSize,
			}},
			DedupKey: fmt.Sprintf("job:%s:%d:1", st.step.Name, ch.Index),
		})
	}
	if _, err := e.store.EnqueueBatch(ctx, jobs); err != nil {
		return false, Wrap(CodeRetriable, err, "enqueue iterations")
	}
	for _, j := range jobs {
		e.metrics.enqueued(j.Kind)
	}

	changed := false
	for _, ch := range loop.children {
		fresh, err := e.append(ctx, proj, &model.Event{
			Type:   model.EventIterationStarted,
			NodeID: st.step.Name,
			Data:   model.JSONMap{"index": ch.Index},
			Meta: model.Meta{Iterator: &model.IteratorMeta{
				Index: ch.Index,
				Total: loop.total,
				Name:  st.step.Loop.Element,
				Mode:  loop.mode,
			}},
			DedupKey: fmt.Sprintf("iter:%s:%d:started", st.step.Name, ch.Index),
		})
		changed = changed || fresh
		if err != nil {
			return changed, err
		}
	}
	return changed, nil
}

// dispatchWindow is how many children may be in flight at once: one for
// sequential loops, the concurrency cap for async (0 = unbounded).
func dispatchWindow(loop *loopState) int {
	if loop.mode == model.IteratorSequential {
		return 1
	}
	return loop.concurrency
}

// promoteWindow tops the dispatch window back up after child terminals.
// The live rows are counted instead of tracked, so the check is idempotent
// and safe right after a rebuild.
func (e *Engine) promoteWindow(ctx context.Context, proj *projection, st *stepState) error {
	loop := st.loop
	window := dispatchWindow(loop)
	if window <= 0 {
		return nil
	}
	jobs, err := e.store.JobsByExecution(ctx, proj.execID)
	if err != nil {
		return Wrap(CodeRetriable, err, "inspect queue")
	}
	settled := make(map[int]bool, loop.completed+loop.failed)
	for idx := range loop.results {
		settled[idx] = true
	}
	for _, le := range loop.errors {
		settled[le.Index] = true
	}
	inflight, deferred := 0, 0
	for _, j := range jobs {
		if j.NodeID != st.step.Name || j.Status.Terminal() {
			continue
		}
		// A row whose iteration outcome is already in the log no longer
		// occupies a window slot, even if the worker has not acked it yet.
		if j.Meta.Iterator != nil && settled[j.Meta.Iterator.Index] {
			continue
		}
		if j.AvailableAt.Equal(model.DeferredHorizon) {
			deferred++
			continue
		}
		inflight++
	}
	debt := window - inflight
	if debt <= 0 || deferred == 0 {
		return nil
	}
	if _, err := e.store.PromoteDeferred(ctx, proj.execID, st.step.Name, min(debt, deferred), e.clock()); err != nil {
		return Wrap(CodeRetriable, err, "promote iterations")
	}
	return nil
}

// loopResult aggregates a finished loop: successful results in index
// order, the success count, and per-index failure messages.
func loopResult(loop *loopState) map[string]any {
	items := make([]any, 0, len(loop.results))
	for i := 0; i < loop.total; i++ {
		if r, ok := loop.results[i]; ok {
			items = append(items, r)
		}
	}
	errs := make([]any, 0, len(loop.errors))
	for _, le := range loop.errors {
		errs = append(errs, map[string]any{"index": le.Index, "message": le.Message})
	}
	return map[string]any{
		"items":  items,
		"count":  len(items),
		"errors": errs,
	}
}

// renderCollection turns the loop's collection into the final item list:
// render, coerce to a list, then where → order_by → limit → chunk.
func (e *Engine) renderCollection(ctx context.Context, loop *dsl.LoopSpec, scope map[string]any) ([]any, error) {
	raw, err := tmpl.RenderAny(ctx, e.eval, loop.Collection, scope)
	if err != nil {
		return nil, fmt.Errorf("render collection: %w", err)
	}
	items, err := coerceList(raw)
	if err != nil {
		return nil, err
	}

	if loop.Where != "" {
		kept := items[:0:0]
		for i, item := range items {
			v, err := tmpl.Render(ctx, e.eval, loop.Where, iterScope(scope, loop, item, i, len(items)))
			if err != nil {
				return nil, fmt.Errorf("render where: %w", err)
			}
			if tmpl.Truthy(v) {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	if loop.OrderBy != "" {
		keys := make([]any, len(items))
		for i, item := range items {
			k, err := tmpl.Render(ctx, e.eval, loop.OrderBy, iterScope(scope, loop, item, i, len(items)))
			if err != nil {
				return nil, fmt.Errorf("render order_by: %w", err)
			}
			keys[i] = k
		}
		idx := make([]int, len(items))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return lessAny(keys[idx[a]], keys[idx[b]]) })
		sorted := make([]any, len(items))
		for i, j := range idx {
			sorted[i] = items[j]
		}
		items = sorted
	}

	if loop.Limit > 0 && len(items) > loop.Limit {
		items = items[:loop.Limit]
	}

	if loop.Chunk > 0 {
		chunks := make([]any, 0, (len(items)+loop.Chunk-1)/loop.Chunk)
		for start := 0; start < len(items); start += loop.Chunk {
			end := min(start+loop.Chunk, len(items))
			chunks = append(chunks, items[start:end])
		}
		items = chunks
	}
	return items, nil
}

// coerceList normalizes a rendered collection. Lists pass through, null is
// empty, mappings are rejected, and any scalar (strings included, never
// split per character) becomes a single-element list.
func coerceList(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case map[string]any:
		return nil, fmt.Errorf("collection is a mapping; iterate its keys or values explicitly")
	default:
		return []any{v}, nil
	}
}

// lessAny orders sort keys: numbers numerically, everything else by its
// string form. Numbers sort before non-numbers.
func lessAny(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	switch {
	case aok && bok:
		return af < bf
	case aok:
		return true
	case bok:
		return false
	default:
		return tmpl.Stringify(a) < tmpl.Stringify(b)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
