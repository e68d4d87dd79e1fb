// Package engine implements the event-driven control loop: it ingests
// events into the append-only log, folds them into per-execution
// projections, and turns projection state into queue writes and synthetic
// events. Events for one execution are processed strictly one at a time;
// every side effect is guarded by a deterministic dedup key, so replays,
// retries, and competing servers converge on the same outcome.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/emit"
	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/tmpl"
)

// defaultJobMaxAttempts is the infrastructure retry budget per queue row
// (lease expiry, worker loss). Application-level retries get fresh rows
// from the on_error policy instead of consuming this budget.
const defaultJobMaxAttempts = 3

// Engine orchestrates executions. Safe for concurrent use.
type Engine struct {
	store   store.Store
	source  dsl.Source
	ids     ident.Source
	eval    tmpl.Evaluator
	emitter emit.Emitter
	log     *zap.Logger
	metrics *Metrics
	clock   func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	ser *serializer

	mu    sync.Mutex
	projs map[ident.ID]*projection
}

// Options configures optional engine collaborators. Zero values select
// production defaults; tests inject a fixed clock and seeded randomness.
type Options struct {
	Evaluator tmpl.Evaluator
	Emitter   emit.Emitter
	Logger    *zap.Logger
	Metrics   *Metrics
	Clock     func() time.Time
	Rand      *rand.Rand
}

// New creates an engine on top of the given store, playbook source, and
// identifier source.
func New(st store.Store, src dsl.Source, ids ident.Source, opts Options) *Engine {
	e := &Engine{
		store:   st,
		source:  src,
		ids:     ids,
		eval:    opts.Evaluator,
		emitter: opts.Emitter,
		log:     opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		rng:     opts.Rand,
		ser:     newSerializer(),
		projs:   make(map[ident.ID]*projection),
	}
	if e.eval == nil {
		e.eval = tmpl.NewJQEvaluator()
	}
	if e.emitter == nil {
		e.emitter = &emit.NullEmitter{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// Metrics returns the engine's metrics set, nil when collection is
// disabled. Metrics methods tolerate a nil receiver.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Ack answers an event submission. Duplicate marks submissions that were
// answered from the dedup table; EventID is then the original event's ID.
type Ack struct {
	EventID   ident.ID `json:"event_id"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

// StartRequest launches a playbook.
type StartRequest struct {
	Path              string         `json:"path"`
	Version           string         `json:"version,omitempty"`
	CatalogID         string         `json:"catalog_id,omitempty"`
	Workload          map[string]any `json:"workload,omitempty"`
	ParentExecutionID ident.ID       `json:"parent_execution_id,omitempty"`
}

// StartExecution resolves the playbook, mints an execution, and ingests
// the execution_start event. The returned execution reflects any progress
// the start already made (control-only playbooks complete inline).
func (e *Engine) StartExecution(ctx context.Context, req StartRequest) (*model.Execution, error) {
	if req.Path == "" && req.CatalogID == "" {
		return nil, E(CodeValidation, "start: playbook path or catalog_id required")
	}
	pb, err := e.source.Resolve(ctx, dsl.Ref{Path: req.Path, Version: req.Version, CatalogID: req.CatalogID})
	if err != nil {
		if errors.Is(err, dsl.ErrNotFound) {
			return nil, Wrap(CodeNotFound, err, "start")
		}
		return nil, Wrap(CodeRetriable, err, "start: resolve playbook")
	}

	path := req.Path
	if path == "" {
		path = pb.Path
	}
	now := e.clock()
	exec := &model.Execution{
		ExecutionID:       e.ids.Next(),
		ParentExecutionID: req.ParentExecutionID,
		CatalogID:         req.CatalogID,
		Path:              path,
		Status:            model.ExecutionPending,
		StartTime:         now,
		Workload:          deepMerge(pb.Workload, req.Workload),
	}
	if err := e.store.UpsertExecution(ctx, exec); err != nil {
		return nil, Wrap(CodeRetriable, err, "start: persist execution")
	}

	_, err = e.HandleEvent(ctx, &model.Event{
		ExecutionID:       exec.ExecutionID,
		ParentExecutionID: req.ParentExecutionID,
		Type:              model.EventExecutionStart,
		Timestamp:         now,
		Context:           model.JSONMap{"workload": exec.Workload},
		Data:              model.JSONMap{"path": path, "version": req.Version},
		DedupKey:          "execution_start",
	})
	if err != nil {
		return nil, err
	}

	out, err := e.store.GetExecution(ctx, exec.ExecutionID)
	if err != nil {
		return exec, nil
	}
	return out, nil
}

// HandleEvent persists one event and drives every decision it enables:
// projection update, retry annotation, queue writes, synthetic follow-up
// events, completion detection. Duplicate submissions return the original
// event ID with Duplicate set and do not re-run consequences, though any
// half-finished decision work is retried.
func (e *Engine) HandleEvent(ctx context.Context, ev *model.Event) (*Ack, error) {
	if err := ev.Validate(); err != nil {
		return nil, Wrap(CodeValidation, err, "handle event")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}

	started := time.Now()
	var (
		ack  *Ack
		rerr error
	)
	err := e.ser.Do(ctx, ev.ExecutionID, func() {
		ack, rerr = e.handleLocked(ctx, ev)
	})
	if err != nil {
		return nil, Wrap(CodeCancelled, err, "handle event")
	}
	e.metrics.observeHandle(time.Since(started).Seconds())
	return ack, rerr
}

// handleLocked runs under the per-execution serializer.
func (e *Engine) handleLocked(ctx context.Context, ev *model.Event) (*Ack, error) {
	proj, err := e.projection(ctx, ev.ExecutionID)
	if err != nil {
		return nil, err
	}

	if ev.Type == model.EventActionFailed {
		e.annotateFailure(ctx, proj, ev)
	}

	id, err := e.store.AppendEvent(ctx, ev)
	if errors.Is(err, store.ErrDuplicate) {
		e.metrics.duplicate()
		e.emitEvent(emit.Event{
			ExecutionID: proj.execID,
			EventID:     id,
			NodeID:      ev.NodeID,
			Msg:         "duplicate_dropped",
			Meta:        map[string]any{"type": string(ev.Type)},
		})
		// The original submission may have died between persist and
		// decisions; re-evaluating is idempotent and heals that window.
		if err := e.catchUp(ctx, proj); err != nil {
			return nil, err
		}
		if err := e.evaluate(ctx, proj); err != nil {
			return nil, err
		}
		return &Ack{EventID: id, Duplicate: true}, nil
	}
	if err != nil {
		return nil, Wrap(CodeRetriable, err, "append event")
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

	if err := e.evaluate(ctx, proj); err != nil {
		return nil, err
	}
	e.retireIfTerminal(proj)
	return &Ack{EventID: id}, nil
}

// EvaluateExecution re-derives dispatch decisions from the current
// projection. Idempotent: with no new events it produces no new effects.
// The maintenance sweeper calls this to heal executions whose decision
// pass was interrupted.
func (e *Engine) EvaluateExecution(ctx context.Context, execID ident.ID) error {
	var rerr error
	err := e.ser.Do(ctx, execID, func() {
		proj, err := e.projection(ctx, execID)
		if err != nil {
			rerr = err
			return
		}
		if err := e.catchUp(ctx, proj); err != nil {
			rerr = err
			return
		}
		rerr = e.evaluate(ctx, proj)
		e.retireIfTerminal(proj)
	})
	if err != nil {
		return Wrap(CodeCancelled, err, "evaluate execution")
	}
	return rerr
}

// StepPhases reports each visited step's lifecycle position, for the
// inspection API. Parked versus ready is approximated without rendering
// gates: an activated, undispatched step reports PARKED.
func (e *Engine) StepPhases(ctx context.Context, execID ident.ID) (map[string]string, error) {
	out := map[string]string{}
	var rerr error
	err := e.ser.Do(ctx, execID, func() {
		proj, err := e.projection(ctx, execID)
		if err != nil {
			rerr = err
			return
		}
		if err := e.catchUp(ctx, proj); err != nil {
			rerr = err
			return
		}
		for name, st := range proj.steps {
			out[name] = st.phase(!st.dispatched && !st.running)
		}
	})
	if err != nil {
		return nil, Wrap(CodeCancelled, err, "step phases")
	}
	return out, rerr
}

// projection returns the cached projection for an execution, rebuilding it
// from the event log on a cache miss. Unknown executions are a not_found.
func (e *Engine) projection(ctx context.Context, execID ident.ID) (*projection, error) {
	e.mu.Lock()
	proj, ok := e.projs[execID]
	e.mu.Unlock()
	if ok {
		return proj, nil
	}

	proj, err := e.rebuild(ctx, execID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.projs[execID] = proj
	e.mu.Unlock()
	return proj, nil
}

// rebuild replays the execution's event log into a fresh projection.
func (e *Engine) rebuild(ctx context.Context, execID ident.ID) (*projection, error) {
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, E(CodeNotFound, "execution %s not found", execID)
		}
		return nil, Wrap(CodeRetriable, err, "load execution")
	}
	pb, err := e.source.Resolve(ctx, dsl.Ref{Path: exec.Path, CatalogID: exec.CatalogID})
	if err != nil {
		return nil, Wrap(CodeFatal, err, "resolve playbook for rebuild")
	}

	proj := newProjection(execID, pb, exec.Workload)
	if err := e.catchUp(ctx, proj); err != nil {
		return nil, err
	}
	// A replayed projection has no dispatch bookkeeping; force a window
	// check on every live iterator so deferred children are not stranded.
	for _, st := range proj.steps {
		if st.loop != nil && st.loop.started && !st.loop.emitted {
			st.loop.promoteNeeded = true
		}
	}
	return proj, nil
}

// catchUp applies any events past the projection's high-water mark. Used
// on rebuild, on duplicate detection, and before explicit re-evaluation,
// so servers sharing a store converge on the same state.
func (e *Engine) catchUp(ctx context.Context, proj *projection) error {
	for {
		events, err := e.store.ListEvents(ctx, proj.execID, proj.lastEventID, 500)
		if err != nil {
			return Wrap(CodeRetriable, err, "list events")
		}
		for _, ev := range events {
			proj.apply(ev)
		}
		if len(events) < 500 {
			return nil
		}
	}
}

// retireIfTerminal drops terminal projections from the cache; a late
// straggler event rebuilds cheaply from the log.
func (e *Engine) retireIfTerminal(proj *projection) {
	if !proj.status.Terminal() {
		return
	}
	e.mu.Lock()
	delete(e.projs, proj.execID)
	e.mu.Unlock()
}

// persistStatus mirrors the projection's status into the execution row.
// The row is a queryable cache; the log stays authoritative, so failures
// here only log.
func (e *Engine) persistStatus(ctx context.Context, proj *projection) {
	var end *time.Time
	if proj.status.Terminal() {
		t := proj.endTime
		if t.IsZero() {
			t = e.clock()
		}
		end = &t
	}
	if err := e.store.UpdateExecutionStatus(ctx, proj.execID, proj.status, end); err != nil {
		e.log.Warn("persist execution status",
			zap.Stringer("execution_id", proj.execID),
			zap.String("status", string(proj.status)),
			zap.Error(err))
	}
	if proj.status.Terminal() {
		e.metrics.executionDone(string(proj.status))
		e.emitEvent(emit.Event{
			ExecutionID: proj.execID,
			Msg:         "execution_completed",
			Meta:        map[string]any{"status": string(proj.status)},
		})
	}
}

// annotateFailure stamps the retry decision onto an incoming action_failed
// event before it persists: attempt number, whether a retry follows, and
// the chosen backoff delay. Persisting the decision keeps replays free of
// re-rolled jitter.
func (e *Engine) annotateFailure(ctx context.Context, proj *projection, ev *model.Event) {
	st := proj.stepState(ev.NodeID)
	if st == nil || st.terminal() {
		return
	}
	c := st.chain(iterIndex(ev.Meta))
	if c.sealed {
		return
	}
	attempt := failedAttempt(ev.Meta, c.errAttempt)

	retry := ev.Meta.Retry
	if retry == nil {
		retry = &model.RetryMeta{}
		ev.Meta.Retry = retry
	}
	retry.AttemptNumber = attempt
	retry.Type = model.RetryOnError
	retry.WillRetry = false
	retry.NextDelayMS = 0

	var policy *dsl.OnErrorPolicy
	if st.step.Retry != nil {
		policy = st.step.Retry.OnError
	}
	if policy == nil || attempt >= policy.MaxAttempts {
		return
	}
	if policy.When != "" {
		scope := proj.stepScope(st)
		scope["error"] = map[string]any{"message": eventError(ev), "attempt": attempt}
		v, err := tmpl.Render(ctx, e.eval, policy.When, scope)
		if err != nil {
			e.log.Warn("render retry condition",
				zap.Stringer("execution_id", proj.execID),
				zap.String("node_id", ev.NodeID),
				zap.Error(err))
			return
		}
		if !tmpl.Truthy(v) {
			return
		}
	}
	retry.WillRetry = true
	retry.NextDelayMS = e.backoff(policy, attempt).Milliseconds()
}

// backoff draws a jittered delay; the rng is guarded because chains from
// different executions share it.
func (e *Engine) backoff(policy *dsl.OnErrorPolicy, attempt int) time.Duration {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return computeBackoff(policy, attempt, e.rng)
}

// emitEvent forwards decision telemetry, swallowing a nil emitter.
func (e *Engine) emitEvent(ev emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}
