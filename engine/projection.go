package engine

import (
	"time"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
)

// Step lifecycle positions reported by projections. PARKED and READY are
// recomputed by the evaluator from the call buffer and gate, the rest come
// from events.
const (
	StepUnvisited    = "UNVISITED"
	StepParked       = "PARKED"
	StepReady        = "READY"
	StepLeased       = "LEASED"
	StepRetryPending = "RETRY_PENDING"
	StepDone         = "DONE"
	StepDead         = "DEAD"
)

// projection is the in-memory reduction of one execution's event log: step
// states, vars, iterator counters, retry chains. apply is pure state
// mutation from event payloads and never renders templates or touches the
// store, so replaying the log always reproduces the same projection.
// Decisions (rendering, enqueues, synthetic events) belong to the
// evaluator and are guarded by deterministic dedup keys instead.
type projection struct {
	execID   ident.ID
	playbook *dsl.Playbook

	status   model.ExecutionStatus
	workload map[string]any
	vars     map[string]any
	steps    map[string]*stepState

	lastEventID ident.ID
	endTime     time.Time
	finalStatus model.ExecutionStatus
}

// stepState tracks one step instance. Fields marked transient are
// evaluator bookkeeping that rebuilds lazily after a replay; correctness
// never depends on them because every side effect they guard is
// idempotent at the store.
type stepState struct {
	step *dsl.Step

	activated bool
	call      map[string]any

	dispatched bool // transient: body dispatch issued this process
	running    bool // action_started seen without a terminal yet

	chains map[int]*chainState

	loop *loopState

	done    bool
	dead    bool
	result  any
	failure string

	pendingBinds map[string]any // transient: rendered at dispatch, published on step_completed
	routingDone  bool           // transient: outgoing next/case deliveries issued
	caseFired    map[int]bool   // transient: case rule indices already dispatched
}

// chainState is the retry chain for one call position (iteration index, or
// 0 for plain steps). results collects successful attempts in order for
// on_success aggregation; errAttempt counts consecutive failures at the
// current position and resets on success.
type chainState struct {
	results    []any
	errAttempt int
	seqEmitted bool
	sealed     bool

	// last is the newest unconsumed terminal action outcome. The evaluator
	// consumes it by issuing the follow-up (retry row, continuation, or
	// step finalization) and clearing the field. Finalization events also
	// clear it during replay so rebuilt projections start consumed.
	last *actionOutcome
}

type actionOutcome struct {
	eventID ident.ID
	queueID ident.ID
	typ     model.EventType
	result  any
	errMsg  string
	meta    model.Meta
	ts      time.Time
}

type loopState struct {
	started     bool
	total       int
	mode        string
	concurrency int
	chunkSize   int
	completed   int
	failed      int
	results     map[int]any
	errors      []loopError
	emitted     bool

	// children carries each child's fully rendered action, recorded on
	// iterator_started. Enqueues replay from here instead of re-rendering
	// the collection, so a rebuilt projection dispatches byte-identical
	// jobs.
	children []childSpec

	childrenEnqueued bool // transient
	promoteNeeded    bool // transient
}

// childSpec is one expanded iteration: the rendered action for index.
type childSpec struct {
	Index  int
	Kind   string
	Action map[string]any
}

type loopError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

func newProjection(execID ident.ID, pb *dsl.Playbook, workload map[string]any) *projection {
	if workload == nil {
		workload = map[string]any{}
	}
	return &projection{
		execID:   execID,
		playbook: pb,
		status:   model.ExecutionPending,
		workload: workload,
		vars:     map[string]any{},
		steps:    make(map[string]*stepState, len(pb.Steps)),
	}
}

// stepState returns the tracked state for a step, creating it on first
// touch. Unknown step names return nil.
func (p *projection) stepState(name string) *stepState {
	if st, ok := p.steps[name]; ok {
		return st
	}
	def := p.playbook.Step(name)
	if def == nil {
		return nil
	}
	st := &stepState{
		step:   def,
		call:   map[string]any{},
		chains: map[int]*chainState{},
	}
	if def.Loop != nil {
		st.loop = &loopState{results: map[int]any{}}
	}
	p.steps[name] = st
	return st
}

func (st *stepState) chain(idx int) *chainState {
	c, ok := st.chains[idx]
	if !ok {
		c = &chainState{}
		st.chains[idx] = c
	}
	return c
}

func (st *stepState) terminal() bool { return st.done || st.dead }

// phase reports the step's lifecycle position for inspection endpoints.
// parked tells PARKED from READY for activated steps without a dispatched
// body; the evaluator passes the latest gate outcome.
func (st *stepState) phase(parked bool) string {
	switch {
	case st.done:
		return StepDone
	case st.dead:
		return StepDead
	case !st.activated:
		return StepUnvisited
	case st.retryPending():
		return StepRetryPending
	case st.running || st.dispatched:
		return StepLeased
	case parked:
		return StepParked
	default:
		return StepReady
	}
}

// retryPending reports whether the step sits between a failed attempt and
// its scheduled retry.
func (st *stepState) retryPending() bool {
	if st.terminal() || st.running {
		return false
	}
	for _, c := range st.chains {
		if c.errAttempt > 0 && !c.sealed {
			return true
		}
	}
	return false
}

// active reports whether the step still holds the execution open. Parked
// steps do not count: once every producer has drained, nothing can mutate
// their call buffer again, so they are abandoned rather than awaited.
func (st *stepState) active() bool {
	if !st.activated || st.terminal() {
		return false
	}
	if st.dispatched || st.running || st.retryPending() {
		return true
	}
	if st.loop != nil && st.loop.started && !st.loop.emitted {
		return true
	}
	for _, c := range st.chains {
		if c.last != nil {
			return true
		}
	}
	return false
}

// apply folds one event into the projection. Events replay in event_id
// order; apply tolerates repeats and unknown steps so a log written by a
// newer playbook revision degrades instead of panicking.
func (p *projection) apply(ev *model.Event) {
	if ev.EventID > p.lastEventID {
		p.lastEventID = ev.EventID
	}

	switch ev.Type {
	case model.EventExecutionStart:
		if p.status == model.ExecutionPending {
			p.status = model.ExecutionStarted
		}
		if wl, ok := ev.Context["workload"].(map[string]any); ok {
			p.workload = wl
		}

	case model.EventStepStarted:
		st := p.stepState(ev.NodeID)
		if st == nil || st.terminal() {
			return
		}
		st.activated = true
		if args, ok := ev.Data["args"].(map[string]any); ok && len(args) > 0 {
			st.call = deepMerge(st.call, args)
		}
		if p.status == model.ExecutionStarted {
			p.status = model.ExecutionRunning
		}

	case model.EventActionStarted:
		st := p.stepState(ev.NodeID)
		if st == nil {
			return
		}
		st.running = true

	case model.EventActionCompleted:
		st := p.stepState(ev.NodeID)
		if st == nil {
			return
		}
		st.running = false
		c := st.chain(iterIndex(ev.Meta))
		if c.sealed {
			return
		}
		c.results = append(c.results, ev.Result)
		c.errAttempt = 0
		c.last = &actionOutcome{
			eventID: ev.EventID,
			queueID: idField(ev.Data, "queue_id"),
			typ:     ev.Type,
			result:  ev.Result,
			meta:    ev.Meta,
			ts:      ev.Timestamp,
		}

	case model.EventActionFailed:
		st := p.stepState(ev.NodeID)
		if st == nil {
			return
		}
		st.running = false
		c := st.chain(iterIndex(ev.Meta))
		if c.sealed {
			return
		}
		c.errAttempt = failedAttempt(ev.Meta, c.errAttempt)
		c.last = &actionOutcome{
			eventID: ev.EventID,
			queueID: idField(ev.Data, "queue_id"),
			typ:     ev.Type,
			errMsg:  eventError(ev),
			meta:    ev.Meta,
			ts:      ev.Timestamp,
		}

	case model.EventRetrySequenceCompleted:
		st := p.stepState(ev.NodeID)
		if st == nil {
			return
		}
		st.chain(iterIndex(ev.Meta)).seqEmitted = true

	case model.EventIteratorStarted:
		st := p.stepState(ev.NodeID)
		if st == nil || st.loop == nil {
			return
		}
		st.loop.started = true
		st.loop.total = intField(ev.Data, "total")
		st.loop.mode = stringField(ev.Data, "mode")
		st.loop.concurrency = intField(ev.Data, "concurrency")
		st.loop.chunkSize = intField(ev.Data, "chunk_size")
		st.loop.children = decodeChildren(ev.Data["children"])

	case model.EventIterationStarted:
		// Dispatch marker only; counters move on terminal events.

	case model.EventIterationCompleted:
		st := p.stepState(ev.NodeID)
		if st == nil || st.loop == nil {
			return
		}
		idx := iterIndex(ev.Meta)
		if _, seen := st.loop.results[idx]; seen {
			return
		}
		st.loop.results[idx] = ev.Result
		st.loop.completed++
		st.chain(idx).seal()

	case model.EventIterationFailed:
		st := p.stepState(ev.NodeID)
		if st == nil || st.loop == nil {
			return
		}
		idx := iterIndex(ev.Meta)
		for _, e := range st.loop.errors {
			if e.Index == idx {
				return
			}
		}
		st.loop.errors = append(st.loop.errors, loopError{Index: idx, Message: eventError(ev)})
		st.loop.failed++
		st.chain(idx).seal()

	case model.EventIteratorCompleted:
		st := p.stepState(ev.NodeID)
		if st == nil || st.loop == nil {
			return
		}
		st.loop.emitted = true

	case model.EventStepCompleted:
		st := p.stepState(ev.NodeID)
		if st == nil || st.terminal() {
			return
		}
		st.done = true
		st.result = ev.Result
		st.running = false
		if binds, ok := ev.Data["vars"].(map[string]any); ok && len(binds) > 0 {
			p.vars = deepMerge(p.vars, binds)
		}
		for _, c := range st.chains {
			c.seal()
		}

	case model.EventStepFailed:
		st := p.stepState(ev.NodeID)
		if st == nil || st.terminal() {
			return
		}
		st.dead = true
		st.failure = eventError(ev)
		st.running = false
		for _, c := range st.chains {
			c.seal()
		}

	case model.EventExecutionAbort:
		switch stringField(ev.Data, "mode") {
		case "resume":
			if p.status == model.ExecutionPaused {
				p.status = model.ExecutionRunning
			}
		case "fail":
			// Terminalization is the evaluator's job so the final
			// execution_complete event stays the single source of truth.
			p.finalStatus = model.ExecutionFailed
		default:
			if !p.status.Terminal() {
				p.status = model.ExecutionPaused
			}
		}

	case model.EventExecutionComplete:
		if p.status.Terminal() {
			return
		}
		status := model.ExecutionStatus(stringField(ev.Data, "status"))
		if status != model.ExecutionFailed {
			status = model.ExecutionCompleted
		}
		p.status = status
		p.endTime = ev.Timestamp

	case model.EventWorkerHeartbeat:
		// Liveness only; no projection effect.
	}
}

// seal marks a chain finished and drops any unconsumed outcome, so replays
// that already contain the finalization event do not re-trigger decisions.
func (c *chainState) seal() {
	c.sealed = true
	c.last = nil
}

// abortRequested reports whether an execution_abort with mode=fail was seen
// and the execution has not been terminalized yet.
func (p *projection) abortRequested() bool {
	return p.finalStatus == model.ExecutionFailed && !p.status.Terminal()
}

func iterIndex(m model.Meta) int {
	if m.Iterator != nil {
		return m.Iterator.Index
	}
	return 0
}

// failedAttempt resolves the 1-based attempt number of a failure event,
// falling back to the projection's own counter when the reporter did not
// carry retry metadata.
func failedAttempt(m model.Meta, prev int) int {
	if m.Retry != nil && m.Retry.AttemptNumber > 0 {
		return m.Retry.AttemptNumber
	}
	return prev + 1
}

func eventError(ev *model.Event) string {
	if msg := stringField(ev.Data, "error"); msg != "" {
		return msg
	}
	return stringField(ev.Data, "reason")
}

// decodeChildren parses the expanded iteration list from iterator_started
// data, tolerating the map/float shapes a JSON round trip produces.
func decodeChildren(v any) []childSpec {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]childSpec, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		c := childSpec{Index: intField(m, "index"), Kind: stringField(m, "kind")}
		if action, ok := m["action"].(map[string]any); ok {
			c.Action = action
		}
		out = append(out, c)
	}
	return out
}

// intField coerces a Data value to int across the numeric types JSON
// decoding produces.
func intField(m model.JSONMap, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func stringField(m model.JSONMap, key string) string {
	s, _ := m[key].(string)
	return s
}

// idField parses an ident.ID carried in event data as a decimal string or
// bare number.
func idField(m model.JSONMap, key string) ident.ID {
	switch v := m[key].(type) {
	case string:
		id, err := ident.Parse(v)
		if err != nil {
			return 0
		}
		return id
	case float64:
		return ident.ID(int64(v))
	case int64:
		return ident.ID(v)
	case int:
		return ident.ID(v)
	case ident.ID:
		return v
	default:
		return 0
	}
}
