package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
)

// MemoryStore keeps everything in process memory behind one mutex. It backs
// tests and embedded single-process runs; it is not durable.
type MemoryStore struct {
	mu  sync.Mutex
	ids ident.Source

	events     map[ident.ID][]*model.Event          // per execution, event_id ascending
	eventDedup map[ident.ID]map[string]ident.ID     // execution -> dedup key -> event
	jobs       map[ident.ID]*model.Job
	jobOrder   []ident.ID                           // insertion order for stable scans
	queueDedup map[ident.ID]map[string]ident.ID     // execution -> dedup key -> queue row
	executions map[ident.ID]*model.Execution
	runtimes   map[string]*model.Component          // kind/name
	closed     bool
}

// NewMemoryStore creates an empty in-memory store. ids is used to assign
// IDs the caller left unset.
func NewMemoryStore(ids ident.Source) *MemoryStore {
	return &MemoryStore{
		ids:        ids,
		events:     make(map[ident.ID][]*model.Event),
		eventDedup: make(map[ident.ID]map[string]ident.ID),
		jobs:       make(map[ident.ID]*model.Job),
		queueDedup: make(map[ident.ID]map[string]ident.ID),
		executions: make(map[ident.ID]*model.Execution),
		runtimes:   make(map[string]*model.Component),
	}
}

func cloneEvent(e *model.Event) *model.Event {
	c := *e
	c.Result = model.CloneAny(e.Result)
	c.Context = e.Context.Clone()
	c.Data = e.Data.Clone()
	c.Meta = e.Meta.Clone()
	return &c
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.Action = j.Action.Clone()
	c.Meta = j.Meta.Clone()
	return &c
}

func cloneExecution(x *model.Execution) *model.Execution {
	c := *x
	c.Workload = x.Workload.Clone()
	if x.EndTime != nil {
		t := *x.EndTime
		c.EndTime = &t
	}
	return &c
}

func cloneComponent(c *model.Component) *model.Component {
	out := *c
	out.Labels = c.Labels.Clone()
	out.Runtime = c.Runtime.Clone()
	if c.Capabilities != nil {
		out.Capabilities = append(model.StringList(nil), c.Capabilities...)
	}
	return &out
}

// AppendEvent implements Store.
func (s *MemoryStore) AppendEvent(_ context.Context, ev *model.Event) (ident.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.EventID.IsZero() {
		ev.EventID = s.ids.Next()
	}
	if ev.DedupKey != "" {
		keys := s.eventDedup[ev.ExecutionID]
		if existing, ok := keys[ev.DedupKey]; ok {
			return existing, ErrDuplicate
		}
		if keys == nil {
			keys = make(map[string]ident.ID)
			s.eventDedup[ev.ExecutionID] = keys
		}
		keys[ev.DedupKey] = ev.EventID
	}

	log := s.events[ev.ExecutionID]
	stored := cloneEvent(ev)
	// Almost always an append; keep the log sorted when IDs arrive late.
	if n := len(log); n > 0 && log[n-1].EventID > stored.EventID {
		at := sort.Search(n, func(i int) bool { return log[i].EventID > stored.EventID })
		log = append(log, nil)
		copy(log[at+1:], log[at:])
		log[at] = stored
	} else {
		log = append(log, stored)
	}
	s.events[ev.ExecutionID] = log
	return ev.EventID, nil
}

// ListEvents implements Store.
func (s *MemoryStore) ListEvents(_ context.Context, execID, after ident.ID, limit int) ([]*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Event
	for _, ev := range s.events[execID] {
		if ev.EventID <= after {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PruneEvents implements Store.
func (s *MemoryStore) PruneEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for id, x := range s.executions {
		if !x.Status.Terminal() || x.EndTime == nil || !x.EndTime.Before(before) {
			continue
		}
		pruned += int64(len(s.events[id]))
		delete(s.events, id)
		delete(s.eventDedup, id)
	}
	return pruned, nil
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, job *model.Job) (ident.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(job)
}

func (s *MemoryStore) enqueueLocked(job *model.Job) (ident.ID, error) {
	if job.QueueID.IsZero() {
		job.QueueID = s.ids.Next()
	}
	if job.DedupKey != "" {
		keys := s.queueDedup[job.ExecutionID]
		if existing, ok := keys[job.DedupKey]; ok {
			return existing, ErrDuplicate
		}
		if keys == nil {
			keys = make(map[string]ident.ID)
			s.queueDedup[job.ExecutionID] = keys
		}
		keys[job.DedupKey] = job.QueueID
	}
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	s.jobs[job.QueueID] = cloneJob(job)
	s.jobOrder = append(s.jobOrder, job.QueueID)
	return job.QueueID, nil
}

// EnqueueBatch implements Store.
func (s *MemoryStore) EnqueueBatch(_ context.Context, jobs []*model.Job) ([]ident.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ident.ID, len(jobs))
	for i, j := range jobs {
		id, err := s.enqueueLocked(j)
		if err != nil && err != ErrDuplicate {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// leaseBlocked reports whether rows of execID are withheld from workers.
// Paused executions resume later; terminal ones never hand out work again,
// even when a fatal step left sibling rows queued.
func (s *MemoryStore) leaseBlocked(execID ident.ID) bool {
	if x, ok := s.executions[execID]; ok {
		return x.Status == model.ExecutionPaused || x.Status.Terminal()
	}
	return false
}

// Lease implements Store.
func (s *MemoryStore) Lease(_ context.Context, req model.LeaseRequest, now time.Time) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kinds := make(map[string]bool, len(req.Kinds))
	for _, k := range req.Kinds {
		kinds[k] = true
	}

	var candidates []*model.Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j == nil || j.Status != model.JobQueued || j.AvailableAt.After(now) {
			continue
		}
		if len(kinds) > 0 && !kinds[j.Kind] {
			continue
		}
		if s.leaseBlocked(j.ExecutionID) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.SliceStable(candidates, func(i, k int) bool {
		if !candidates[i].AvailableAt.Equal(candidates[k].AvailableAt) {
			return candidates[i].AvailableAt.Before(candidates[k].AvailableAt)
		}
		return candidates[i].QueueID < candidates[k].QueueID
	})
	if w := candidateWindow(req.Max); len(candidates) > w {
		candidates = candidates[:w]
	}

	picked := fairOrder(candidates, req.Max)
	out := make([]*model.Job, 0, len(picked))
	for _, j := range picked {
		j.Status = model.JobLeased
		j.WorkerID = req.WorkerID
		j.LeaseUntil = now.Add(req.Duration)
		j.Attempts++
		out = append(out, cloneJob(j))
	}
	return out, nil
}

// Ack implements Store.
func (s *MemoryStore) Ack(_ context.Context, queueID ident.ID, workerID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[queueID]
	if !ok {
		return ErrNotFound
	}
	switch j.Status {
	case model.JobDone:
		if j.WorkerID == workerID {
			return nil // idempotent repeat
		}
		return ErrLeaseOwner
	case model.JobLeased:
		if j.WorkerID != workerID {
			return ErrLeaseOwner
		}
		j.Status = model.JobDone
		return nil
	default:
		// Requeued by the sweeper or already terminal elsewhere.
		return ErrLeaseExpired
	}
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, queueID ident.ID, workerID string, req model.FailRequest, now time.Time) (model.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[queueID]
	if !ok {
		return "", ErrNotFound
	}
	if j.Status.Terminal() {
		if j.WorkerID == workerID {
			return j.Status, nil
		}
		return "", ErrLeaseOwner
	}
	if j.Status != model.JobLeased {
		return "", ErrLeaseExpired
	}
	if j.WorkerID != workerID {
		return "", ErrLeaseOwner
	}

	switch {
	case req.Permanent:
		j.Status = model.JobDead
	case req.Retry && j.Attempts < j.MaxAttempts:
		j.Status = model.JobQueued
		j.AvailableAt = now.Add(req.RetryDelay)
		j.WorkerID = ""
		j.LeaseUntil = time.Time{}
	case req.Retry:
		j.Status = model.JobDead
	default:
		j.Status = model.JobFailed
	}
	return j.Status, nil
}

// RenewLease implements Store.
func (s *MemoryStore) RenewLease(_ context.Context, queueID ident.ID, workerID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[queueID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != model.JobLeased {
		return ErrLeaseExpired
	}
	if j.WorkerID != workerID {
		return ErrLeaseOwner
	}
	j.LeaseUntil = until
	return nil
}

// SweepExpiredLeases implements Store.
func (s *MemoryStore) SweepExpiredLeases(_ context.Context, now time.Time) (requeued, dead []*model.Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j == nil || j.Status != model.JobLeased || !j.LeaseUntil.Before(now) {
			continue
		}
		if j.Attempts >= j.MaxAttempts {
			j.Status = model.JobDead
			dead = append(dead, cloneJob(j))
			continue
		}
		j.Status = model.JobQueued
		j.WorkerID = ""
		j.LeaseUntil = time.Time{}
		j.AvailableAt = now
		requeued = append(requeued, cloneJob(j))
	}
	return requeued, dead, nil
}

// PromoteDeferred implements Store.
func (s *MemoryStore) PromoteDeferred(_ context.Context, execID ident.ID, nodeID string, n int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	for _, id := range s.jobOrder {
		if promoted == n {
			break
		}
		j := s.jobs[id]
		if j == nil || j.ExecutionID != execID || j.NodeID != nodeID {
			continue
		}
		if j.Status != model.JobQueued || !j.AvailableAt.Equal(model.DeferredHorizon) {
			continue
		}
		j.AvailableAt = now
		promoted++
	}
	return promoted, nil
}

// PendingJobs implements Store.
func (s *MemoryStore) PendingJobs(_ context.Context, execID ident.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.ExecutionID == execID && (j.Status == model.JobQueued || j.Status == model.JobLeased) {
			n++
		}
	}
	return n, nil
}

// GetJob implements Store.
func (s *MemoryStore) GetJob(_ context.Context, queueID ident.ID) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[queueID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

// JobsByExecution implements Store.
func (s *MemoryStore) JobsByExecution(_ context.Context, execID ident.ID) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Job
	for _, id := range s.jobOrder {
		if j := s.jobs[id]; j != nil && j.ExecutionID == execID {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

// QueueDepth implements Store.
func (s *MemoryStore) QueueDepth(_ context.Context) (map[model.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.JobStatus]int)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out, nil
}

// UpsertExecution implements Store.
func (s *MemoryStore) UpsertExecution(_ context.Context, x *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if x.ExecutionID.IsZero() {
		return fmt.Errorf("store: execution id required")
	}
	s.executions[x.ExecutionID] = cloneExecution(x)
	return nil
}

// UpdateExecutionStatus implements Store.
func (s *MemoryStore) UpdateExecutionStatus(_ context.Context, execID ident.ID, status model.ExecutionStatus, endTime *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[execID]
	if !ok {
		return ErrNotFound
	}
	x.Status = status
	if endTime != nil {
		t := *endTime
		x.EndTime = &t
	}
	return nil
}

// GetExecution implements Store.
func (s *MemoryStore) GetExecution(_ context.Context, execID ident.ID) (*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	x, ok := s.executions[execID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneExecution(x), nil
}

// ListExecutions implements Store.
func (s *MemoryStore) ListExecutions(_ context.Context, limit, offset int) ([]*model.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*model.Execution, 0, len(s.executions))
	for _, x := range s.executions {
		all = append(all, x)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].ExecutionID > all[k].ExecutionID })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*model.Execution, len(all))
	for i, x := range all {
		out[i] = cloneExecution(x)
	}
	return out, nil
}

func runtimeKey(kind model.ComponentKind, name string) string {
	return string(kind) + "/" + name
}

// UpsertRuntime implements Store.
func (s *MemoryStore) UpsertRuntime(_ context.Context, c *model.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runtimeKey(c.Kind, c.Name)
	if existing, ok := s.runtimes[key]; ok {
		c.RuntimeID = existing.RuntimeID
		c.CreatedAt = existing.CreatedAt
	} else {
		if c.RuntimeID.IsZero() {
			c.RuntimeID = s.ids.Next()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = c.Heartbeat
		}
	}
	c.UpdatedAt = c.Heartbeat
	s.runtimes[key] = cloneComponent(c)
	return nil
}

// TouchRuntime implements Store.
func (s *MemoryStore) TouchRuntime(_ context.Context, kind model.ComponentKind, name string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.runtimes[runtimeKey(kind, name)]
	if !ok {
		return ErrNotFound
	}
	c.Heartbeat = now
	c.UpdatedAt = now
	c.Status = model.ComponentReady
	return nil
}

// DeleteRuntime implements Store.
func (s *MemoryStore) DeleteRuntime(_ context.Context, kind model.ComponentKind, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := runtimeKey(kind, name)
	if _, ok := s.runtimes[key]; !ok {
		return ErrNotFound
	}
	delete(s.runtimes, key)
	return nil
}

// SweepRuntimes implements Store.
func (s *MemoryStore) SweepRuntimes(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.runtimes {
		if c.Status != model.ComponentOffline && c.Heartbeat.Before(cutoff) {
			c.Status = model.ComponentOffline
			n++
		}
	}
	return n, nil
}

// ListRuntimes implements Store.
func (s *MemoryStore) ListRuntimes(_ context.Context, kind model.ComponentKind) ([]*model.Component, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Component
	for _, c := range s.runtimes {
		if kind != "" && c.Kind != kind {
			continue
		}
		out = append(out, cloneComponent(c))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store: closed")
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
