// Package store persists the orchestrator's durable state: the append-only
// event log, the job queue, execution rows, and the runtime liveness
// registry. Four backends implement the same interface: an in-memory store
// for tests and embedded runs, SQLite for single-node deployments, and
// Postgres and MySQL for production.
//
// Time-sensitive operations take the current time as an argument instead of
// reading the wall clock, so lease expiry and backoff scheduling are
// testable against every backend without sleeping.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
)

// Sentinel errors. Duplicate submissions are not failures for callers that
// want idempotence: AppendEvent and Enqueue return the surviving row's ID
// alongside ErrDuplicate.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrDuplicate    = errors.New("store: duplicate")
	ErrLeaseExpired = errors.New("store: lease expired")
	ErrLeaseOwner   = errors.New("store: lease held by another worker")
)

// Store is the persistence contract shared by all backends.
type Store interface {
	// AppendEvent inserts an immutable event. When the event carries a
	// dedup key that was already used for its execution, nothing is written
	// and the original event's ID returns with ErrDuplicate.
	AppendEvent(ctx context.Context, ev *model.Event) (ident.ID, error)
	// ListEvents returns events for an execution with event_id > after, in
	// ascending event_id order. limit <= 0 means no limit.
	ListEvents(ctx context.Context, execID, after ident.ID, limit int) ([]*model.Event, error)
	// PruneEvents deletes events belonging to terminal executions that
	// ended before the cutoff. Returns the number of events removed.
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Enqueue inserts a queued job. Idempotent on (execution_id, dedup_key)
	// like AppendEvent.
	Enqueue(ctx context.Context, job *model.Job) (ident.ID, error)
	// EnqueueBatch inserts jobs atomically; per-job dedup still applies and
	// the returned IDs align with the input slice.
	EnqueueBatch(ctx context.Context, jobs []*model.Job) ([]ident.ID, error)
	// Lease atomically claims up to req.Max due jobs for req.WorkerID,
	// skipping PAUSED executions and honoring the kind filter. Ordering is
	// FIFO by (available_at, queue_id), interleaved fairly across
	// executions. Leasing consumes an attempt: attempts increments here,
	// and the row goes dead when a failure lands with attempts at the cap.
	Lease(ctx context.Context, req model.LeaseRequest, now time.Time) ([]*model.Job, error)
	// Ack moves a job leased by workerID to done. Acking an already-done
	// row is a no-op; a row requeued or re-leased elsewhere returns
	// ErrLeaseExpired or ErrLeaseOwner. The sweep is the arbiter of expiry:
	// a row still leased to the worker acks successfully even past its
	// deadline.
	Ack(ctx context.Context, queueID ident.ID, workerID string, now time.Time) error
	// Fail reports a failure and returns the resulting status: queued
	// (requeue after delay), failed (terminal for this row), or dead
	// (permanent or attempts exhausted).
	Fail(ctx context.Context, queueID ident.ID, workerID string, req model.FailRequest, now time.Time) (model.JobStatus, error)
	// RenewLease extends lease_until for a row still leased by workerID.
	RenewLease(ctx context.Context, queueID ident.ID, workerID string, until time.Time) error
	// SweepExpiredLeases requeues leased rows whose lease_until passed;
	// rows already at their attempt cap go dead instead. Both sets return
	// so the caller can surface synthetic failures.
	SweepExpiredLeases(ctx context.Context, now time.Time) (requeued, dead []*model.Job, err error)
	// PromoteDeferred makes up to n deferred iterator children of
	// (execID, nodeID) available now, earliest index first. Returns how
	// many were promoted.
	PromoteDeferred(ctx context.Context, execID ident.ID, nodeID string, n int, now time.Time) (int, error)
	// PendingJobs counts queued+leased rows for an execution.
	PendingJobs(ctx context.Context, execID ident.ID) (int, error)
	GetJob(ctx context.Context, queueID ident.ID) (*model.Job, error)
	JobsByExecution(ctx context.Context, execID ident.ID) ([]*model.Job, error)
	// QueueDepth reports row counts by status for metrics.
	QueueDepth(ctx context.Context) (map[model.JobStatus]int, error)

	UpsertExecution(ctx context.Context, x *model.Execution) error
	UpdateExecutionStatus(ctx context.Context, execID ident.ID, status model.ExecutionStatus, endTime *time.Time) error
	GetExecution(ctx context.Context, execID ident.ID) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, error)

	// UpsertRuntime registers or refreshes a component row, keyed (kind, name).
	UpsertRuntime(ctx context.Context, c *model.Component) error
	// TouchRuntime refreshes heartbeat and flips status back to ready.
	// ErrNotFound when the row does not exist.
	TouchRuntime(ctx context.Context, kind model.ComponentKind, name string, now time.Time) error
	DeleteRuntime(ctx context.Context, kind model.ComponentKind, name string) error
	// SweepRuntimes marks non-offline rows with heartbeat < cutoff offline.
	SweepRuntimes(ctx context.Context, cutoff time.Time) (int, error)
	ListRuntimes(ctx context.Context, kind model.ComponentKind) ([]*model.Component, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open creates a Store for the configured driver. DSN is ignored for the
// memory driver.
func Open(driver, dsn string, ids ident.Source) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(ids), nil
	case "sqlite":
		return NewSQLiteStore(dsn, ids)
	case "postgres":
		return NewPostgresStore(dsn, ids)
	case "mysql":
		return NewMySQLStore(dsn, ids)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

// fairOrder picks up to max jobs from a FIFO-sorted candidate slice,
// interleaving round-robin across executions so one hot execution cannot
// monopolize a lease batch. Within an execution FIFO order is preserved;
// executions are visited in order of their earliest candidate.
func fairOrder(jobs []*model.Job, max int) []*model.Job {
	if max <= 0 || len(jobs) == 0 {
		return nil
	}
	groups := make(map[ident.ID][]*model.Job)
	var order []ident.ID
	for _, j := range jobs {
		if _, ok := groups[j.ExecutionID]; !ok {
			order = append(order, j.ExecutionID)
		}
		groups[j.ExecutionID] = append(groups[j.ExecutionID], j)
	}

	out := make([]*model.Job, 0, max)
	for rank := 0; len(out) < max; rank++ {
		advanced := false
		for _, id := range order {
			g := groups[id]
			if rank >= len(g) {
				continue
			}
			out = append(out, g[rank])
			advanced = true
			if len(out) == max {
				break
			}
		}
		if !advanced {
			break
		}
	}
	return out
}

// candidateWindow is how many FIFO candidates a lease scan examines before
// fairness ordering. A multiple of the batch size keeps the window small
// while leaving room to interleave executions.
func candidateWindow(max int) int {
	const factor = 4
	if max <= 0 {
		return 0
	}
	return max * factor
}
