package model

import (
	"time"

	"github.com/loomworks/loom/ident"
)

// JobStatus is the lifecycle position of a queue row.
type JobStatus string

// Queue row states. A row moves queued → leased → done|failed|dead, with
// leased → queued on lease expiry or transient failure. done marks success.
// failed marks a terminal failure of this row where the engine may still
// schedule a policy retry as a new row. dead marks exhaustion: attempts hit
// the cap or the failure was permanent. Terminal rows are never resurrected.
const (
	JobQueued JobStatus = "queued"
	JobLeased JobStatus = "leased"
	JobDone   JobStatus = "done"
	JobFailed JobStatus = "failed"
	JobDead   JobStatus = "dead"
)

// Terminal reports whether the status is final for the row.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobDead
}

// DeferredHorizon is the placeholder available_at for iterator children held
// back by an async concurrency cap. Promotion rewrites it to the current
// time; the lease query never selects rows scheduled this far out.
var DeferredHorizon = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Job is a durable unit of work. The engine is the only writer of new rows;
// workers hold time-bounded leases and report outcomes through the server.
type Job struct {
	QueueID           ident.ID  `json:"queue_id"`
	ExecutionID       ident.ID  `json:"execution_id"`
	ParentExecutionID ident.ID  `json:"parent_execution_id,omitempty"`
	NodeID            string    `json:"node_id"`
	Kind              string    `json:"kind"`
	Action            JSONMap   `json:"action"`
	Status            JobStatus `json:"status"`
	Attempts          int       `json:"attempts"`
	MaxAttempts       int       `json:"max_attempts"`
	AvailableAt       time.Time `json:"available_at"`
	LeaseUntil        time.Time `json:"lease_until,omitempty"`
	WorkerID          string    `json:"worker_id,omitempty"`
	Meta              Meta      `json:"meta,omitempty"`
	DedupKey          string    `json:"dedup_key,omitempty"`
}

// LeaseRequest asks for up to Max queued jobs matching the worker's
// capabilities. An empty Kinds list matches every kind.
type LeaseRequest struct {
	WorkerID string
	Kinds    []string
	Max      int
	Duration time.Duration
}

// FailRequest reports a job failure. Retry requeues the same row after
// RetryDelay (infrastructure retry); Permanent short-circuits straight to
// dead regardless of remaining attempts.
type FailRequest struct {
	Error      string
	Retry      bool
	RetryDelay time.Duration
	Permanent  bool
}
