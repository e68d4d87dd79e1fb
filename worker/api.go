// Package worker runs a pool of tool executors against the server's
// queue. The pool leases jobs, dispatches them to a tool.Registry,
// reports outcomes as events and acks, and keeps its runtime row alive
// with heartbeats. Workers never write the queue directly and make no
// control-flow decisions; those belong to the engine.
package worker

import (
	"context"
	"time"

	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
)

// API is the server surface a pool consumes. client.Client implements
// it over HTTP for remote pools; server.LocalAPI implements it
// in-process for embedded mode and tests.
type API interface {
	// Register announces the pool and returns its assigned worker id.
	// Registration is idempotent on (kind, name).
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)

	// Heartbeat refreshes the pool's runtime row. The request carries
	// enough identity for the server to recreate the row if it was
	// swept while the pool was partitioned.
	Heartbeat(ctx context.Context, req HeartbeatRequest) error

	// Deregister removes the pool's runtime row on shutdown.
	Deregister(ctx context.Context, name string) error

	// Lease claims up to req.Max due jobs matching req.Kinds.
	Lease(ctx context.Context, req model.LeaseRequest) ([]*model.Job, error)

	// Renew extends the lease on a row this worker holds.
	Renew(ctx context.Context, queueID ident.ID, workerID string, d time.Duration) error

	// Ack marks a leased row done.
	Ack(ctx context.Context, queueID ident.ID, workerID string) error

	// Fail reports a row outcome other than success. The server decides
	// the resulting row status from the request flags.
	Fail(ctx context.Context, queueID ident.ID, workerID string, req model.FailRequest) error

	// EmitEvent appends an execution event. Duplicate dedup keys are
	// not an error; the original event wins.
	EmitEvent(ctx context.Context, ev *model.Event) error

	// ReportMetrics pushes a pool gauge snapshot for the server's
	// Prometheus endpoint.
	ReportMetrics(ctx context.Context, snap Snapshot) error
}

// RegisterRequest announces a worker pool.
type RegisterRequest struct {
	Name         string         `json:"name"`
	URI          string         `json:"uri,omitempty"`
	Capacity     int            `json:"capacity"`
	Labels       map[string]any `json:"labels,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Runtime      map[string]any `json:"runtime,omitempty"`
}

// RegisterResponse carries the server-assigned identity.
type RegisterResponse struct {
	WorkerID  string   `json:"worker_id"`
	RuntimeID ident.ID `json:"runtime_id"`
}

// HeartbeatRequest refreshes a pool's runtime row. Identity fields let
// the server recreate a swept row in place.
type HeartbeatRequest struct {
	Name         string         `json:"name"`
	URI          string         `json:"uri,omitempty"`
	Capacity     int            `json:"capacity,omitempty"`
	Labels       map[string]any `json:"labels,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
}

// Snapshot is a point-in-time view of a pool's load counters.
type Snapshot struct {
	Worker   string `json:"worker"`
	Pool     string `json:"pool"`
	Capacity int    `json:"capacity"`
	InFlight int    `json:"in_flight"`
	Done     uint64 `json:"done"`
	Failed   uint64 `json:"failed"`
}
