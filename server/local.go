package server

import (
	"context"
	"time"

	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/worker"
)

// LocalAPI lets a pool in the same process consume the server without
// HTTP. Embedded mode wires worker.NewPool to this; tests use it to
// drive full executions against a memory store.
type LocalAPI struct {
	s *Server
}

var _ worker.API = (*LocalAPI)(nil)

// Local returns the in-process worker API.
func (s *Server) Local() *LocalAPI { return &LocalAPI{s: s} }

// Register implements worker.API.
func (a *LocalAPI) Register(ctx context.Context, req worker.RegisterRequest) (worker.RegisterResponse, error) {
	return a.s.registerWorker(ctx, req)
}

// Heartbeat implements worker.API.
func (a *LocalAPI) Heartbeat(ctx context.Context, req worker.HeartbeatRequest) error {
	return a.s.heartbeatWorker(ctx, req)
}

// Deregister implements worker.API.
func (a *LocalAPI) Deregister(ctx context.Context, name string) error {
	return a.s.deregisterWorker(ctx, name)
}

// Lease implements worker.API.
func (a *LocalAPI) Lease(ctx context.Context, req model.LeaseRequest) ([]*model.Job, error) {
	return a.s.leaseJobs(ctx, req)
}

// Renew implements worker.API.
func (a *LocalAPI) Renew(ctx context.Context, queueID ident.ID, workerID string, d time.Duration) error {
	return a.s.renewJob(ctx, queueID, workerID, d)
}

// Ack implements worker.API.
func (a *LocalAPI) Ack(ctx context.Context, queueID ident.ID, workerID string) error {
	return a.s.ackJob(ctx, queueID, workerID)
}

// Fail implements worker.API.
func (a *LocalAPI) Fail(ctx context.Context, queueID ident.ID, workerID string, req model.FailRequest) error {
	_, err := a.s.failJob(ctx, queueID, workerID, req)
	return err
}

// EmitEvent implements worker.API.
func (a *LocalAPI) EmitEvent(ctx context.Context, ev *model.Event) error {
	_, err := a.s.emitEvent(ctx, ev)
	return err
}

// ReportMetrics implements worker.API.
func (a *LocalAPI) ReportMetrics(ctx context.Context, snap worker.Snapshot) error {
	a.s.gauges.record(snap)
	return nil
}
