package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loomworks/loom/model"
)

// MaintenanceConfig schedules the background upkeep jobs. Zero values
// select the defaults noted per field.
type MaintenanceConfig struct {
	// LeaseSweepEvery requeues or dead-letters rows whose lease expired.
	// Default 5s.
	LeaseSweepEvery time.Duration

	// RuntimeSweepEvery marks stale runtime rows offline and refreshes
	// the server's own row. Default 15s.
	RuntimeSweepEvery time.Duration

	// OfflineAfter is the heartbeat age at which a component is marked
	// offline. Default 45s.
	OfflineAfter time.Duration

	// DepthEvery samples queue depth into the engine gauges. Default 30s.
	DepthEvery time.Duration

	// PruneEvery removes old events of terminal executions. Default 1h.
	PruneEvery time.Duration

	// Retention is how long terminal executions keep their events.
	// Default 168h.
	Retention time.Duration

	// ReconcileEvery re-evaluates non-terminal executions so decisions
	// interrupted by a crash are finished. Default 30s.
	ReconcileEvery time.Duration
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.LeaseSweepEvery <= 0 {
		c.LeaseSweepEvery = 5 * time.Second
	}
	if c.RuntimeSweepEvery <= 0 {
		c.RuntimeSweepEvery = 15 * time.Second
	}
	if c.OfflineAfter <= 0 {
		c.OfflineAfter = 45 * time.Second
	}
	if c.DepthEvery <= 0 {
		c.DepthEvery = 30 * time.Second
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 168 * time.Hour
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = 30 * time.Second
	}
	return c
}

// jobTimeout bounds one maintenance run.
const jobTimeout = 30 * time.Second

// reconcileBatch caps how many recent executions one reconcile pass
// inspects.
const reconcileBatch = 100

// Maintenance owns the cron scheduler for a server's upkeep jobs.
type Maintenance struct {
	s    *Server
	cfg  MaintenanceConfig
	cron *cron.Cron
}

// StartMaintenance schedules and starts the upkeep jobs. Call Stop to
// drain them on shutdown.
func (s *Server) StartMaintenance(cfg MaintenanceConfig) (*Maintenance, error) {
	m := &Maintenance{s: s, cfg: cfg.withDefaults(), cron: cron.New()}

	jobs := []struct {
		every time.Duration
		name  string
		run   func(ctx context.Context)
	}{
		{m.cfg.LeaseSweepEvery, "lease_sweep", m.sweepLeases},
		{m.cfg.RuntimeSweepEvery, "runtime_sweep", m.sweepRuntimes},
		{m.cfg.DepthEvery, "queue_depth", m.sampleDepth},
		{m.cfg.PruneEvery, "event_prune", m.pruneEvents},
		{m.cfg.ReconcileEvery, "reconcile", m.reconcile},
	}
	for _, j := range jobs {
		j := j
		_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", j.every), func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			j.run(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	m.cron.Start()
	s.log.Info("maintenance started",
		zap.Duration("lease_sweep", m.cfg.LeaseSweepEvery),
		zap.Duration("runtime_sweep", m.cfg.RuntimeSweepEvery),
		zap.Duration("retention", m.cfg.Retention))
	return m, nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// sweepLeases returns expired leases to the queue and reports rows that
// ran out of attempts to the engine so their executions can fail or
// retry by policy.
func (m *Maintenance) sweepLeases(ctx context.Context) {
	s := m.s
	requeued, dead, err := s.st.SweepExpiredLeases(ctx, s.clock())
	if err != nil {
		s.log.Error("lease sweep", zap.Error(err))
		return
	}
	for _, job := range dead {
		s.reportDeadRow(ctx, job, "lease expired after final attempt", "lease_expired")
	}
	if len(requeued) > 0 || len(dead) > 0 {
		s.log.Info("lease sweep",
			zap.Int("requeued", len(requeued)),
			zap.Int("dead", len(dead)))
	}
}

// sweepRuntimes marks silent components offline and refreshes this
// server's own registry row.
func (m *Maintenance) sweepRuntimes(ctx context.Context) {
	s := m.s
	cutoff := s.clock().Add(-m.cfg.OfflineAfter)
	marked, err := s.st.SweepRuntimes(ctx, cutoff)
	if err != nil {
		s.log.Error("runtime sweep", zap.Error(err))
	} else if marked > 0 {
		s.log.Info("runtime sweep", zap.Int("offline", marked))
	}

	self := &model.Component{
		Name:      s.name,
		Kind:      model.KindServerAPI,
		URI:       s.uri,
		Status:    model.ComponentReady,
		Heartbeat: s.clock(),
	}
	if err := s.st.UpsertRuntime(ctx, self); err != nil {
		s.log.Error("server heartbeat", zap.Error(err))
	}
}

// sampleDepth publishes queue row counts by status. Absent statuses are
// written as zero so the gauge does not hold stale values.
func (m *Maintenance) sampleDepth(ctx context.Context) {
	s := m.s
	depth, err := s.st.QueueDepth(ctx)
	if err != nil {
		s.log.Error("queue depth sample", zap.Error(err))
		return
	}
	for _, status := range []model.JobStatus{
		model.JobQueued, model.JobLeased, model.JobDone, model.JobFailed, model.JobDead,
	} {
		s.eng.Metrics().SetQueueDepth(string(status), depth[status])
	}
}

// pruneEvents trims the event log of terminal executions older than the
// retention window.
func (m *Maintenance) pruneEvents(ctx context.Context) {
	s := m.s
	before := s.clock().Add(-m.cfg.Retention)
	n, err := s.st.PruneEvents(ctx, before)
	if err != nil {
		s.log.Error("event prune", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("event prune", zap.Int64("events", n), zap.Time("before", before))
	}
}

// reconcile re-derives dispatch decisions for recent non-terminal
// executions. This finishes work interrupted between an event append
// and its queue writes, for instance across a server restart.
func (m *Maintenance) reconcile(ctx context.Context) {
	s := m.s
	execs, err := s.st.ListExecutions(ctx, reconcileBatch, 0)
	if err != nil {
		s.log.Error("reconcile list", zap.Error(err))
		return
	}
	for _, exec := range execs {
		if exec.Status.Terminal() {
			continue
		}
		if err := s.eng.EvaluateExecution(ctx, exec.ExecutionID); err != nil {
			s.log.Warn("reconcile execution",
				zap.Stringer("execution_id", exec.ExecutionID),
				zap.Error(err))
		}
	}
}
