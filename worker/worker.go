package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/tool"
)

// Config tunes a pool. Zero values fall back to defaults.
type Config struct {
	// Name identifies the pool in the runtime registry. Defaults to the
	// hostname. Several pool processes may share a name; each process
	// still gets a unique worker id.
	Name string

	// URI advertises where the pool can be reached, informational only.
	URI string

	// Capacity is the maximum number of jobs in flight. Default 8.
	Capacity int

	// Kinds restricts leasing to these tool kinds. Defaults to the
	// registry's kinds.
	Kinds []string

	// Labels are attached to the runtime row for operator filtering.
	Labels map[string]any

	// LeaseDuration is requested per lease. Default 60s.
	LeaseDuration time.Duration

	// PollInterval is the lease loop cadence. Default 2s.
	PollInterval time.Duration

	// HeartbeatInterval is the runtime heartbeat cadence. Default 15s.
	HeartbeatInterval time.Duration

	// MetricsInterval is the snapshot push cadence. Default 30s;
	// negative disables.
	MetricsInterval time.Duration

	// CancelGrace is how long a cancelled tool gets to return before
	// the pool abandons it. Default 10s.
	CancelGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.Name = host
	}
	if c.Capacity <= 0 {
		c.Capacity = 8
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	return c
}

// Pool leases queue jobs and runs them through a tool registry.
type Pool struct {
	api   API
	reg   *tool.Registry
	cfg   Config
	log   *zap.Logger
	clock func() time.Time

	instance string
	workerID string
	kinds    []string

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
	done     atomic.Uint64
	failed   atomic.Uint64
}

// New builds a pool. api and reg are required; a nil logger disables
// logging.
func New(api API, reg *tool.Registry, cfg Config, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	kinds := cfg.Kinds
	if len(kinds) == 0 {
		kinds = reg.Kinds()
	}
	instance := instanceID()
	return &Pool{
		api:      api,
		reg:      reg,
		cfg:      cfg,
		log:      log.With(zap.String("pool", cfg.Name), zap.String("worker_id", instance)),
		clock:    time.Now,
		instance: instance,
		workerID: instance,
		kinds:    kinds,
		sem:      semaphore.NewWeighted(int64(cfg.Capacity)),
	}
}

// instanceID builds the per-process worker identity: hostname, pid and
// a short random suffix so restarts never collide.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix)
}

// WorkerID returns the identity used on leases, set at registration.
func (p *Pool) WorkerID() string { return p.workerID }

// Run registers the pool and serves jobs until ctx is cancelled. It
// returns after in-flight jobs have drained and the pool deregistered.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.register(ctx); err != nil {
		return err
	}
	p.log.Info("worker pool registered",
		zap.Int("capacity", p.cfg.Capacity),
		zap.Strings("kinds", p.kinds))

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		p.heartbeatLoop(ctx)
	}()
	if p.cfg.MetricsInterval > 0 {
		loops.Add(1)
		go func() {
			defer loops.Done()
			p.metricsLoop(ctx)
		}()
	}

	p.leaseLoop(ctx)

	// Let running jobs finish their cancellation protocol before the
	// runtime row disappears.
	p.wg.Wait()
	loops.Wait()
	p.deregister()
	p.log.Info("worker pool stopped",
		zap.Uint64("jobs_done", p.done.Load()),
		zap.Uint64("jobs_failed", p.failed.Load()))
	return nil
}

// register retries with doubling backoff until the server accepts the
// pool or ctx ends.
func (p *Pool) register(ctx context.Context) error {
	req := RegisterRequest{
		Name:         p.cfg.Name,
		URI:          p.cfg.URI,
		Capacity:     p.cfg.Capacity,
		Labels:       p.cfg.Labels,
		Capabilities: p.kinds,
		Runtime: map[string]any{
			"instance": p.instance,
			"pid":      os.Getpid(),
		},
	}

	delay := time.Second
	for {
		resp, err := p.api.Register(ctx, req)
		if err == nil {
			if resp.WorkerID != "" {
				p.workerID = resp.WorkerID
			}
			return nil
		}
		p.log.Warn("register failed, retrying", zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

func (p *Pool) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.api.Deregister(ctx, p.cfg.Name); err != nil {
		p.log.Warn("deregister failed", zap.Error(err))
	}
}

// heartbeatLoop refreshes the runtime row every HeartbeatInterval. Each
// tick retries up to five times with doubling backoff; a tick that
// still fails is logged and leasing continues regardless.
func (p *Pool) heartbeatLoop(ctx context.Context) {
	req := HeartbeatRequest{
		Name:         p.cfg.Name,
		URI:          p.cfg.URI,
		Capacity:     p.cfg.Capacity,
		Labels:       p.cfg.Labels,
		Capabilities: p.kinds,
	}

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var err error
		backoff := 250 * time.Millisecond
		for attempt := 1; attempt <= 5; attempt++ {
			if err = p.api.Heartbeat(ctx, req); err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err != nil {
			p.log.Error("heartbeat failing", zap.Error(err))
		}
	}
}

func (p *Pool) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap := Snapshot{
			Worker:   p.workerID,
			Pool:     p.cfg.Name,
			Capacity: p.cfg.Capacity,
			InFlight: int(p.inFlight.Load()),
			Done:     p.done.Load(),
			Failed:   p.failed.Load(),
		}
		if err := p.api.ReportMetrics(ctx, snap); err != nil {
			p.log.Debug("report metrics failed", zap.Error(err))
		}
	}
}

// leaseLoop polls for due jobs up to free capacity and dispatches each
// on its own goroutine under the capacity semaphore.
func (p *Pool) leaseLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		free := p.cfg.Capacity - int(p.inFlight.Load())
		if free <= 0 {
			continue
		}
		jobs, err := p.api.Lease(ctx, model.LeaseRequest{
			WorkerID: p.workerID,
			Kinds:    p.kinds,
			Max:      free,
			Duration: p.cfg.LeaseDuration,
		})
		if err != nil {
			p.log.Warn("lease failed", zap.Error(err))
			continue
		}

		for _, job := range jobs {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				p.release(job)
				continue
			}
			p.inFlight.Add(1)
			p.wg.Add(1)
			go func(job *model.Job) {
				defer p.wg.Done()
				defer p.sem.Release(1)
				defer p.inFlight.Add(-1)
				p.runJob(ctx, job)
			}(job)
		}
	}
}

// release hands a leased row back to the queue without reporting an
// outcome event. Used when the pool shuts down before or during a job:
// the row is requeued and delivered fresh elsewhere.
func (p *Pool) release(job *model.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.api.Fail(ctx, job.QueueID, p.workerID, model.FailRequest{
		Error: "worker shutdown",
		Retry: true,
	})
	if err != nil {
		p.log.Warn("release leased job failed",
			zap.Stringer("queue_id", job.QueueID),
			zap.Error(err))
	}
}
