// Package server exposes the engine, queue, and runtime registry over
// HTTP and in-process. It owns no orchestration logic: handlers
// validate, delegate to the engine or store, and map coded errors to
// status codes. The maintenance scheduler in this package keeps leases,
// runtime rows, and the event log healthy in the background.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/worker"
)

// defaultLeaseCap bounds how many rows one lease call may claim.
const defaultLeaseCap = 32

// Options tunes a Server. Zero values fall back to defaults.
type Options struct {
	// Logger for request and maintenance logging. Nil disables logging.
	Logger *zap.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time

	// Name is this server's row in the runtime registry. Defaults to
	// the hostname.
	Name string

	// URI is the advertised address recorded on the runtime row.
	URI string

	// LeaseCap bounds rows per lease request. Default 32.
	LeaseCap int

	// Registry receives the worker gauges; nil uses the default
	// registerer.
	Registry prometheus.Registerer

	// Gatherer backs GET /metrics; nil uses the default gatherer.
	Gatherer prometheus.Gatherer
}

// Server wires the engine and store to transports. Construct with New;
// the zero value is not usable.
type Server struct {
	st    store.Store
	eng   *engine.Engine
	log   *zap.Logger
	clock func() time.Time

	name     string
	uri      string
	leaseCap int
	gatherer prometheus.Gatherer
	gauges   *workerGauges
	queue    *queueCounters
}

// New builds a server over st and eng.
func New(st store.Store, eng *engine.Engine, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	name := opts.Name
	if name == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "loom-server"
		}
		name = host
	}
	leaseCap := opts.LeaseCap
	if leaseCap <= 0 {
		leaseCap = defaultLeaseCap
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		st:       st,
		eng:      eng,
		log:      log,
		clock:    clock,
		name:     name,
		uri:      opts.URI,
		leaseCap: leaseCap,
		gatherer: gatherer,
		gauges:   newWorkerGauges(opts.Registry),
		queue:    newQueueCounters(opts.Registry),
	}
}

// workerGauges re-exports pool-reported load as Prometheus series.
type workerGauges struct {
	inFlight *prometheus.GaugeVec
	capacity *prometheus.GaugeVec
	done     *prometheus.GaugeVec
	failed   *prometheus.GaugeVec
}

func newWorkerGauges(registry prometheus.Registerer) *workerGauges {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	labels := []string{"worker", "pool"}

	return &workerGauges{
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "worker",
			Name:      "in_flight",
			Help:      "Jobs currently executing, as reported by the pool",
		}, labels),
		capacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "worker",
			Name:      "capacity",
			Help:      "Configured pool capacity",
		}, labels),
		done: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "worker",
			Name:      "jobs_done",
			Help:      "Jobs completed since the pool started",
		}, labels),
		failed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Subsystem: "worker",
			Name:      "jobs_failed",
			Help:      "Jobs failed since the pool started",
		}, labels),
	}
}

func (g *workerGauges) record(snap worker.Snapshot) {
	g.inFlight.WithLabelValues(snap.Worker, snap.Pool).Set(float64(snap.InFlight))
	g.capacity.WithLabelValues(snap.Worker, snap.Pool).Set(float64(snap.Capacity))
	g.done.WithLabelValues(snap.Worker, snap.Pool).Set(float64(snap.Done))
	g.failed.WithLabelValues(snap.Worker, snap.Pool).Set(float64(snap.Failed))
}

// queueCounters instruments the server's side of the queue protocol.
type queueCounters struct {
	leased  prometheus.Counter
	settled *prometheus.CounterVec
}

func newQueueCounters(registry prometheus.Registerer) *queueCounters {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &queueCounters{
		leased: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "leases_granted_total",
			Help:      "Queue rows handed to workers",
		}),
		settled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "jobs_settled_total",
			Help:      "Rows settled through ack and fail, by resulting status",
		}, []string{"status"}),
	}
}

// emitEvent ingests one event through the engine.
func (s *Server) emitEvent(ctx context.Context, ev *model.Event) (*engine.Ack, error) {
	return s.eng.HandleEvent(ctx, ev)
}

// leaseJobs claims due rows for a worker, clamped to the lease cap.
func (s *Server) leaseJobs(ctx context.Context, req model.LeaseRequest) ([]*model.Job, error) {
	if req.WorkerID == "" {
		return nil, engine.E(engine.CodeValidation, "lease: worker_id required")
	}
	if req.Max <= 0 {
		req.Max = 1
	}
	if req.Max > s.leaseCap {
		req.Max = s.leaseCap
	}
	if req.Duration <= 0 {
		req.Duration = time.Minute
	}
	jobs, err := s.st.Lease(ctx, req, s.clock())
	if err != nil {
		return nil, engine.Wrap(engine.CodeRetriable, err, "lease")
	}
	s.queue.leased.Add(float64(len(jobs)))
	return jobs, nil
}

// ackJob settles a row as done. Workers report the outcome event before
// acking, so the settle is the last input completion detection waits on;
// the execution is re-evaluated once the row lands.
func (s *Server) ackJob(ctx context.Context, queueID ident.ID, workerID string) error {
	if workerID == "" {
		return engine.E(engine.CodeValidation, "ack: worker_id required")
	}
	if err := s.st.Ack(ctx, queueID, workerID, s.clock()); err != nil {
		return err
	}
	s.queue.settled.WithLabelValues(string(model.JobDone)).Inc()
	s.evaluateSettled(ctx, queueID)
	return nil
}

// failJob settles a row as failed, requeued, or dead. A row that dies
// here without an accompanying worker report (infrastructure retries
// that ran out of attempts) is surfaced to the engine as a synthetic
// failure so the execution does not stall waiting on it.
func (s *Server) failJob(ctx context.Context, queueID ident.ID, workerID string, req model.FailRequest) (model.JobStatus, error) {
	if workerID == "" {
		return "", engine.E(engine.CodeValidation, "fail: worker_id required")
	}
	status, err := s.st.Fail(ctx, queueID, workerID, req, s.clock())
	if err != nil {
		return status, err
	}
	s.queue.settled.WithLabelValues(string(status)).Inc()
	if status == model.JobDead && req.Retry && !req.Permanent {
		if job, jerr := s.st.GetJob(ctx, queueID); jerr == nil {
			s.reportDeadRow(ctx, job, req.Error, "exhausted")
		}
	}
	s.evaluateSettled(ctx, queueID)
	return status, nil
}

// evaluateSettled re-derives decisions for a settled row's execution.
// The row is already terminal, so errors here only delay completion
// until the reconcile sweep.
func (s *Server) evaluateSettled(ctx context.Context, queueID ident.ID) {
	job, err := s.st.GetJob(ctx, queueID)
	if err != nil {
		s.log.Warn("load settled row", zap.Stringer("queue_id", queueID), zap.Error(err))
		return
	}
	if err := s.eng.EvaluateExecution(ctx, job.ExecutionID); err != nil {
		s.log.Warn("evaluate after settle",
			zap.Stringer("execution_id", job.ExecutionID),
			zap.Stringer("queue_id", queueID),
			zap.Error(err))
	}
}

func (s *Server) renewJob(ctx context.Context, queueID ident.ID, workerID string, d time.Duration) error {
	if workerID == "" {
		return engine.E(engine.CodeValidation, "renew: worker_id required")
	}
	if d <= 0 {
		d = time.Minute
	}
	return s.st.RenewLease(ctx, queueID, workerID, s.clock().Add(d))
}

// reportDeadRow feeds a row that died without a worker outcome back
// into the engine as an action failure. The dedup key pins one report
// per row no matter how many sweeps or fail calls observe it.
func (s *Server) reportDeadRow(ctx context.Context, job *model.Job, errMsg, reason string) {
	if errMsg == "" {
		errMsg = "attempts exhausted"
	}
	_, err := s.eng.HandleEvent(ctx, &model.Event{
		ExecutionID:       job.ExecutionID,
		ParentExecutionID: job.ParentExecutionID,
		Type:              model.EventActionFailed,
		NodeID:            job.NodeID,
		Status:            "FAILED",
		Timestamp:         s.clock(),
		Data: model.JSONMap{
			"queue_id": job.QueueID.String(),
			"kind":     job.Kind,
			"attempt":  job.Attempts,
			"error":    engine.TruncateError(errMsg),
			"reason":   reason,
		},
		Meta:     job.Meta.Clone(),
		DedupKey: fmt.Sprintf("action_failed:dead:%s", job.QueueID),
	})
	if err != nil {
		s.log.Error("report dead row",
			zap.Stringer("execution_id", job.ExecutionID),
			zap.Stringer("queue_id", job.QueueID),
			zap.Error(err))
	}
}

// registerWorker upserts the pool's runtime row and assigns its worker
// identity.
func (s *Server) registerWorker(ctx context.Context, req worker.RegisterRequest) (worker.RegisterResponse, error) {
	if req.Name == "" {
		return worker.RegisterResponse{}, engine.E(engine.CodeValidation, "register: name required")
	}
	workerID, _ := req.Runtime["instance"].(string)
	if workerID == "" {
		workerID = req.Name + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	now := s.clock()
	runtime := model.JSONMap{"worker_id": workerID}
	for k, v := range req.Runtime {
		runtime[k] = v
	}
	comp := &model.Component{
		Name:         req.Name,
		Kind:         model.KindWorkerPool,
		URI:          req.URI,
		Status:       model.ComponentReady,
		Labels:       model.JSONMap(req.Labels),
		Capabilities: model.StringList(req.Capabilities),
		Capacity:     req.Capacity,
		Runtime:      runtime,
		Heartbeat:    now,
	}
	if err := s.st.UpsertRuntime(ctx, comp); err != nil {
		return worker.RegisterResponse{}, engine.Wrap(engine.CodeRetriable, err, "register worker")
	}
	s.log.Info("worker pool registered",
		zap.String("pool", req.Name),
		zap.String("worker_id", workerID),
		zap.Int("capacity", req.Capacity),
		zap.Strings("capabilities", req.Capabilities))
	return worker.RegisterResponse{WorkerID: workerID, RuntimeID: comp.RuntimeID}, nil
}

// heartbeatWorker refreshes the pool's runtime row, recreating it when
// the sweeper removed it and the request carries enough identity.
func (s *Server) heartbeatWorker(ctx context.Context, req worker.HeartbeatRequest) error {
	if req.Name == "" {
		return engine.E(engine.CodeValidation, "heartbeat: name required")
	}
	err := s.st.TouchRuntime(ctx, model.KindWorkerPool, req.Name, s.clock())
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return engine.Wrap(engine.CodeRetriable, err, "heartbeat")
	}
	if req.Capacity <= 0 && req.URI == "" && len(req.Capabilities) == 0 {
		return engine.Wrap(engine.CodeNotFound, err, "heartbeat: unknown pool and no identity to recreate")
	}
	_, rerr := s.registerWorker(ctx, worker.RegisterRequest{
		Name:         req.Name,
		URI:          req.URI,
		Capacity:     req.Capacity,
		Labels:       req.Labels,
		Capabilities: req.Capabilities,
	})
	return rerr
}

func (s *Server) deregisterWorker(ctx context.Context, name string) error {
	if name == "" {
		return engine.E(engine.CodeValidation, "deregister: name required")
	}
	err := s.st.DeleteRuntime(ctx, model.KindWorkerPool, name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return engine.Wrap(engine.CodeRetriable, err, "deregister")
	}
	return nil
}

// registerRuntime records a non-pool component (broker, another server).
func (s *Server) registerRuntime(ctx context.Context, comp *model.Component) error {
	if comp.Name == "" || comp.Kind == "" {
		return engine.E(engine.CodeValidation, "runtime register: kind and name required")
	}
	if comp.Status == "" {
		comp.Status = model.ComponentReady
	}
	comp.Heartbeat = s.clock()
	if err := s.st.UpsertRuntime(ctx, comp); err != nil {
		return engine.Wrap(engine.CodeRetriable, err, "runtime register")
	}
	return nil
}

// ExecutionStatus aggregates one execution for the status endpoint.
type ExecutionStatus struct {
	Execution model.Execution   `json:"execution"`
	Steps     map[string]string `json:"steps"`
	Queue     map[string]int    `json:"queue"`
}

func (s *Server) executionStatus(ctx context.Context, execID ident.ID) (*ExecutionStatus, error) {
	exec, err := s.st.GetExecution(ctx, execID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, engine.Wrap(engine.CodeNotFound, err, fmt.Sprintf("execution %s", execID))
		}
		return nil, engine.Wrap(engine.CodeRetriable, err, "load execution")
	}

	steps, err := s.eng.StepPhases(ctx, execID)
	if err != nil {
		return nil, err
	}

	queue := map[string]int{}
	jobs, err := s.st.JobsByExecution(ctx, execID)
	if err != nil {
		return nil, engine.Wrap(engine.CodeRetriable, err, "load queue rows")
	}
	for _, j := range jobs {
		queue[string(j.Status)]++
	}

	return &ExecutionStatus{Execution: *exec, Steps: steps, Queue: queue}, nil
}
