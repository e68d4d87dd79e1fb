package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/store"
	"github.com/loomworks/loom/worker"
)

// maxBodyBytes bounds request bodies. Events carry tool results, so the
// limit is generous.
const maxBodyBytes = 8 << 20

// Handler builds the HTTP API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/event/emit", s.handleEmit)
	r.Post("/executions/run", s.handleRun)
	r.Get("/executions", s.handleListExecutions)
	r.Get("/execution/{id}", s.handleExecution)
	r.Get("/execution/{id}/events", s.handleExecutionEvents)

	r.Post("/worker/pool/register", s.handleWorkerRegister)
	r.Post("/worker/pool/heartbeat", s.handleWorkerHeartbeat)
	r.Delete("/worker/pool/deregister", s.handleWorkerDeregister)
	r.Post("/runtime/register", s.handleRuntimeRegister)
	r.Delete("/runtime/deregister", s.handleRuntimeDeregister)

	r.Post("/queue/lease", s.handleLease)
	r.Post("/queue/{id}/ack", s.handleAck)
	r.Post("/queue/{id}/fail", s.handleFail)
	r.Post("/queue/{id}/renew", s.handleRenew)

	r.Post("/metrics/report", s.handleMetricsReport)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.CodeOf(err)
	status := engine.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	s.writeJSON(w, status, map[string]any{
		"error": engine.TruncateError(err.Error()),
		"code":  string(code),
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer io.Copy(io.Discard, body)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return engine.Wrap(engine.CodeValidation, err, "decode request body")
	}
	return nil
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (ident.ID, error) {
	raw := chi.URLParam(r, "id")
	id, err := ident.Parse(raw)
	if err != nil {
		return 0, engine.E(engine.CodeValidation, "bad id %q", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := s.decode(w, r, &ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	ack, err := s.emitEvent(r.Context(), &ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"event_id": ack.EventID, "ack": true}
	if ack.Duplicate {
		resp["duplicate"] = true
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// runRequest accepts the current field names and the legacy aliases
// older callers still send.
type runRequest struct {
	Path              string         `json:"path"`
	PlaybookID        string         `json:"playbook_id"`
	CatalogID         string         `json:"catalog_id"`
	Version           string         `json:"version"`
	Workload          map[string]any `json:"workload"`
	InputPayload      map[string]any `json:"input_payload"`
	Parameters        map[string]any `json:"parameters"`
	Type              string         `json:"type"`
	Timestamp         string         `json:"timestamp"`
	ParentExecutionID string         `json:"parent_execution_id"`
}

func (req *runRequest) normalize() (engine.StartRequest, error) {
	path := req.Path
	if path == "" {
		path = req.PlaybookID
	}

	workload := map[string]any{}
	for _, layer := range []map[string]any{req.Parameters, req.InputPayload, req.Workload} {
		for k, v := range layer {
			workload[k] = v
		}
	}
	if len(workload) == 0 {
		workload = nil
	}

	var parent ident.ID
	if req.ParentExecutionID != "" {
		id, err := ident.Parse(req.ParentExecutionID)
		if err != nil {
			return engine.StartRequest{}, engine.E(engine.CodeValidation, "bad parent_execution_id %q", req.ParentExecutionID)
		}
		parent = id
	}

	return engine.StartRequest{
		Path:              path,
		Version:           req.Version,
		CatalogID:         req.CatalogID,
		Workload:          workload,
		ParentExecutionID: parent,
	}, nil
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start, err := req.normalize()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.eng.StartExecution(r.Context(), start)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := map[string]any{
		"execution_id": exec.ExecutionID,
		"status":       exec.Status,
		"path":         exec.Path,
		"start_time":   exec.StartTime,
	}
	if exec.CatalogID != "" {
		resp["catalog_id"] = exec.CatalogID
	}
	if req.Type != "" {
		resp["type"] = req.Type
	}
	if req.Timestamp != "" {
		resp["timestamp"] = req.Timestamp
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.executionStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	execs, err := s.st.ListExecutions(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, engine.Wrap(engine.CodeRetriable, err, "list executions"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var since ident.ID
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = ident.Parse(raw)
		if err != nil {
			s.writeError(w, r, engine.E(engine.CodeValidation, "bad since %q", raw))
			return
		}
	}
	limit := queryInt(r, "limit", 200)
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	events, err := s.st.ListEvents(r.Context(), id, since, limit)
	if err != nil {
		s.writeError(w, r, engine.Wrap(engine.CodeRetriable, err, "list events"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req worker.RegisterRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.registerWorker(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req worker.HeartbeatRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.heartbeatWorker(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWorkerDeregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deregisterWorker(r.Context(), req.Name); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRuntimeRegister(w http.ResponseWriter, r *http.Request) {
	var comp model.Component
	if err := s.decode(w, r, &comp); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registerRuntime(r.Context(), &comp); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, comp)
}

func (s *Server) handleRuntimeDeregister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind model.ComponentKind `json:"kind"`
		Name string              `json:"name"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == "" || req.Name == "" {
		s.writeError(w, r, engine.E(engine.CodeValidation, "runtime deregister: kind and name required"))
		return
	}
	if err := s.st.DeleteRuntime(r.Context(), req.Kind, req.Name); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type leaseRequest struct {
	WorkerID         string   `json:"worker_id"`
	Max              int      `json:"max"`
	LeaseSeconds     int      `json:"lease_seconds"`
	CapabilityFilter []string `json:"capability_filter"`
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.leaseJobs(r.Context(), model.LeaseRequest{
		WorkerID: req.WorkerID,
		Kinds:    req.CapabilityFilter,
		Max:      req.Max,
		Duration: time.Duration(req.LeaseSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type queueActionRequest struct {
	WorkerID          string `json:"worker_id"`
	LeaseSeconds      int    `json:"lease_seconds"`
	Error             string `json:"error"`
	Retry             bool   `json:"retry"`
	RetryDelaySeconds int    `json:"retry_delay_seconds"`
	Permanent         bool   `json:"permanent"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req queueActionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ackJob(r.Context(), id, req.WorkerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": model.JobDone})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req queueActionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.failJob(r.Context(), id, req.WorkerID, model.FailRequest{
		Error:      req.Error,
		Retry:      req.Retry,
		RetryDelay: time.Duration(req.RetryDelaySeconds) * time.Second,
		Permanent:  req.Permanent,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req queueActionRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := time.Duration(req.LeaseSeconds) * time.Second
	if err := s.renewJob(r.Context(), id, req.WorkerID, d); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	var snap worker.Snapshot
	if err := s.decode(w, r, &snap); err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap.Worker == "" {
		s.writeError(w, r, engine.E(engine.CodeValidation, "metrics report: worker required"))
		return
	}
	s.gauges.record(snap)
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  engine.TruncateError(err.Error()),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
