package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/server"
	"github.com/loomworks/loom/store"
)

const noopPlaybook = `
name: noop
path: flows/noop
steps:
  - step: start
    next:
      - step: end
`

const fetchPlaybook = `
name: fetch
path: flows/fetch
workload:
  greeting: hi
steps:
  - step: start
    next:
      - step: fetch
  - step: fetch
    tool:
      kind: http
      spec:
        url: https://api.test/data
    next:
      - step: end
`

type env struct {
	st  store.Store
	eng *engine.Engine
	srv *server.Server
	ts  *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, noopPlaybook, fetchPlaybook)
}

func newEnvWith(t *testing.T, docs ...string) *env {
	t.Helper()

	st := store.NewMemoryStore(ident.NewSequence(1))
	src := dsl.NewMapSource()
	for _, doc := range docs {
		pb, err := dsl.Parse([]byte(doc))
		if err != nil {
			t.Fatalf("parse playbook: %v", err)
		}
		src.Add(pb)
	}

	eng := engine.New(st, src, ident.NewSequence(1000), engine.Options{})
	reg := prometheus.NewRegistry()
	srv := server.New(st, eng, server.Options{
		Name:     "api-test",
		URI:      "http://localhost:0",
		Registry: reg,
		Gatherer: reg,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{st: st, eng: eng, srv: srv, ts: ts}
}

func (e *env) request(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out
}

func (e *env) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	return e.request(t, http.MethodPost, path, body)
}

func (e *env) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return e.request(t, http.MethodGet, path, nil)
}

// run starts an execution and returns its id.
func (e *env) run(t *testing.T, body map[string]any) string {
	t.Helper()
	status, resp := e.post(t, "/executions/run", body)
	if status != http.StatusCreated {
		t.Fatalf("run: status %d, body %v", status, resp)
	}
	id, _ := resp["execution_id"].(string)
	if id == "" {
		t.Fatalf("run: missing execution_id in %v", resp)
	}
	return id
}

// leaseOne claims exactly one http job.
func (e *env) leaseOne(t *testing.T, workerID string) map[string]any {
	t.Helper()
	status, resp := e.post(t, "/queue/lease", map[string]any{
		"worker_id":         workerID,
		"max":               5,
		"lease_seconds":     30,
		"capability_filter": []string{"http"},
	})
	if status != http.StatusOK {
		t.Fatalf("lease: status %d, body %v", status, resp)
	}
	jobs, _ := resp["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("lease: want 1 job, got %v", resp["jobs"])
	}
	job, _ := jobs[0].(map[string]any)
	return job
}

func TestRunEndpoint(t *testing.T) {
	e := newEnv(t)

	t.Run("control-only playbook completes inline", func(t *testing.T) {
		status, resp := e.post(t, "/executions/run", map[string]any{
			"path": "flows/noop",
			"type": "execute",
		})
		if status != http.StatusCreated {
			t.Fatalf("status %d, body %v", status, resp)
		}
		if resp["execution_id"] == "" {
			t.Fatal("missing execution_id")
		}
		if got := resp["status"]; got != "COMPLETED" {
			t.Fatalf("status = %v, want COMPLETED", got)
		}
		if got := resp["type"]; got != "execute" {
			t.Fatalf("echoed type = %v", got)
		}
	})

	t.Run("legacy aliases", func(t *testing.T) {
		id := e.run(t, map[string]any{
			"playbook_id":   "flows/fetch",
			"input_payload": map[string]any{"city": "PDX"},
		})
		status, resp := e.get(t, "/execution/"+id)
		if status != http.StatusOK {
			t.Fatalf("status %d", status)
		}
		exec, _ := resp["execution"].(map[string]any)
		workload, _ := exec["workload"].(map[string]any)
		if workload["city"] != "PDX" {
			t.Fatalf("workload.city = %v", workload["city"])
		}
		if workload["greeting"] != "hi" {
			t.Fatalf("playbook defaults not merged: %v", workload)
		}
	})

	t.Run("missing reference", func(t *testing.T) {
		status, resp := e.post(t, "/executions/run", map[string]any{})
		if status != http.StatusBadRequest || resp["code"] != "validation" {
			t.Fatalf("status %d, body %v", status, resp)
		}
		status, resp = e.post(t, "/executions/run", map[string]any{"path": "flows/missing"})
		if status != http.StatusNotFound || resp["code"] != "not_found" {
			t.Fatalf("status %d, body %v", status, resp)
		}
	})
}

func TestEmitEndpointDeduplicates(t *testing.T) {
	e := newEnv(t)
	id := e.run(t, map[string]any{"path": "flows/fetch"})

	ev := map[string]any{
		"execution_id": id,
		"event_type":   "action_started",
		"node_id":      "fetch",
		"dedup_key":    "action_started:manual:1",
	}
	status, first := e.post(t, "/event/emit", ev)
	if status != http.StatusOK {
		t.Fatalf("emit: status %d, body %v", status, first)
	}
	if first["ack"] != true || first["duplicate"] == true {
		t.Fatalf("first emit: %v", first)
	}

	status, second := e.post(t, "/event/emit", ev)
	if status != http.StatusOK {
		t.Fatalf("repeat emit: status %d", status)
	}
	if second["duplicate"] != true {
		t.Fatalf("repeat emit not marked duplicate: %v", second)
	}
	if first["event_id"] != second["event_id"] {
		t.Fatalf("duplicate answered with new id: %v vs %v", first["event_id"], second["event_id"])
	}
}

func TestQueueEndpoints(t *testing.T) {
	e := newEnv(t)
	id := e.run(t, map[string]any{"path": "flows/fetch"})

	job := e.leaseOne(t, "w1")
	if job["node_id"] != "fetch" || job["kind"] != "http" {
		t.Fatalf("leased job = %v", job)
	}
	if job["attempts"] != float64(1) {
		t.Fatalf("attempts = %v, want 1", job["attempts"])
	}
	queueID, _ := job["queue_id"].(string)
	if queueID == "" {
		t.Fatal("queue_id must serialize as a string")
	}

	status, _ := e.post(t, "/queue/"+queueID+"/renew", map[string]any{
		"worker_id":     "w1",
		"lease_seconds": 60,
	})
	if status != http.StatusOK {
		t.Fatalf("renew: status %d", status)
	}

	status, resp := e.post(t, "/queue/"+queueID+"/fail", map[string]any{
		"worker_id": "w1",
		"error":     "connection reset",
		"retry":     true,
	})
	if status != http.StatusOK || resp["status"] != "queued" {
		t.Fatalf("fail+retry: status %d, body %v", status, resp)
	}

	// The row is queued again; another worker may claim it.
	job = e.leaseOne(t, "w2")
	if job["attempts"] != float64(2) {
		t.Fatalf("attempts after requeue = %v, want 2", job["attempts"])
	}

	// The old holder lost the lease.
	status, resp = e.post(t, "/queue/"+queueID+"/ack", map[string]any{"worker_id": "w1"})
	if status != http.StatusConflict || resp["code"] != "conflict" {
		t.Fatalf("stale ack: status %d, body %v", status, resp)
	}

	status, resp = e.post(t, "/queue/"+queueID+"/ack", map[string]any{"worker_id": "w2"})
	if status != http.StatusOK || resp["status"] != "done" {
		t.Fatalf("ack: status %d, body %v", status, resp)
	}

	status, resp = e.get(t, "/execution/"+id)
	if status != http.StatusOK {
		t.Fatalf("status endpoint: %d", status)
	}
	queue, _ := resp["queue"].(map[string]any)
	if queue["done"] != float64(1) {
		t.Fatalf("queue counts = %v", queue)
	}
}

func TestLeaseValidation(t *testing.T) {
	e := newEnv(t)
	status, resp := e.post(t, "/queue/lease", map[string]any{"max": 5})
	if status != http.StatusBadRequest || resp["code"] != "validation" {
		t.Fatalf("status %d, body %v", status, resp)
	}
}

func TestExhaustedRowFailsExecution(t *testing.T) {
	e := newEnv(t)
	id := e.run(t, map[string]any{"path": "flows/fetch"})

	// Rows carry a budget of three lease attempts. Burn them with
	// worker-shutdown style releases, which report no outcome event.
	var queueID string
	for attempt := 1; attempt <= 3; attempt++ {
		job := e.leaseOne(t, "w1")
		queueID, _ = job["queue_id"].(string)
		if job["attempts"] != float64(attempt) {
			t.Fatalf("attempts = %v, want %d", job["attempts"], attempt)
		}
		status, resp := e.post(t, "/queue/"+queueID+"/fail", map[string]any{
			"worker_id": "w1",
			"error":     "worker shutdown",
			"retry":     true,
		})
		if status != http.StatusOK {
			t.Fatalf("fail %d: status %d, body %v", attempt, status, resp)
		}
		if attempt < 3 && resp["status"] != "queued" {
			t.Fatalf("fail %d: row status %v, want queued", attempt, resp["status"])
		}
		if attempt == 3 && resp["status"] != "dead" {
			t.Fatalf("final fail: row status %v, want dead", resp["status"])
		}
	}

	// The dead row is reported to the engine as a synthetic failure; the
	// step has no retry policy, so the execution fails.
	status, resp := e.get(t, "/execution/"+id)
	if status != http.StatusOK {
		t.Fatalf("status endpoint: %d", status)
	}
	exec, _ := resp["execution"].(map[string]any)
	if exec["status"] != "FAILED" {
		t.Fatalf("execution status = %v, want FAILED", exec["status"])
	}

	_, events := e.get(t, "/execution/"+id+"/events")
	found := false
	for _, raw := range events["events"].([]any) {
		ev := raw.(map[string]any)
		if ev["event_type"] != "action_failed" {
			continue
		}
		data, _ := ev["data"].(map[string]any)
		if data["reason"] == "exhausted" && data["queue_id"] == queueID {
			found = true
		}
	}
	if !found {
		t.Fatalf("no synthetic action_failed for dead row in %v", events["events"])
	}
}

func TestExecutionEventsPagination(t *testing.T) {
	e := newEnv(t)
	id := e.run(t, map[string]any{"path": "flows/noop"})

	status, all := e.get(t, "/execution/"+id+"/events")
	if status != http.StatusOK {
		t.Fatalf("events: status %d", status)
	}
	total := int(all["count"].(float64))
	if total < 3 {
		t.Fatalf("want a start/step/complete trail, got %d events", total)
	}

	status, page := e.get(t, "/execution/"+id+"/events?limit=2")
	if status != http.StatusOK || int(page["count"].(float64)) != 2 {
		t.Fatalf("first page: status %d, body %v", status, page)
	}
	events := page["events"].([]any)
	lastID := events[1].(map[string]any)["event_id"].(string)

	status, rest := e.get(t, fmt.Sprintf("/execution/%s/events?since=%s", id, lastID))
	if status != http.StatusOK {
		t.Fatalf("second page: status %d", status)
	}
	if int(rest["count"].(float64)) != total-2 {
		t.Fatalf("page split %d+%v != %d", 2, rest["count"], total)
	}

	status, resp := e.get(t, "/executions")
	if status != http.StatusOK {
		t.Fatalf("list executions: status %d", status)
	}
	if int(resp["count"].(float64)) < 1 {
		t.Fatalf("list executions empty: %v", resp)
	}
}

func TestWorkerRegistryEndpoints(t *testing.T) {
	e := newEnv(t)

	status, resp := e.post(t, "/worker/pool/register", map[string]any{
		"name":         "pool-a",
		"uri":          "http://10.0.0.5:8081",
		"capacity":     4,
		"capabilities": []string{"http", "python"},
		"runtime":      map[string]any{"instance": "pool-a-1-abc"},
	})
	if status != http.StatusOK {
		t.Fatalf("register: status %d, body %v", status, resp)
	}
	if resp["worker_id"] != "pool-a-1-abc" {
		t.Fatalf("worker_id = %v, want echoed instance", resp["worker_id"])
	}

	status, resp = e.post(t, "/worker/pool/register", map[string]any{
		"name":     "pool-b",
		"capacity": 2,
	})
	if status != http.StatusOK {
		t.Fatalf("register without instance: status %d", status)
	}
	if id, _ := resp["worker_id"].(string); !strings.HasPrefix(id, "pool-b-") {
		t.Fatalf("minted worker_id = %v", resp["worker_id"])
	}

	status, _ = e.post(t, "/worker/pool/heartbeat", map[string]any{"name": "pool-a"})
	if status != http.StatusOK {
		t.Fatalf("heartbeat: status %d", status)
	}

	// Unknown pool with no identity cannot be recreated.
	status, resp = e.post(t, "/worker/pool/heartbeat", map[string]any{"name": "ghost"})
	if status != http.StatusNotFound || resp["code"] != "not_found" {
		t.Fatalf("ghost heartbeat: status %d, body %v", status, resp)
	}

	// Enough identity recreates the row in place.
	status, _ = e.post(t, "/worker/pool/heartbeat", map[string]any{
		"name":     "ghost",
		"capacity": 2,
	})
	if status != http.StatusOK {
		t.Fatalf("recreating heartbeat: status %d", status)
	}

	status, _ = e.request(t, http.MethodDelete, "/worker/pool/deregister", map[string]any{"name": "pool-a"})
	if status != http.StatusOK {
		t.Fatalf("deregister: status %d", status)
	}
}

func TestRuntimeEndpoints(t *testing.T) {
	e := newEnv(t)

	status, resp := e.post(t, "/runtime/register", map[string]any{
		"kind": "broker",
		"name": "broker-1",
		"uri":  "http://10.0.0.9:9000",
	})
	if status != http.StatusOK {
		t.Fatalf("register: status %d, body %v", status, resp)
	}
	if resp["runtime_id"] == nil || resp["runtime_id"] == "" {
		t.Fatalf("runtime_id missing: %v", resp)
	}

	status, resp = e.post(t, "/runtime/register", map[string]any{"name": "no-kind"})
	if status != http.StatusBadRequest || resp["code"] != "validation" {
		t.Fatalf("invalid register: status %d, body %v", status, resp)
	}

	status, _ = e.request(t, http.MethodDelete, "/runtime/deregister", map[string]any{
		"kind": "broker",
		"name": "broker-1",
	})
	if status != http.StatusOK {
		t.Fatalf("deregister: status %d", status)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	e := newEnv(t)

	status, _ := e.post(t, "/metrics/report", map[string]any{
		"worker":    "pool-a-1-abc",
		"pool":      "pool-a",
		"capacity":  4,
		"in_flight": 2,
		"done":      10,
		"failed":    1,
	})
	if status != http.StatusOK {
		t.Fatalf("report: status %d", status)
	}

	status, resp := e.post(t, "/metrics/report", map[string]any{"pool": "nameless"})
	if status != http.StatusBadRequest || resp["code"] != "validation" {
		t.Fatalf("invalid report: status %d, body %v", status, resp)
	}

	req, _ := http.NewRequest(http.MethodGet, e.ts.URL+"/metrics", nil)
	httpResp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer httpResp.Body.Close()
	body, _ := io.ReadAll(httpResp.Body)
	if !bytes.Contains(body, []byte("loom_worker_in_flight")) {
		t.Fatalf("exposition missing worker gauges:\n%s", body)
	}
	if !bytes.Contains(body, []byte("loom_leases_granted_total")) {
		t.Fatalf("exposition missing queue counters:\n%s", body)
	}

	status, resp = e.get(t, "/healthz")
	if status != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("healthz: status %d, body %v", status, resp)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	e := newEnv(t)

	status, resp := e.get(t, "/execution/999999")
	if status != http.StatusNotFound {
		t.Fatalf("status %d", status)
	}
	if resp["code"] != "not_found" || resp["error"] == "" {
		t.Fatalf("envelope = %v", resp)
	}

	status, resp = e.get(t, "/execution/not-a-number")
	if status != http.StatusBadRequest || resp["code"] != "validation" {
		t.Fatalf("bad id: status %d, body %v", status, resp)
	}
}

func TestLeaseCapClampsMax(t *testing.T) {
	st := store.NewMemoryStore(ident.NewSequence(1))
	src := dsl.NewMapSource()
	pb, err := dsl.Parse([]byte(fetchPlaybook))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	src.Add(pb)
	eng := engine.New(st, src, ident.NewSequence(1000), engine.Options{})
	reg := prometheus.NewRegistry()
	srv := server.New(st, eng, server.Options{LeaseCap: 1, Registry: reg, Gatherer: reg})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	e := &env{st: st, eng: eng, srv: srv, ts: ts}

	// Two runnable rows from two executions; a greedy lease still gets one.
	e.run(t, map[string]any{"path": "flows/fetch"})
	e.run(t, map[string]any{"path": "flows/fetch"})

	status, resp := e.post(t, "/queue/lease", map[string]any{
		"worker_id":     "w1",
		"max":           50,
		"lease_seconds": 30,
	})
	if status != http.StatusOK {
		t.Fatalf("lease: status %d", status)
	}
	if jobs, _ := resp["jobs"].([]any); len(jobs) != 1 {
		t.Fatalf("lease cap ignored: got %d jobs", len(jobs))
	}

	// Zero lease_seconds falls back to the server default rather than
	// minting an already-expired lease.
	status, resp = e.post(t, "/queue/lease", map[string]any{
		"worker_id": "w1",
		"max":       1,
	})
	if status != http.StatusOK {
		t.Fatalf("default lease: status %d", status)
	}
	jobs, _ := resp["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("want second row, got %v", resp)
	}
	leaseUntil, _ := jobs[0].(map[string]any)["lease_until"].(string)
	until, err := time.Parse(time.RFC3339Nano, leaseUntil)
	if err != nil {
		t.Fatalf("lease_until %q: %v", leaseUntil, err)
	}
	if time.Until(until) < 30*time.Second {
		t.Fatalf("default lease too short: %v", leaseUntil)
	}
}
