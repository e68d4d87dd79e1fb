package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/store"
)

// backends lists every Store implementation under test. Memory and SQLite
// always run; Postgres and MySQL run when TEST_POSTGRES_DSN / TEST_MYSQL_DSN
// point at a disposable database.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()
	return map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore(ident.NewSequence(1000))
		},
		"sqlite": func(t *testing.T) store.Store {
			st, err := store.NewSQLiteStore(":memory:", ident.NewSequence(1000))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"postgres": func(t *testing.T) store.Store {
			dsn := os.Getenv("TEST_POSTGRES_DSN")
			if dsn == "" {
				t.Skip("TEST_POSTGRES_DSN not set")
			}
			st, err := store.NewPostgresStore(dsn, ident.NewSequence(1000))
			if err != nil {
				t.Fatalf("open postgres: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"mysql": func(t *testing.T) store.Store {
			dsn := os.Getenv("TEST_MYSQL_DSN")
			if dsn == "" {
				t.Skip("TEST_MYSQL_DSN not set")
			}
			st, err := store.NewMySQLStore(dsn, ident.NewSequence(1000))
			if err != nil {
				t.Fatalf("open mysql: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Helper()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestAppendEventDedup(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		first := &model.Event{
			ExecutionID: 7,
			Type:        model.EventStepStarted,
			NodeID:      "fetch",
			Timestamp:   t0,
			DedupKey:    "step_started:fetch:1",
		}
		id1, err := st.AppendEvent(ctx, first)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if id1.IsZero() {
			t.Fatal("append did not assign an event id")
		}

		dup := &model.Event{
			ExecutionID: 7,
			Type:        model.EventStepStarted,
			NodeID:      "fetch",
			Timestamp:   t0.Add(time.Second),
			DedupKey:    "step_started:fetch:1",
		}
		id2, err := st.AppendEvent(ctx, dup)
		if !errors.Is(err, store.ErrDuplicate) {
			t.Fatalf("duplicate append: got err %v, want ErrDuplicate", err)
		}
		if id2 != id1 {
			t.Fatalf("duplicate append returned id %v, want original %v", id2, id1)
		}

		// Same key under another execution is independent.
		other := &model.Event{
			ExecutionID: 8,
			Type:        model.EventStepStarted,
			NodeID:      "fetch",
			Timestamp:   t0,
			DedupKey:    "step_started:fetch:1",
		}
		if _, err := st.AppendEvent(ctx, other); err != nil {
			t.Fatalf("append other execution: %v", err)
		}

		events, err := st.ListEvents(ctx, 7, 0, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		if events[0].EventID != id1 || events[0].NodeID != "fetch" {
			t.Fatalf("unexpected event %+v", events[0])
		}
	})
}

func TestListEventsAfterAndLimit(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		var ids []ident.ID
		for i := 0; i < 5; i++ {
			ev := &model.Event{
				ExecutionID: 3,
				Type:        model.EventActionCompleted,
				NodeID:      "n",
				Timestamp:   t0.Add(time.Duration(i) * time.Second),
			}
			id, err := st.AppendEvent(ctx, ev)
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			ids = append(ids, id)
		}

		tail, err := st.ListEvents(ctx, 3, ids[1], 2)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(tail) != 2 {
			t.Fatalf("got %d events, want 2", len(tail))
		}
		if tail[0].EventID != ids[2] || tail[1].EventID != ids[3] {
			t.Fatalf("got events %v %v, want %v %v", tail[0].EventID, tail[1].EventID, ids[2], ids[3])
		}
	})
}

func TestEventRoundTripPayloads(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		ev := &model.Event{
			ExecutionID:   11,
			ParentEventID: 5,
			Type:          model.EventActionCompleted,
			NodeID:        "fetch",
			Status:        "ok",
			Timestamp:     t0,
			DurationMS:    42,
			Result:        map[string]any{"rows": float64(3), "page": []any{"a", "b"}},
			Context:       model.JSONMap{"step": map[string]any{"city": "Oslo"}},
			Data:          model.JSONMap{"raw": "payload"},
			Meta: model.Meta{
				Retry: &model.RetryMeta{AttemptNumber: 2, Type: model.RetryOnError, WillRetry: true, NextDelayMS: 2000},
				Extra: map[string]any{"note": "x"},
			},
			DedupKey: "action:fetch:2",
		}
		id, err := st.AppendEvent(ctx, ev)
		if err != nil {
			t.Fatalf("append: %v", err)
		}

		got, err := st.ListEvents(ctx, 11, 0, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("got %d events, want 1", len(got))
		}
		e := got[0]
		if e.EventID != id || e.ParentEventID != 5 || e.Status != "ok" || e.DurationMS != 42 {
			t.Fatalf("unexpected event %+v", e)
		}
		if !e.Timestamp.Equal(t0) {
			t.Fatalf("timestamp %v, want %v", e.Timestamp, t0)
		}
		res, ok := e.Result.(map[string]any)
		if !ok || res["rows"] != float64(3) {
			t.Fatalf("result did not round-trip: %#v", e.Result)
		}
		if e.Meta.Retry == nil || e.Meta.Retry.AttemptNumber != 2 || !e.Meta.Retry.WillRetry {
			t.Fatalf("meta did not round-trip: %+v", e.Meta)
		}
		if e.Context["step"].(map[string]any)["city"] != "Oslo" {
			t.Fatalf("context did not round-trip: %#v", e.Context)
		}
	})
}

func queuedJob(execID ident.ID, node string) *model.Job {
	return &model.Job{
		ExecutionID: execID,
		NodeID:      node,
		Kind:        "http",
		Action:      model.JSONMap{"tool": "http", "url": "https://example.test"},
		MaxAttempts: 3,
		AvailableAt: t0,
	}
}

func TestEnqueueDedup(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		j := queuedJob(1, "fetch")
		j.DedupKey = "job:fetch:1"
		id1, err := st.Enqueue(ctx, j)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		dup := queuedJob(1, "fetch")
		dup.DedupKey = "job:fetch:1"
		id2, err := st.Enqueue(ctx, dup)
		if !errors.Is(err, store.ErrDuplicate) {
			t.Fatalf("duplicate enqueue: got err %v, want ErrDuplicate", err)
		}
		if id2 != id1 {
			t.Fatalf("duplicate enqueue returned %v, want original %v", id2, id1)
		}

		jobs, err := st.JobsByExecution(ctx, 1)
		if err != nil {
			t.Fatalf("jobs: %v", err)
		}
		if len(jobs) != 1 {
			t.Fatalf("got %d jobs, want 1", len(jobs))
		}
		if jobs[0].Status != model.JobQueued {
			t.Fatalf("status %q, want queued", jobs[0].Status)
		}
	})
}

func TestEnqueueBatchMapsDuplicates(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		a := queuedJob(2, "a")
		a.DedupKey = "k:a"
		origID, err := st.Enqueue(ctx, a)
		if err != nil {
			t.Fatalf("seed: %v", err)
		}

		b := queuedJob(2, "b")
		b.DedupKey = "k:b"
		dupA := queuedJob(2, "a")
		dupA.DedupKey = "k:a"

		ids, err := st.EnqueueBatch(ctx, []*model.Job{b, dupA})
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		if len(ids) != 2 {
			t.Fatalf("got %d ids, want 2", len(ids))
		}
		if ids[1] != origID {
			t.Fatalf("duplicate slot got %v, want original %v", ids[1], origID)
		}

		jobs, err := st.JobsByExecution(ctx, 2)
		if err != nil {
			t.Fatalf("jobs: %v", err)
		}
		if len(jobs) != 2 {
			t.Fatalf("got %d jobs, want 2", len(jobs))
		}
	})
}

func TestLeaseLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		id, err := st.Enqueue(ctx, queuedJob(1, "fetch"))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 5, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 1 {
			t.Fatalf("leased %d jobs, want 1", len(leased))
		}
		j := leased[0]
		if j.QueueID != id || j.Status != model.JobLeased || j.WorkerID != "w1" || j.Attempts != 1 {
			t.Fatalf("unexpected lease %+v", j)
		}
		if !j.LeaseUntil.Equal(t0.Add(time.Minute)) {
			t.Fatalf("lease_until %v, want %v", j.LeaseUntil, t0.Add(time.Minute))
		}

		// Leased rows are invisible to further scans.
		again, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w2", Max: 5, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("second lease: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("second lease got %d jobs, want 0", len(again))
		}

		if err := st.Ack(ctx, id, "w1", t0.Add(time.Second)); err != nil {
			t.Fatalf("ack: %v", err)
		}
		got, err := st.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != model.JobDone {
			t.Fatalf("status %q, want done", got.Status)
		}

		// Ack is idempotent for the owner, an error for anyone else.
		if err := st.Ack(ctx, id, "w1", t0.Add(2*time.Second)); err != nil {
			t.Fatalf("repeat ack: %v", err)
		}
		if err := st.Ack(ctx, id, "w2", t0.Add(2*time.Second)); !errors.Is(err, store.ErrLeaseOwner) {
			t.Fatalf("foreign ack: got %v, want ErrLeaseOwner", err)
		}
	})
}

func TestLeaseFiltersAndScheduling(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		ready := queuedJob(1, "now")
		future := queuedJob(1, "later")
		future.AvailableAt = t0.Add(time.Hour)
		pgOnly := queuedJob(1, "pg")
		pgOnly.Kind = "postgres"
		for _, j := range []*model.Job{ready, future, pgOnly} {
			if _, err := st.Enqueue(ctx, j); err != nil {
				t.Fatalf("enqueue %s: %v", j.NodeID, err)
			}
		}

		// Kind filter.
		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Kinds: []string{"postgres"}, Max: 5, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 1 || leased[0].NodeID != "pg" {
			t.Fatalf("kind filter leased %+v", leased)
		}

		// available_at gates the future row.
		leased, err = st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 5, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 1 || leased[0].NodeID != "now" {
			t.Fatalf("scheduling leased %+v", leased)
		}

		leased, err = st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 5, Duration: time.Minute}, t0.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 1 || leased[0].NodeID != "later" {
			t.Fatalf("future row leased %+v", leased)
		}
	})
}

func TestLeaseFairAcrossExecutions(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		// Execution 1 floods the queue ahead of execution 2.
		for i, node := range []string{"a1", "a2", "a3"} {
			j := queuedJob(1, node)
			j.AvailableAt = t0.Add(time.Duration(i) * time.Millisecond)
			if _, err := st.Enqueue(ctx, j); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		b := queuedJob(2, "b1")
		b.AvailableAt = t0.Add(10 * time.Millisecond)
		if _, err := st.Enqueue(ctx, b); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 2, Duration: time.Minute}, t0.Add(time.Second))
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 2 {
			t.Fatalf("leased %d, want 2", len(leased))
		}
		if leased[0].NodeID != "a1" || leased[1].NodeID != "b1" {
			t.Fatalf("fairness order got %s,%s want a1,b1", leased[0].NodeID, leased[1].NodeID)
		}
	})
}

func TestLeaseSkipsPausedExecutions(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		if err := st.UpsertExecution(ctx, &model.Execution{
			ExecutionID: 9, Path: "p", Status: model.ExecutionPaused, StartTime: t0,
		}); err != nil {
			t.Fatalf("upsert execution: %v", err)
		}
		if _, err := st.Enqueue(ctx, queuedJob(9, "held")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := st.Enqueue(ctx, queuedJob(10, "free")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 5, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 1 || leased[0].NodeID != "free" {
			t.Fatalf("paused filter leased %+v", leased)
		}

		// Resuming releases the held job.
		if err := st.UpdateExecutionStatus(ctx, 9, model.ExecutionRunning, nil); err != nil {
			t.Fatalf("resume: %v", err)
		}
		leased, err = st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 5, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 1 || leased[0].NodeID != "held" {
			t.Fatalf("resume leased %+v", leased)
		}
	})
}

func TestLeaseSkipsTerminalExecutions(t *testing.T) {
	// A fatal step failure can leave sibling rows queued. Once the
	// execution is FAILED or COMPLETED those rows must never reach a
	// worker again.
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		for execID, status := range map[ident.ID]model.ExecutionStatus{
			20: model.ExecutionFailed,
			21: model.ExecutionCompleted,
			22: model.ExecutionRunning,
		} {
			if err := st.UpsertExecution(ctx, &model.Execution{
				ExecutionID: execID, Path: "p", Status: status, StartTime: t0,
			}); err != nil {
				t.Fatalf("upsert execution %d: %v", execID, err)
			}
			if _, err := st.Enqueue(ctx, queuedJob(execID, "n")); err != nil {
				t.Fatalf("enqueue %d: %v", execID, err)
			}
		}

		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 5, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 1 || leased[0].ExecutionID != 22 {
			t.Fatalf("terminal filter leased %+v", leased)
		}
	})
}

func TestFailOutcomes(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		lease := func(t *testing.T, node string, maxAttempts int) *model.Job {
			t.Helper()
			j := queuedJob(1, node)
			j.MaxAttempts = maxAttempts
			if _, err := st.Enqueue(ctx, j); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 1, Duration: time.Minute}, t0)
			if err != nil || len(leased) != 1 {
				t.Fatalf("lease: %v (%d)", err, len(leased))
			}
			return leased[0]
		}

		t.Run("retry requeues with delay", func(t *testing.T) {
			j := lease(t, "retry", 3)
			status, err := st.Fail(ctx, j.QueueID, "w1", model.FailRequest{Error: "boom", Retry: true, RetryDelay: 30 * time.Second}, t0)
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if status != model.JobQueued {
				t.Fatalf("status %q, want queued", status)
			}
			got, _ := st.GetJob(ctx, j.QueueID)
			if !got.AvailableAt.Equal(t0.Add(30 * time.Second)) {
				t.Fatalf("available_at %v, want +30s", got.AvailableAt)
			}
			if got.WorkerID != "" {
				t.Fatalf("worker not cleared: %q", got.WorkerID)
			}
		})

		t.Run("retry exhausted goes dead", func(t *testing.T) {
			j := lease(t, "exhaust", 1)
			status, err := st.Fail(ctx, j.QueueID, "w1", model.FailRequest{Error: "boom", Retry: true}, t0)
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if status != model.JobDead {
				t.Fatalf("status %q, want dead", status)
			}
		})

		t.Run("permanent short-circuits to dead", func(t *testing.T) {
			j := lease(t, "perm", 3)
			status, err := st.Fail(ctx, j.QueueID, "w1", model.FailRequest{Error: "bad input", Permanent: true}, t0)
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if status != model.JobDead {
				t.Fatalf("status %q, want dead", status)
			}
		})

		t.Run("no retry marks failed", func(t *testing.T) {
			j := lease(t, "plain", 3)
			status, err := st.Fail(ctx, j.QueueID, "w1", model.FailRequest{Error: "boom"}, t0)
			if err != nil {
				t.Fatalf("fail: %v", err)
			}
			if status != model.JobFailed {
				t.Fatalf("status %q, want failed", status)
			}
		})

		t.Run("foreign worker rejected", func(t *testing.T) {
			j := lease(t, "foreign", 3)
			if _, err := st.Fail(ctx, j.QueueID, "w2", model.FailRequest{Error: "boom"}, t0); !errors.Is(err, store.ErrLeaseOwner) {
				t.Fatalf("got %v, want ErrLeaseOwner", err)
			}
		})

		t.Run("unknown job", func(t *testing.T) {
			if _, err := st.Fail(ctx, 999999, "w1", model.FailRequest{}, t0); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("got %v, want ErrNotFound", err)
			}
		})
	})
}

func TestRenewLease(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		id, err := st.Enqueue(ctx, queuedJob(1, "long"))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 1, Duration: time.Minute}, t0)
		if err != nil || len(leased) != 1 {
			t.Fatalf("lease: %v (%d)", err, len(leased))
		}

		until := t0.Add(5 * time.Minute)
		if err := st.RenewLease(ctx, id, "w1", until); err != nil {
			t.Fatalf("renew: %v", err)
		}
		got, _ := st.GetJob(ctx, id)
		if !got.LeaseUntil.Equal(until) {
			t.Fatalf("lease_until %v, want %v", got.LeaseUntil, until)
		}

		if err := st.RenewLease(ctx, id, "w2", until); !errors.Is(err, store.ErrLeaseOwner) {
			t.Fatalf("foreign renew: got %v, want ErrLeaseOwner", err)
		}
		if err := st.RenewLease(ctx, 424242, "w1", until); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing renew: got %v, want ErrNotFound", err)
		}

		if err := st.Ack(ctx, id, "w1", until); err != nil {
			t.Fatalf("ack: %v", err)
		}
		if err := st.RenewLease(ctx, id, "w1", until.Add(time.Minute)); !errors.Is(err, store.ErrLeaseExpired) {
			t.Fatalf("renew done job: got %v, want ErrLeaseExpired", err)
		}
	})
}

func TestSweepExpiredLeases(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		fresh := queuedJob(1, "fresh")
		stale := queuedJob(1, "stale")
		spent := queuedJob(1, "spent")
		spent.MaxAttempts = 1
		for _, j := range []*model.Job{fresh, stale, spent} {
			if _, err := st.Enqueue(ctx, j); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 3, Duration: time.Minute}, t0)
		if err != nil || len(leased) != 3 {
			t.Fatalf("lease: %v (%d)", err, len(leased))
		}
		// Keep one lease alive past the sweep moment.
		for _, j := range leased {
			if j.NodeID == "fresh" {
				if err := st.RenewLease(ctx, j.QueueID, "w1", t0.Add(time.Hour)); err != nil {
					t.Fatalf("renew: %v", err)
				}
			}
		}

		sweepAt := t0.Add(2 * time.Minute)
		requeued, dead, err := st.SweepExpiredLeases(ctx, sweepAt)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if len(requeued) != 1 || requeued[0].NodeID != "stale" {
			t.Fatalf("requeued %+v, want stale", requeued)
		}
		if len(dead) != 1 || dead[0].NodeID != "spent" {
			t.Fatalf("dead %+v, want spent", dead)
		}
		got, _ := st.GetJob(ctx, requeued[0].QueueID)
		if got.Status != model.JobQueued || !got.AvailableAt.Equal(sweepAt) || got.WorkerID != "" {
			t.Fatalf("requeued row %+v", got)
		}

		// The old holder's ack now bounces.
		if err := st.Ack(ctx, requeued[0].QueueID, "w1", sweepAt); !errors.Is(err, store.ErrLeaseExpired) {
			t.Fatalf("stale ack: got %v, want ErrLeaseExpired", err)
		}
	})
}

func TestPromoteDeferred(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			j := queuedJob(4, "loop")
			j.AvailableAt = model.DeferredHorizon
			if _, err := st.Enqueue(ctx, j); err != nil {
				t.Fatalf("enqueue deferred: %v", err)
			}
		}
		other := queuedJob(4, "other")
		other.AvailableAt = model.DeferredHorizon
		if _, err := st.Enqueue(ctx, other); err != nil {
			t.Fatalf("enqueue other: %v", err)
		}

		n, err := st.PromoteDeferred(ctx, 4, "loop", 2, t0)
		if err != nil {
			t.Fatalf("promote: %v", err)
		}
		if n != 2 {
			t.Fatalf("promoted %d, want 2", n)
		}

		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 10, Duration: time.Minute}, t0)
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if len(leased) != 2 {
			t.Fatalf("leased %d, want 2 promoted", len(leased))
		}
		for _, j := range leased {
			if j.NodeID != "loop" {
				t.Fatalf("leased wrong node %q", j.NodeID)
			}
		}

		// Remaining deferred rows stay put.
		n, err = st.PromoteDeferred(ctx, 4, "loop", 10, t0)
		if err != nil {
			t.Fatalf("promote rest: %v", err)
		}
		if n != 1 {
			t.Fatalf("promoted %d, want 1", n)
		}
	})
}

func TestQueueCountsAndDepth(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		for _, node := range []string{"a", "b"} {
			if _, err := st.Enqueue(ctx, queuedJob(6, node)); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}
		leased, err := st.Lease(ctx, model.LeaseRequest{WorkerID: "w1", Max: 1, Duration: time.Minute}, t0)
		if err != nil || len(leased) != 1 {
			t.Fatalf("lease: %v (%d)", err, len(leased))
		}

		pending, err := st.PendingJobs(ctx, 6)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if pending != 2 {
			t.Fatalf("pending %d, want 2", pending)
		}

		depth, err := st.QueueDepth(ctx)
		if err != nil {
			t.Fatalf("depth: %v", err)
		}
		if depth[model.JobQueued] != 1 || depth[model.JobLeased] != 1 {
			t.Fatalf("depth %+v", depth)
		}

		if _, err := st.GetJob(ctx, 99999); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing job: got %v, want ErrNotFound", err)
		}
	})
}

func TestExecutionLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		x := &model.Execution{
			ExecutionID: 21,
			Path:        "examples/weather",
			CatalogID:   "weather@3",
			Status:      model.ExecutionStarted,
			StartTime:   t0,
			Workload:    model.JSONMap{"city": "Oslo"},
		}
		if err := st.UpsertExecution(ctx, x); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		got, err := st.GetExecution(ctx, 21)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Path != "examples/weather" || got.Workload["city"] != "Oslo" || got.EndTime != nil {
			t.Fatalf("unexpected execution %+v", got)
		}

		end := t0.Add(time.Minute)
		if err := st.UpdateExecutionStatus(ctx, 21, model.ExecutionCompleted, &end); err != nil {
			t.Fatalf("update: %v", err)
		}
		got, _ = st.GetExecution(ctx, 21)
		if got.Status != model.ExecutionCompleted || got.EndTime == nil || !got.EndTime.Equal(end) {
			t.Fatalf("after update %+v", got)
		}

		if err := st.UpdateExecutionStatus(ctx, 4040, model.ExecutionFailed, nil); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing update: got %v, want ErrNotFound", err)
		}
		if _, err := st.GetExecution(ctx, 4040); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing get: got %v, want ErrNotFound", err)
		}
	})
}

func TestListExecutionsPagination(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		for i := 1; i <= 4; i++ {
			if err := st.UpsertExecution(ctx, &model.Execution{
				ExecutionID: ident.ID(100 + i),
				Path:        "p",
				Status:      model.ExecutionRunning,
				StartTime:   t0,
			}); err != nil {
				t.Fatalf("upsert %d: %v", i, err)
			}
		}

		page, err := st.ListExecutions(ctx, 2, 1)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) != 2 {
			t.Fatalf("got %d, want 2", len(page))
		}
		// Newest first, offset skips the newest.
		if page[0].ExecutionID != 103 || page[1].ExecutionID != 102 {
			t.Fatalf("page order %v,%v", page[0].ExecutionID, page[1].ExecutionID)
		}
	})
}

func TestPruneEventsKeepsLiveExecutions(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		end := t0.Add(time.Minute)
		if err := st.UpsertExecution(ctx, &model.Execution{
			ExecutionID: 31, Path: "done", Status: model.ExecutionCompleted, StartTime: t0, EndTime: &end,
		}); err != nil {
			t.Fatalf("upsert done: %v", err)
		}
		if err := st.UpsertExecution(ctx, &model.Execution{
			ExecutionID: 32, Path: "live", Status: model.ExecutionRunning, StartTime: t0,
		}); err != nil {
			t.Fatalf("upsert live: %v", err)
		}
		for _, execID := range []ident.ID{31, 32} {
			for i := 0; i < 2; i++ {
				if _, err := st.AppendEvent(ctx, &model.Event{
					ExecutionID: execID, Type: model.EventStepStarted, NodeID: "n", Timestamp: t0,
				}); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
		}

		pruned, err := st.PruneEvents(ctx, end.Add(time.Hour))
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if pruned != 2 {
			t.Fatalf("pruned %d, want 2", pruned)
		}

		gone, _ := st.ListEvents(ctx, 31, 0, 0)
		if len(gone) != 0 {
			t.Fatalf("terminal execution kept %d events", len(gone))
		}
		kept, _ := st.ListEvents(ctx, 32, 0, 0)
		if len(kept) != 2 {
			t.Fatalf("live execution lost events: %d", len(kept))
		}
	})
}

func TestRuntimeRegistry(t *testing.T) {
	eachBackend(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()

		c := &model.Component{
			Name:         "pool-1",
			Kind:         model.KindWorkerPool,
			URI:          "http://10.0.0.5:8082",
			Status:       model.ComponentReady,
			Labels:       model.JSONMap{"zone": "a"},
			Capabilities: model.StringList{"http", "duckdb"},
			Capacity:     8,
			Heartbeat:    t0,
		}
		if err := st.UpsertRuntime(ctx, c); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if c.RuntimeID.IsZero() {
			t.Fatal("runtime id not assigned")
		}
		firstID, created := c.RuntimeID, c.CreatedAt

		// Re-registration keeps identity, refreshes the rest.
		again := &model.Component{
			Name:      "pool-1",
			Kind:      model.KindWorkerPool,
			URI:       "http://10.0.0.6:8082",
			Status:    model.ComponentReady,
			Capacity:  16,
			Heartbeat: t0.Add(time.Minute),
		}
		if err := st.UpsertRuntime(ctx, again); err != nil {
			t.Fatalf("re-upsert: %v", err)
		}
		if again.RuntimeID != firstID {
			t.Fatalf("runtime id changed: %v -> %v", firstID, again.RuntimeID)
		}
		if !again.CreatedAt.Equal(created) {
			t.Fatalf("created_at changed: %v -> %v", created, again.CreatedAt)
		}

		list, err := st.ListRuntimes(ctx, model.KindWorkerPool)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].URI != "http://10.0.0.6:8082" || list[0].Capacity != 16 {
			t.Fatalf("list %+v", list)
		}

		// Stale heartbeat flips to offline; a touch flips back.
		n, err := st.SweepRuntimes(ctx, t0.Add(10*time.Minute))
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("swept %d, want 1", n)
		}
		list, _ = st.ListRuntimes(ctx, "")
		if list[0].Status != model.ComponentOffline {
			t.Fatalf("status %q, want offline", list[0].Status)
		}

		if err := st.TouchRuntime(ctx, model.KindWorkerPool, "pool-1", t0.Add(11*time.Minute)); err != nil {
			t.Fatalf("touch: %v", err)
		}
		list, _ = st.ListRuntimes(ctx, "")
		if list[0].Status != model.ComponentReady || !list[0].Heartbeat.Equal(t0.Add(11*time.Minute)) {
			t.Fatalf("after touch %+v", list[0])
		}

		if err := st.TouchRuntime(ctx, model.KindBroker, "nope", t0); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("missing touch: got %v, want ErrNotFound", err)
		}

		if err := st.DeleteRuntime(ctx, model.KindWorkerPool, "pool-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := st.DeleteRuntime(ctx, model.KindWorkerPool, "pool-1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("repeat delete: got %v, want ErrNotFound", err)
		}
	})
}
