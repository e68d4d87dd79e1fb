package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/ident"
	"github.com/loomworks/loom/model"
)

// sqlStore implements Store over database/sql. The three SQL backends share
// every query; a dialect supplies placeholder style, upsert syntax, and
// whether SELECT ... FOR UPDATE SKIP LOCKED is available. Timestamps are
// stored as microseconds since the Unix epoch so ordering comparisons behave
// identically on every engine.
type sqlStore struct {
	db  *sql.DB
	ids ident.Source
	d   dialect
}

// dialect captures the SQL variations between SQLite, Postgres, and MySQL.
type dialect struct {
	name string

	// rebind rewrites ?-style placeholders to the engine's native form.
	rebind func(string) string

	// skipLocked marks engines where concurrent lease scans can use
	// SELECT ... FOR UPDATE SKIP LOCKED. SQLite serializes writers instead.
	skipLocked bool

	// insertIgnore turns a plain INSERT into one that silently skips
	// unique-constraint conflicts (dedup tables).
	insertIgnore func(insert string) string

	// upsertExecution and upsertRuntime are full statements: upsert syntax
	// differs too much across engines to assemble generically.
	upsertExecution string
	upsertRuntime   string
}

func rebindQuestion(q string) string { return q }

func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// usec converts a time to stored form. The zero time maps to 0.
func usec(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromUsec(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

// jsonValue serializes an arbitrary result payload for a TEXT/JSONB column.
func jsonValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s sql.NullString, out *any) error {
	if !s.Valid || s.String == "" {
		*out = nil
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

// inClause builds "?, ?, ?" for n values.
func inClause(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

const insertEventSQL = `
	INSERT INTO event
		(event_id, execution_id, parent_event_id, parent_execution_id,
		 event_type, node_id, status, timestamp, duration_ms,
		 result, context, data, meta, dedup_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendEvent implements Store.
func (s *sqlStore) AppendEvent(ctx context.Context, ev *model.Event) (ident.ID, error) {
	if ev.EventID.IsZero() {
		ev.EventID = s.ids.Next()
	}

	result, err := jsonValue(ev.Result)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if ev.DedupKey != "" {
		existing, fresh, err := s.claimDedup(ctx, tx, "event_dedup", "event_id", ev.ExecutionID, ev.DedupKey, ev.EventID)
		if err != nil {
			return 0, err
		}
		if !fresh {
			return existing, ErrDuplicate
		}
	}

	_, err = tx.ExecContext(ctx, s.d.rebind(insertEventSQL),
		ev.EventID.Int64(), ev.ExecutionID.Int64(), ev.ParentEventID.Int64(), ev.ParentExecutionID.Int64(),
		string(ev.Type), ev.NodeID, ev.Status, usec(ev.Timestamp), ev.DurationMS,
		result, ev.Context, ev.Data, ev.Meta, ev.DedupKey)
	if err != nil {
		return 0, fmt.Errorf("store: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit append: %w", err)
	}
	return ev.EventID, nil
}

// claimDedup reserves (execID, key) in a dedup table inside tx. When the key
// is already taken it returns the surviving row's ID with fresh=false.
func (s *sqlStore) claimDedup(ctx context.Context, tx *sql.Tx, table, idCol string, execID ident.ID, key string, id ident.ID) (ident.ID, bool, error) {
	insert := fmt.Sprintf("INSERT INTO %s (execution_id, dedup_key, %s) VALUES (?, ?, ?)", table, idCol)
	res, err := tx.ExecContext(ctx, s.d.rebind(s.d.insertIgnore(insert)), execID.Int64(), key, id.Int64())
	if err != nil {
		return 0, false, fmt.Errorf("store: dedup insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("store: dedup rows: %w", err)
	}
	if n > 0 {
		return id, true, nil
	}
	var existing int64
	sel := fmt.Sprintf("SELECT %s FROM %s WHERE execution_id = ? AND dedup_key = ?", idCol, table)
	if err := tx.QueryRowContext(ctx, s.d.rebind(sel), execID.Int64(), key).Scan(&existing); err != nil {
		return 0, false, fmt.Errorf("store: dedup lookup: %w", err)
	}
	return ident.ID(existing), false, nil
}

const selectEventSQL = `
	SELECT event_id, execution_id, parent_event_id, parent_execution_id,
	       event_type, node_id, status, timestamp, duration_ms,
	       result, context, data, meta, dedup_key
	FROM event`

func scanEvent(rows *sql.Rows) (*model.Event, error) {
	var ev model.Event
	var eventID, execID, parentEv, parentExec, ts int64
	var typ string
	var result sql.NullString
	err := rows.Scan(&eventID, &execID, &parentEv, &parentExec,
		&typ, &ev.NodeID, &ev.Status, &ts, &ev.DurationMS,
		&result, &ev.Context, &ev.Data, &ev.Meta, &ev.DedupKey)
	if err != nil {
		return nil, fmt.Errorf("store: scan event: %w", err)
	}
	ev.EventID = ident.ID(eventID)
	ev.ExecutionID = ident.ID(execID)
	ev.ParentEventID = ident.ID(parentEv)
	ev.ParentExecutionID = ident.ID(parentExec)
	ev.Type = model.EventType(typ)
	ev.Timestamp = fromUsec(ts)
	if err := decodeJSON(result, &ev.Result); err != nil {
		return nil, fmt.Errorf("store: decode event result: %w", err)
	}
	return &ev, nil
}

// ListEvents implements Store.
func (s *sqlStore) ListEvents(ctx context.Context, execID, after ident.ID, limit int) ([]*model.Event, error) {
	q := selectEventSQL + " WHERE execution_id = ? AND event_id > ? ORDER BY event_id ASC"
	args := []any{execID.Int64(), after.Int64()}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents implements Store.
func (s *sqlStore) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	const terminalExecs = `
		SELECT execution_id FROM execution
		WHERE status IN ('FAILED', 'COMPLETED') AND end_time IS NOT NULL AND end_time < ?`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.d.rebind("DELETE FROM event WHERE execution_id IN ("+terminalExecs+")"), usec(before))
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	pruned, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, s.d.rebind("DELETE FROM event_dedup WHERE execution_id IN ("+terminalExecs+")"), usec(before)); err != nil {
		return 0, fmt.Errorf("store: prune event dedup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit prune: %w", err)
	}
	return pruned, nil
}

const insertJobSQL = `
	INSERT INTO queue
		(queue_id, execution_id, parent_execution_id, node_id, kind, action,
		 status, attempts, max_attempts, available_at, lease_until, worker_id,
		 meta, dedup_key)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *sqlStore) enqueueTx(ctx context.Context, tx *sql.Tx, job *model.Job) (ident.ID, error) {
	if job.QueueID.IsZero() {
		job.QueueID = s.ids.Next()
	}
	if job.Status == "" {
		job.Status = model.JobQueued
	}
	if job.DedupKey != "" {
		existing, fresh, err := s.claimDedup(ctx, tx, "queue_dedup", "queue_id", job.ExecutionID, job.DedupKey, job.QueueID)
		if err != nil {
			return 0, err
		}
		if !fresh {
			return existing, ErrDuplicate
		}
	}
	_, err := tx.ExecContext(ctx, s.d.rebind(insertJobSQL),
		job.QueueID.Int64(), job.ExecutionID.Int64(), job.ParentExecutionID.Int64(),
		job.NodeID, job.Kind, job.Action,
		string(job.Status), job.Attempts, job.MaxAttempts,
		usec(job.AvailableAt), usec(job.LeaseUntil), job.WorkerID,
		job.Meta, job.DedupKey)
	if err != nil {
		return 0, fmt.Errorf("store: insert job: %w", err)
	}
	return job.QueueID, nil
}

// Enqueue implements Store.
func (s *sqlStore) Enqueue(ctx context.Context, job *model.Job) (ident.ID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := s.enqueueTx(ctx, tx, job)
	if err != nil && err != ErrDuplicate {
		return 0, err
	}
	if cerr := tx.Commit(); cerr != nil {
		return 0, fmt.Errorf("store: commit enqueue: %w", cerr)
	}
	return id, err
}

// EnqueueBatch implements Store.
func (s *sqlStore) EnqueueBatch(ctx context.Context, jobs []*model.Job) ([]ident.ID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]ident.ID, len(jobs))
	for i, job := range jobs {
		id, err := s.enqueueTx(ctx, tx, job)
		if err != nil && err != ErrDuplicate {
			return nil, err
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit batch: %w", err)
	}
	return ids, nil
}

const selectJobSQL = `
	SELECT queue_id, execution_id, parent_execution_id, node_id, kind, action,
	       status, attempts, max_attempts, available_at, lease_until, worker_id,
	       meta, dedup_key
	FROM queue`

func scanJob(scan func(...any) error) (*model.Job, error) {
	var j model.Job
	var queueID, execID, parentExec, availableAt, leaseUntil int64
	var status string
	err := scan(&queueID, &execID, &parentExec, &j.NodeID, &j.Kind, &j.Action,
		&status, &j.Attempts, &j.MaxAttempts, &availableAt, &leaseUntil, &j.WorkerID,
		&j.Meta, &j.DedupKey)
	if err != nil {
		return nil, err
	}
	j.QueueID = ident.ID(queueID)
	j.ExecutionID = ident.ID(execID)
	j.ParentExecutionID = ident.ID(parentExec)
	j.Status = model.JobStatus(status)
	j.AvailableAt = fromUsec(availableAt)
	j.LeaseUntil = fromUsec(leaseUntil)
	return &j, nil
}

// Lease implements Store. Candidates are claimed inside one transaction:
// Postgres and MySQL lock the scanned rows with FOR UPDATE SKIP LOCKED so
// concurrent workers never fight over the same rows; SQLite relies on its
// single-writer transaction.
func (s *sqlStore) Lease(ctx context.Context, req model.LeaseRequest, now time.Time) ([]*model.Job, error) {
	if req.Max <= 0 {
		return nil, nil
	}

	q := selectJobSQL + `
	 WHERE status = 'queued' AND available_at <= ?
	   AND NOT EXISTS (
	       SELECT 1 FROM execution e
	       WHERE e.execution_id = queue.execution_id
	         AND e.status IN ('PAUSED', 'FAILED', 'COMPLETED'))`
	args := []any{usec(now)}
	if len(req.Kinds) > 0 {
		q += " AND kind IN (" + inClause(len(req.Kinds)) + ")"
		for _, k := range req.Kinds {
			args = append(args, k)
		}
	}
	q += " ORDER BY available_at ASC, queue_id ASC LIMIT ?"
	args = append(args, candidateWindow(req.Max))
	if s.d.skipLocked {
		q += " FOR UPDATE SKIP LOCKED"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("store: lease scan: %w", err)
	}
	var candidates []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: scan lease candidate: %w", err)
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("store: lease scan: %w", err)
	}
	_ = rows.Close()

	picked := fairOrder(candidates, req.Max)
	if len(picked) == 0 {
		return nil, tx.Commit()
	}

	leaseUntil := now.Add(req.Duration)
	claim := "UPDATE queue SET status = 'leased', worker_id = ?, lease_until = ?, attempts = attempts + 1 WHERE queue_id IN (" + inClause(len(picked)) + ")"
	claimArgs := []any{req.WorkerID, usec(leaseUntil)}
	for _, j := range picked {
		claimArgs = append(claimArgs, j.QueueID.Int64())
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(claim), claimArgs...); err != nil {
		return nil, fmt.Errorf("store: lease claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit lease: %w", err)
	}

	for _, j := range picked {
		j.Status = model.JobLeased
		j.WorkerID = req.WorkerID
		j.LeaseUntil = leaseUntil
		j.Attempts++
	}
	return picked, nil
}

// jobRowState is the minimal row view Ack/Fail use to classify conflicts.
type jobRowState struct {
	status   model.JobStatus
	workerID string
	attempts int
	maxAtt   int
}

func (s *sqlStore) loadJobState(ctx context.Context, tx *sql.Tx, queueID ident.ID, forUpdate bool) (*jobRowState, error) {
	q := "SELECT status, worker_id, attempts, max_attempts FROM queue WHERE queue_id = ?"
	if forUpdate && s.d.skipLocked {
		q += " FOR UPDATE"
	}
	var st jobRowState
	var status string
	err := tx.QueryRowContext(ctx, s.d.rebind(q), queueID.Int64()).Scan(&status, &st.workerID, &st.attempts, &st.maxAtt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load job: %w", err)
	}
	st.status = model.JobStatus(status)
	return &st, nil
}

// Ack implements Store.
func (s *sqlStore) Ack(ctx context.Context, queueID ident.ID, workerID string, _ time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin ack: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := s.loadJobState(ctx, tx, queueID, true)
	if err != nil {
		return err
	}
	switch st.status {
	case model.JobDone:
		if st.workerID == workerID {
			return tx.Commit() // idempotent repeat
		}
		return ErrLeaseOwner
	case model.JobLeased:
		if st.workerID != workerID {
			return ErrLeaseOwner
		}
	default:
		return ErrLeaseExpired
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind("UPDATE queue SET status = 'done' WHERE queue_id = ?"), queueID.Int64()); err != nil {
		return fmt.Errorf("store: ack: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit ack: %w", err)
	}
	return nil
}

// Fail implements Store.
func (s *sqlStore) Fail(ctx context.Context, queueID ident.ID, workerID string, req model.FailRequest, now time.Time) (model.JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin fail: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st, err := s.loadJobState(ctx, tx, queueID, true)
	if err != nil {
		return "", err
	}
	if st.status.Terminal() {
		if st.workerID == workerID {
			return st.status, tx.Commit()
		}
		return "", ErrLeaseOwner
	}
	if st.status != model.JobLeased {
		return "", ErrLeaseExpired
	}
	if st.workerID != workerID {
		return "", ErrLeaseOwner
	}

	var next model.JobStatus
	var q string
	var args []any
	switch {
	case req.Permanent:
		next = model.JobDead
		q = "UPDATE queue SET status = 'dead' WHERE queue_id = ?"
		args = []any{queueID.Int64()}
	case req.Retry && st.attempts < st.maxAtt:
		next = model.JobQueued
		q = "UPDATE queue SET status = 'queued', available_at = ?, worker_id = '', lease_until = 0 WHERE queue_id = ?"
		args = []any{usec(now.Add(req.RetryDelay)), queueID.Int64()}
	case req.Retry:
		next = model.JobDead
		q = "UPDATE queue SET status = 'dead' WHERE queue_id = ?"
		args = []any{queueID.Int64()}
	default:
		next = model.JobFailed
		q = "UPDATE queue SET status = 'failed' WHERE queue_id = ?"
		args = []any{queueID.Int64()}
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(q), args...); err != nil {
		return "", fmt.Errorf("store: fail: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit fail: %w", err)
	}
	return next, nil
}

// RenewLease implements Store.
func (s *sqlStore) RenewLease(ctx context.Context, queueID ident.ID, workerID string, until time.Time) error {
	res, err := s.exec(ctx, "UPDATE queue SET lease_until = ? WHERE queue_id = ? AND status = 'leased' AND worker_id = ?",
		usec(until), queueID.Int64(), workerID)
	if err != nil {
		return fmt.Errorf("store: renew: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Renewal missed; classify the refusal for the caller.
	var status, owner string
	err = s.queryRow(ctx, "SELECT status, worker_id FROM queue WHERE queue_id = ?", queueID.Int64()).Scan(&status, &owner)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: renew lookup: %w", err)
	}
	if model.JobStatus(status) == model.JobLeased && owner != workerID {
		return ErrLeaseOwner
	}
	return ErrLeaseExpired
}

// SweepExpiredLeases implements Store.
func (s *sqlStore) SweepExpiredLeases(ctx context.Context, now time.Time) (requeued, dead []*model.Job, err error) {
	q := selectJobSQL + " WHERE status = 'leased' AND lease_until < ? ORDER BY queue_id ASC"
	if s.d.skipLocked {
		q += " FOR UPDATE SKIP LOCKED"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("store: begin sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.d.rebind(q), usec(now))
	if err != nil {
		return nil, nil, fmt.Errorf("store: sweep scan: %w", err)
	}
	var expired []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, nil, fmt.Errorf("store: scan expired lease: %w", err)
		}
		expired = append(expired, j)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, nil, fmt.Errorf("store: sweep scan: %w", err)
	}
	_ = rows.Close()

	var requeueIDs, deadIDs []any
	for _, j := range expired {
		if j.Attempts >= j.MaxAttempts {
			j.Status = model.JobDead
			dead = append(dead, j)
			deadIDs = append(deadIDs, j.QueueID.Int64())
			continue
		}
		j.Status = model.JobQueued
		j.WorkerID = ""
		j.LeaseUntil = time.Time{}
		j.AvailableAt = now
		requeued = append(requeued, j)
		requeueIDs = append(requeueIDs, j.QueueID.Int64())
	}
	if len(deadIDs) > 0 {
		q := "UPDATE queue SET status = 'dead' WHERE queue_id IN (" + inClause(len(deadIDs)) + ")"
		if _, err := tx.ExecContext(ctx, s.d.rebind(q), deadIDs...); err != nil {
			return nil, nil, fmt.Errorf("store: sweep dead: %w", err)
		}
	}
	if len(requeueIDs) > 0 {
		q := "UPDATE queue SET status = 'queued', worker_id = '', lease_until = 0, available_at = ? WHERE queue_id IN (" + inClause(len(requeueIDs)) + ")"
		args := append([]any{usec(now)}, requeueIDs...)
		if _, err := tx.ExecContext(ctx, s.d.rebind(q), args...); err != nil {
			return nil, nil, fmt.Errorf("store: sweep requeue: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("store: commit sweep: %w", err)
	}
	return requeued, dead, nil
}

// PromoteDeferred implements Store.
func (s *sqlStore) PromoteDeferred(ctx context.Context, execID ident.ID, nodeID string, n int, now time.Time) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	sel := `SELECT queue_id FROM queue
	 WHERE execution_id = ? AND node_id = ? AND status = 'queued' AND available_at = ?
	 ORDER BY queue_id ASC LIMIT ?`
	if s.d.skipLocked {
		sel += " FOR UPDATE SKIP LOCKED"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin promote: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.d.rebind(sel), execID.Int64(), nodeID, usec(model.DeferredHorizon), n)
	if err != nil {
		return 0, fmt.Errorf("store: promote scan: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("store: promote scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("store: promote scan: %w", err)
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return 0, tx.Commit()
	}
	q := "UPDATE queue SET available_at = ? WHERE queue_id IN (" + inClause(len(ids)) + ")"
	args := append([]any{usec(now)}, ids...)
	if _, err := tx.ExecContext(ctx, s.d.rebind(q), args...); err != nil {
		return 0, fmt.Errorf("store: promote: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit promote: %w", err)
	}
	return len(ids), nil
}

// PendingJobs implements Store.
func (s *sqlStore) PendingJobs(ctx context.Context, execID ident.ID) (int, error) {
	var n int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM queue WHERE execution_id = ? AND status IN ('queued', 'leased')", execID.Int64()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: pending jobs: %w", err)
	}
	return n, nil
}

// GetJob implements Store.
func (s *sqlStore) GetJob(ctx context.Context, queueID ident.ID) (*model.Job, error) {
	row := s.queryRow(ctx, selectJobSQL+" WHERE queue_id = ?", queueID.Int64())
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return j, nil
}

// JobsByExecution implements Store.
func (s *sqlStore) JobsByExecution(ctx context.Context, execID ident.ID) ([]*model.Job, error) {
	rows, err := s.query(ctx, selectJobSQL+" WHERE execution_id = ? ORDER BY queue_id ASC", execID.Int64())
	if err != nil {
		return nil, fmt.Errorf("store: jobs by execution: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// QueueDepth implements Store.
func (s *sqlStore) QueueDepth(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.query(ctx, "SELECT status, COUNT(*) FROM queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("store: queue depth: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan depth: %w", err)
		}
		out[model.JobStatus(status)] = n
	}
	return out, rows.Err()
}

// UpsertExecution implements Store.
func (s *sqlStore) UpsertExecution(ctx context.Context, x *model.Execution) error {
	if x.ExecutionID.IsZero() {
		return fmt.Errorf("store: execution id required")
	}
	var end any
	if x.EndTime != nil {
		end = usec(*x.EndTime)
	}
	_, err := s.exec(ctx, s.d.upsertExecution,
		x.ExecutionID.Int64(), x.ParentExecutionID.Int64(), x.CatalogID, x.Path,
		string(x.Status), usec(x.StartTime), end, x.Workload)
	if err != nil {
		return fmt.Errorf("store: upsert execution: %w", err)
	}
	return nil
}

// UpdateExecutionStatus implements Store.
func (s *sqlStore) UpdateExecutionStatus(ctx context.Context, execID ident.ID, status model.ExecutionStatus, endTime *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if endTime != nil {
		res, err = s.exec(ctx, "UPDATE execution SET status = ?, end_time = ? WHERE execution_id = ?",
			string(status), usec(*endTime), execID.Int64())
	} else {
		res, err = s.exec(ctx, "UPDATE execution SET status = ? WHERE execution_id = ?",
			string(status), execID.Int64())
	}
	if err != nil {
		return fmt.Errorf("store: update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectExecutionSQL = `
	SELECT execution_id, parent_execution_id, catalog_id, path, status,
	       start_time, end_time, workload
	FROM execution`

func scanExecution(scan func(...any) error) (*model.Execution, error) {
	var (
		x                  model.Execution
		execID, parentExec int64
		status             string
		start              int64
		end                sql.NullInt64
	)
	err := scan(&execID, &parentExec, &x.CatalogID, &x.Path, &status, &start, &end, &x.Workload)
	if err != nil {
		return nil, err
	}
	x.ExecutionID = ident.ID(execID)
	x.ParentExecutionID = ident.ID(parentExec)
	x.Status = model.ExecutionStatus(status)
	x.StartTime = fromUsec(start)
	if end.Valid {
		t := fromUsec(end.Int64)
		x.EndTime = &t
	}
	return &x, nil
}

// GetExecution implements Store.
func (s *sqlStore) GetExecution(ctx context.Context, execID ident.ID) (*model.Execution, error) {
	row := s.queryRow(ctx, selectExecutionSQL+" WHERE execution_id = ?", execID.Int64())
	x, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get execution: %w", err)
	}
	return x, nil
}

// ListExecutions implements Store.
func (s *sqlStore) ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, selectExecutionSQL+" ORDER BY execution_id DESC LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Execution
	for rows.Next() {
		x, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// UpsertRuntime implements Store.
func (s *sqlStore) UpsertRuntime(ctx context.Context, c *model.Component) error {
	if c.RuntimeID.IsZero() {
		c.RuntimeID = s.ids.Next()
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = c.Heartbeat
	}
	_, err := s.exec(ctx, s.d.upsertRuntime,
		c.RuntimeID.Int64(), c.Name, string(c.Kind), c.URI, string(c.Status),
		c.Labels, c.Capabilities, c.Capacity, c.Runtime,
		usec(c.Heartbeat), usec(created), usec(c.Heartbeat))
	if err != nil {
		return fmt.Errorf("store: upsert runtime: %w", err)
	}

	// Re-registration keeps the original identity; reflect it to the caller.
	var runtimeID, createdAt int64
	err = s.queryRow(ctx, "SELECT runtime_id, created_at FROM runtime WHERE kind = ? AND name = ?",
		string(c.Kind), c.Name).Scan(&runtimeID, &createdAt)
	if err != nil {
		return fmt.Errorf("store: runtime identity: %w", err)
	}
	c.RuntimeID = ident.ID(runtimeID)
	c.CreatedAt = fromUsec(createdAt)
	c.UpdatedAt = c.Heartbeat
	return nil
}

// TouchRuntime implements Store.
func (s *sqlStore) TouchRuntime(ctx context.Context, kind model.ComponentKind, name string, now time.Time) error {
	res, err := s.exec(ctx, "UPDATE runtime SET heartbeat = ?, updated_at = ?, status = 'ready' WHERE kind = ? AND name = ?",
		usec(now), usec(now), string(kind), name)
	if err != nil {
		return fmt.Errorf("store: touch runtime: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRuntime implements Store.
func (s *sqlStore) DeleteRuntime(ctx context.Context, kind model.ComponentKind, name string) error {
	res, err := s.exec(ctx, "DELETE FROM runtime WHERE kind = ? AND name = ?", string(kind), name)
	if err != nil {
		return fmt.Errorf("store: delete runtime: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepRuntimes implements Store.
func (s *sqlStore) SweepRuntimes(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx, "UPDATE runtime SET status = 'offline' WHERE status != 'offline' AND heartbeat < ?", usec(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: sweep runtimes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const selectRuntimeSQL = `
	SELECT runtime_id, name, kind, uri, status, labels, capabilities, capacity,
	       runtime, heartbeat, created_at, updated_at
	FROM runtime`

// ListRuntimes implements Store.
func (s *sqlStore) ListRuntimes(ctx context.Context, kind model.ComponentKind) ([]*model.Component, error) {
	q := selectRuntimeSQL
	var args []any
	if kind != "" {
		q += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	q += " ORDER BY name ASC"

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runtimes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Component
	for rows.Next() {
		var c model.Component
		var runtimeID, hb, created, updated int64
		var kindCol, statusCol string
		err := rows.Scan(&runtimeID, &c.Name, &kindCol, &c.URI, &statusCol,
			&c.Labels, &c.Capabilities, &c.Capacity, &c.Runtime, &hb, &created, &updated)
		if err != nil {
			return nil, fmt.Errorf("store: scan runtime: %w", err)
		}
		c.RuntimeID = ident.ID(runtimeID)
		c.Kind = model.ComponentKind(kindCol)
		c.Status = model.ComponentStatus(statusCol)
		c.Heartbeat = fromUsec(hb)
		c.CreatedAt = fromUsec(created)
		c.UpdatedAt = fromUsec(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Ping implements Store.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
