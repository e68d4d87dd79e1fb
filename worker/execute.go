package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/tool"
)

// errLeaseLost cancels a job whose lease could not be renewed.
var errLeaseLost = errors.New("lease lost")

type toolResult struct {
	out   map[string]any
	err   error
	stack []byte
}

// runJob executes one leased row: emit action_started, run the executor
// under timeout and lease renewal, emit the outcome event, then settle
// the row. Outcome events always precede the ack or fail so the log
// never misses a reported attempt.
func (p *Pool) runJob(ctx context.Context, job *model.Job) {
	log := p.log.With(
		zap.Stringer("execution_id", job.ExecutionID),
		zap.Stringer("queue_id", job.QueueID),
		zap.String("node_id", job.NodeID),
		zap.String("kind", job.Kind),
		zap.Int("attempt", job.Attempts),
	)

	actionCtx, _ := job.Action["context"].(map[string]any)
	snapshot := Sanitize(actionCtx, job.ExecutionID.String(), job.QueueID.String())
	meta := eventMeta(job)

	p.emit(ctx, log, &model.Event{
		ExecutionID:       job.ExecutionID,
		ParentExecutionID: job.ParentExecutionID,
		Type:              model.EventActionStarted,
		NodeID:            job.NodeID,
		Status:            "STARTED",
		Timestamp:         p.clock(),
		Context:           snapshot,
		Data:              p.eventData(job, nil),
		Meta:              meta,
		DedupKey:          fmt.Sprintf("action_started:%s:%d", job.QueueID, job.Attempts),
	})

	exec, ok := p.reg.Get(job.Kind)
	if !ok {
		msg := fmt.Sprintf("no executor registered for kind %q", job.Kind)
		log.Error("job rejected", zap.String("error", msg))
		p.reportFailure(ctx, log, job, snapshot, meta, 0, model.JSONMap{"error": msg, "reason": "no_executor"})
		p.settleFail(ctx, log, job, model.FailRequest{Error: msg, Permanent: true})
		return
	}

	spec, _ := job.Action["spec"].(map[string]any)
	call := tool.CallContext{
		ExecutionID: job.ExecutionID,
		QueueID:     job.QueueID,
		NodeID:      job.NodeID,
		Attempt:     job.Attempts,
		Context:     actionCtx,
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx := jobCtx
	if timeout := timeoutDuration(job.Action["timeout"]); timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(jobCtx, timeout)
		defer tcancel()
	}

	renewDone := make(chan struct{})
	go p.renewLoop(runCtx, job, cancel, renewDone)

	started := p.clock()
	resCh := make(chan toolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- toolResult{
					err:   fmt.Errorf("executor panic: %v", r),
					stack: debug.Stack(),
				}
			}
		}()
		out, err := exec.Execute(runCtx, spec, call)
		resCh <- toolResult{out: out, err: err}
	}()

	var res toolResult
	abandoned := false
	select {
	case res = <-resCh:
	case <-runCtx.Done():
		// Cancelled or timed out; give the executor the grace window to
		// notice and return.
		select {
		case res = <-resCh:
		case <-time.After(p.cfg.CancelGrace):
			abandoned = true
		}
	}
	cancel(nil)
	<-renewDone
	elapsed := p.clock().Sub(started)

	switch {
	case abandoned:
		msg := fmt.Sprintf("executor ignored cancellation for %s", p.cfg.CancelGrace)
		log.Error("job abandoned", zap.String("error", msg))
		p.failed.Add(1)
		p.reportFailure(ctx, log, job, snapshot, meta, elapsed, model.JSONMap{"error": msg, "reason": "cancelled"})
		p.settleFail(ctx, log, job, model.FailRequest{Error: msg})

	case res.err == nil:
		p.done.Add(1)
		log.Info("job done", zap.Duration("elapsed", elapsed))
		p.emitWithRetry(ctx, log, &model.Event{
			ExecutionID:       job.ExecutionID,
			ParentExecutionID: job.ParentExecutionID,
			Type:              model.EventActionCompleted,
			NodeID:            job.NodeID,
			Status:            "COMPLETED",
			Timestamp:         p.clock(),
			DurationMS:        elapsed.Milliseconds(),
			Result:            res.out,
			Context:           snapshot,
			Data:              p.eventData(job, nil),
			Meta:              meta,
			DedupKey:          fmt.Sprintf("action_done:%s:%d", job.QueueID, job.Attempts),
		})
		if err := p.api.Ack(ctx, job.QueueID, p.workerID); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}

	default:
		p.failed.Add(1)
		data := model.JSONMap{"error": engine.TruncateError(res.err.Error())}
		if res.stack != nil {
			data["stack_available"] = true
			log.Error("executor panic",
				zap.String("error", res.err.Error()),
				zap.ByteString("stack", res.stack))
		}
		switch {
		case errors.Is(context.Cause(jobCtx), errLeaseLost):
			data["reason"] = "cancelled"
		case errors.Is(res.err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
			data["reason"] = "timeout"
		case ctx.Err() != nil:
			// Pool shutdown: no outcome to report, hand the row back for
			// a fresh delivery elsewhere.
			log.Info("job released on shutdown")
			p.release(job)
			return
		}
		log.Warn("job failed",
			zap.Duration("elapsed", elapsed),
			zap.String("error", res.err.Error()))
		p.reportFailure(ctx, log, job, snapshot, meta, elapsed, data)
		p.settleFail(ctx, log, job, model.FailRequest{Error: engine.TruncateError(res.err.Error())})
	}
}

// renewLoop extends the lease at half-lease cadence while the job runs.
// A failed renewal cancels the job: the row may already be delivered to
// another worker, so continuing would double-execute.
func (p *Pool) renewLoop(ctx context.Context, job *model.Job, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.LeaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := p.api.Renew(ctx, job.QueueID, p.workerID, p.cfg.LeaseDuration); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("lease renewal failed, cancelling job",
				zap.Stringer("queue_id", job.QueueID),
				zap.Error(err))
			cancel(errLeaseLost)
			return
		}
	}
}

// reportFailure emits the action_failed event for one attempt.
func (p *Pool) reportFailure(ctx context.Context, log *zap.Logger, job *model.Job, snapshot model.JSONMap, meta model.Meta, elapsed time.Duration, data model.JSONMap) {
	p.emitWithRetry(ctx, log, &model.Event{
		ExecutionID:       job.ExecutionID,
		ParentExecutionID: job.ParentExecutionID,
		Type:              model.EventActionFailed,
		NodeID:            job.NodeID,
		Status:            "FAILED",
		Timestamp:         p.clock(),
		DurationMS:        elapsed.Milliseconds(),
		Context:           snapshot,
		Data:              p.eventData(job, data),
		Meta:              meta,
		DedupKey:          fmt.Sprintf("action_failed:%s:%d", job.QueueID, job.Attempts),
	})
}

// settleFail marks the row failed. Retry policies are the engine's to
// apply; a reported failure is terminal for this row.
func (p *Pool) settleFail(ctx context.Context, log *zap.Logger, job *model.Job, req model.FailRequest) {
	if err := p.api.Fail(ctx, job.QueueID, p.workerID, req); err != nil {
		log.Warn("fail row", zap.Error(err))
	}
}

// emit sends an event and logs failures. Used for action_started, which
// is informational: the outcome event carries the state the engine
// needs.
func (p *Pool) emit(ctx context.Context, log *zap.Logger, ev *model.Event) {
	if err := p.api.EmitEvent(ctx, ev); err != nil {
		log.Warn("emit event failed", zap.String("event_type", string(ev.Type)), zap.Error(err))
	}
}

// emitWithRetry sends an outcome event, retrying transient errors. If
// all attempts fail the row is left to its lease: redelivery will
// produce an equivalent outcome.
func (p *Pool) emitWithRetry(ctx context.Context, log *zap.Logger, ev *model.Event) {
	var err error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		if err = p.api.EmitEvent(ctx, ev); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			log.Warn("emit event abandoned", zap.String("event_type", string(ev.Type)), zap.Error(err))
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	log.Error("emit event failed", zap.String("event_type", string(ev.Type)), zap.Error(err))
}

// eventData builds the common event payload, merged with extra keys.
func (p *Pool) eventData(job *model.Job, extra model.JSONMap) model.JSONMap {
	data := model.JSONMap{
		"queue_id":  job.QueueID.String(),
		"worker_id": p.workerID,
		"kind":      job.Kind,
		"attempt":   job.Attempts,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// eventMeta clones the row's meta for its events, stamping attempt 1 on
// first deliveries so every action event carries its position in the
// retry chain.
func eventMeta(job *model.Job) model.Meta {
	meta := job.Meta.Clone()
	if meta.Retry == nil {
		meta.Retry = &model.RetryMeta{AttemptNumber: 1}
	}
	return meta
}

// timeoutDuration reads the per-step timeout in seconds from a rendered
// action. Zero or missing means no timeout.
func timeoutDuration(v any) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	case int64:
		return time.Duration(n) * time.Second
	default:
		return 0
	}
}

