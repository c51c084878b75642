package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orca/pkg/admission"
	"orca/pkg/executor/connector"
	"orca/pkg/metrics"
	"orca/pkg/models"
	"orca/pkg/storage"
)

// outcome is how a unit ended.
type outcome struct {
	status    models.UnitStatus
	exitCode  *int
	stdout    string
	stderr    string
	truncated bool
	errKind   string
	errMsg    string
}

func failed(kind, msg string) outcome {
	return outcome{status: models.UnitFailed, errKind: kind, errMsg: msg}
}

func cancelled(msg string) outcome {
	return outcome{status: models.UnitCancelled, errKind: ErrKindCancelled, errMsg: msg}
}

// runUnit drives one unit from pending to a terminal status. A panic
// anywhere below is contained to this unit.
func (e *Engine) runUnit(jr *jobRun, idx int) {
	defer e.workers.Done()

	unit := jr.unitCopy(idx)
	log := e.log.With(
		zap.String("job_id", unit.JobID.String()),
		zap.String("unit_id", unit.ID.String()),
		zap.String("system_id", unit.SystemID.String()),
	)

	var release func()
	defer func() {
		if r := recover(); r != nil {
			log.Error("execution unit panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			e.finish(jr, idx, failed(ErrKindInternal, fmt.Sprintf("internal error: %v", r)), release, log)
		}
	}()

	if jr.admitCtx.Err() != nil {
		e.finish(jr, idx, cancelled("job cancelled before start"), nil, log)
		return
	}

	target, conn, early := e.resolve(jr, unit)
	if early != nil {
		e.finish(jr, idx, *early, nil, log)
		return
	}
	jr.mu.Lock()
	jr.platforms[idx] = target.System.Platform
	jr.mu.Unlock()

	if out := e.admit(jr, log); out != nil {
		e.finish(jr, idx, *out, nil, log)
		return
	}
	release = sync.OnceFunc(e.opts.Gate.Release)

	// Fail-fast or cancel may have fired while the slot was granted.
	if jr.admitCtx.Err() != nil {
		e.finish(jr, idx, cancelled("job cancelled before start"), release, log)
		return
	}

	e.markRunning(jr, idx)
	log.Debug("execution unit running", zap.String("system", target.System.String()))

	ctx, span := e.tracer.Start(jr.runCtx, "unit.run", trace.WithAttributes(
		attribute.String("orca.job_id", unit.JobID.String()),
		attribute.String("orca.unit_id", unit.ID.String()),
		attribute.String("orca.system", target.System.Name),
		attribute.String("orca.platform", string(target.System.Platform)),
	))
	res := conn.Run(ctx, *target, unit.Command, e.opts.JobTimeout)
	out := interpret(res)
	if out.status != models.UnitCompleted {
		span.SetStatus(codes.Error, out.errMsg)
	}
	span.SetAttributes(attribute.String("orca.unit_status", string(out.status)))
	span.End()

	if res.Err.IsConnection() && res.Err.Kind != connector.KindCancelled {
		metrics.ConnectionFailures.WithLabelValues(string(target.System.Platform), string(res.Err.Kind)).Inc()
	}
	e.finish(jr, idx, out, release, log)
}

// resolve looks up the target and its connector before a slot is taken so
// a bad system never holds one.
func (e *Engine) resolve(jr *jobRun, unit models.ExecutionUnit) (*models.Target, connector.Connector, *outcome) {
	ctx, cancel := context.WithTimeout(jr.admitCtx, e.opts.SinkTimeout)
	defer cancel()

	target, err := e.opts.Registry.GetTarget(ctx, unit.SystemID)
	if err != nil {
		if jr.admitCtx.Err() != nil {
			out := cancelled("job cancelled before start")
			return nil, nil, &out
		}
		kind := ErrKindInternal
		if errors.Is(err, storage.ErrNotFound) {
			kind = ErrKindValidation
		}
		out := failed(kind, fmt.Sprintf("resolve system %s: %v", unit.SystemID, err))
		return nil, nil, &out
	}
	conn, err := e.opts.Connectors.For(target.System.Platform)
	if err != nil {
		out := failed(ErrKindValidation, err.Error())
		return nil, nil, &out
	}
	return target, conn, nil
}

// admit waits for a slot. A nil result means the caller now holds one.
func (e *Engine) admit(jr *jobRun, log *zap.Logger) *outcome {
	ctx := jr.admitCtx
	if e.opts.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.AdmissionTimeout)
		defer cancel()
	}

	err := e.opts.Gate.Acquire(ctx)
	if err == nil {
		return nil
	}
	if jr.admitCtx.Err() != nil {
		out := cancelled("job cancelled while waiting for a slot")
		return &out
	}
	log.Warn("no admission slot granted", zap.Error(err))
	reason := "no execution slot granted before the admission timeout"
	if errors.Is(err, admission.ErrClosed) {
		reason = "engine is shutting down"
	}
	out := failed(ErrKindUnavailable, fmt.Sprintf("%v: %s", ErrEngineUnavailable, reason))
	return &out
}

func (e *Engine) markRunning(jr *jobRun, idx int) {
	now := time.Now()
	jr.mu.Lock()
	u := jr.units[idx]
	u.Status = models.UnitRunning
	u.StartedAt = &now
	snap := *u
	jr.mu.Unlock()

	metrics.UnitsRunning.Inc()
	e.sinkWrite("update_unit", func(ctx context.Context) error {
		return e.opts.Sink.UpdateUnit(ctx, snap)
	})
	e.aggregate(jr, models.UnitRunning)
}

// interpret maps a connector result to a unit outcome.
func interpret(res connector.CommandResult) outcome {
	out := outcome{
		exitCode:  res.ExitCode,
		stdout:    res.Stdout,
		stderr:    res.Stderr,
		truncated: res.Truncated,
	}
	switch {
	case res.Success && res.Err == nil:
		out.status = models.UnitCompleted
		return out
	case res.Err == nil:
		out.status = models.UnitFailed
		out.errKind = ErrKindInternal
		out.errMsg = "connector reported failure without an error"
		return out
	}

	out.errMsg = res.Err.Error()
	switch {
	case res.Err.Kind == connector.KindCancelled:
		out.status = models.UnitCancelled
		out.errKind = ErrKindCancelled
	case res.Err.Kind == connector.KindTimeout:
		out.status = models.UnitTimeout
		out.errKind = ErrKindTimeout
	case res.Err.IsConnection():
		out.status = models.UnitFailed
		out.errKind = ErrKindConnection
	case res.Err.Kind == connector.KindExitStatus:
		out.status = models.UnitFailed
		out.errKind = ErrKindCommand
	default:
		out.status = models.UnitFailed
		out.errKind = ErrKindInternal
	}
	return out
}

// finish moves a unit to its terminal status. The order matters: output is
// archived while the unit still counts as running, the terminal status is
// published, the slot is released, then the result is written and the job
// re-aggregated.
func (e *Engine) finish(jr *jobRun, idx int, out outcome, release func(), log *zap.Logger) {
	jr.mu.Lock()
	u := jr.units[idx]
	if !u.Status.CanTransitionTo(out.status) {
		jr.mu.Unlock()
		if release != nil {
			release()
		}
		return
	}
	wasRunning := u.Status == models.UnitRunning
	final := *u
	platform := jr.platforms[idx]
	jr.mu.Unlock()

	now := time.Now()
	final.Status = out.status
	final.ExitCode = out.exitCode
	final.Stdout = out.stdout
	final.Stderr = out.stderr
	final.OutputTruncated = out.truncated
	final.ErrorKind = out.errKind
	final.ErrorMessage = out.errMsg
	final.CompletedAt = &now
	if final.StartedAt != nil {
		final.DurationMs = now.Sub(*final.StartedAt).Milliseconds()
	}

	if e.opts.Logs != nil && (final.Stdout != "" || final.Stderr != "") {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.SinkTimeout)
		uri, err := e.opts.Logs.Store(ctx, final)
		cancel()
		if err != nil {
			log.Warn("failed to archive unit output", zap.Error(err))
		} else {
			final.OutputURI = uri
		}
	}

	jr.mu.Lock()
	*jr.units[idx] = final
	jr.mu.Unlock()

	if wasRunning {
		metrics.UnitsRunning.Dec()
	}
	if release != nil {
		release()
	}

	if platform == "" {
		platform = "unknown"
	}
	metrics.RecordUnit(string(platform), string(final.Status), float64(final.DurationMs)/1000)
	fields := []zap.Field{
		zap.String("status", string(final.Status)),
		zap.Int64("duration_ms", final.DurationMs),
	}
	if final.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *final.ExitCode))
	}
	if final.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", final.ErrorKind), zap.String("error", final.ErrorMessage))
	}
	log.Info("execution unit finished", fields...)

	e.sinkWrite("update_unit", func(ctx context.Context) error {
		return e.opts.Sink.UpdateUnit(ctx, final)
	})
	e.aggregate(jr, final.Status)
}

// aggregate recomputes the job status after one of its units moved to
// status. It also fires fail-fast.
func (e *Engine) aggregate(jr *jobRun, status models.UnitStatus) {
	jr.mu.Lock()
	trip := false
	if jr.job.FailurePolicy == models.FailFast && !jr.failFast &&
		(status == models.UnitFailed || status == models.UnitTimeout) {
		jr.failFast = true
		trip = true
	}
	next := models.AggregateJobStatus(jr.statuses(), jr.job.FailurePolicy, jr.job.CancelRequested)
	changed := next != jr.job.Status
	if changed {
		now := time.Now()
		jr.job.Status = next
		jr.job.UpdatedAt = now
		if next == models.JobRunning && jr.job.StartedAt == nil {
			jr.job.StartedAt = &now
		}
		if next.IsTerminal() {
			jr.job.CompletedAt = &now
			jr.finishedAt = now
		}
	}
	jobID := jr.job.ID
	jr.mu.Unlock()

	if trip {
		e.log.Info("fail-fast triggered, cancelling pending units", zap.String("job_id", jobID.String()))
		jr.admitCancel()
	}
	if !changed {
		return
	}
	e.persistJob(jr)
	if next.IsTerminal() {
		metrics.RecordJobFinished(string(next))
		e.log.Info("job finished", zap.String("job_id", jobID.String()), zap.String("status", string(next)))
		jr.runCancel()
		close(jr.done)
	}
}
