package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orca/pkg/admission"
	"orca/pkg/executor/connector"
	"orca/pkg/metrics"
	"orca/pkg/models"
	"orca/pkg/storage"
)

// Options wires an Engine. Gate, Connectors and Registry are required.
type Options struct {
	Gate       *admission.Gate
	Connectors *connector.Set
	Registry   storage.SystemRegistry
	Sink       storage.ResultSink
	// History answers lookups for jobs no longer held in memory.
	History storage.HistoryStore
	// Logs archives unit output when set.
	Logs storage.LogStore

	// JobTimeout bounds each unit's command run.
	JobTimeout time.Duration
	// ConnectionTimeout is what the connectors were built with. It must be
	// shorter than JobTimeout.
	ConnectionTimeout time.Duration
	// AdmissionTimeout bounds the wait for a slot. Zero means JobTimeout.
	AdmissionTimeout time.Duration
	// SinkTimeout bounds each result sink write including retries.
	SinkTimeout time.Duration
	// RetainFinished is how long finished jobs stay queryable in memory.
	RetainFinished time.Duration

	Logger *zap.Logger
	Tracer trace.Tracer
}

const (
	defaultSinkTimeout    = 30 * time.Second
	defaultRetainFinished = time.Hour
	maxJanitorInterval    = time.Minute
)

// Engine expands jobs into execution units and runs each unit on its own
// goroutine under the shared admission gate.
type Engine struct {
	opts      Options
	log       *zap.Logger
	tracer    trace.Tracer
	validate  *validator.Validate
	startedAt time.Time

	mu     sync.RWMutex
	jobs   map[uuid.UUID]*jobRun
	units  map[uuid.UUID]*jobRun
	closed bool

	workers     sync.WaitGroup
	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// New validates opts and starts the janitor that forgets old finished jobs.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Gate == nil:
		return nil, errors.New("executor: admission gate is required")
	case opts.Connectors == nil:
		return nil, errors.New("executor: connector set is required")
	case opts.Registry == nil:
		return nil, errors.New("executor: system registry is required")
	case opts.JobTimeout <= 0:
		return nil, errors.New("executor: job timeout must be positive")
	case opts.ConnectionTimeout <= 0:
		return nil, errors.New("executor: connection timeout must be positive")
	case opts.ConnectionTimeout >= opts.JobTimeout:
		return nil, fmt.Errorf("executor: connection timeout %s must be shorter than job timeout %s",
			opts.ConnectionTimeout, opts.JobTimeout)
	}
	if opts.AdmissionTimeout <= 0 {
		opts.AdmissionTimeout = opts.JobTimeout
	}
	if opts.Sink == nil {
		opts.Sink = storage.NopSink{}
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = defaultSinkTimeout
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = defaultRetainFinished
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("orca/executor")
	}

	janitorCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		opts:        opts,
		log:         opts.Logger,
		tracer:      opts.Tracer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		startedAt:   time.Now(),
		jobs:        make(map[uuid.UUID]*jobRun),
		units:       make(map[uuid.UUID]*jobRun),
		stopJanitor: stop,
		janitorDone: make(chan struct{}),
	}
	go e.janitor(janitorCtx)
	return e, nil
}

// Submit validates req, expands it into one unit per (system, command) pair
// and starts them. It returns as soon as the job is registered.
func (e *Engine) Submit(ctx context.Context, req models.JobRequest) (*JobHandle, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}

	jobID := req.ID
	if jobID == uuid.Nil {
		jobID = uuid.New()
	}
	now := time.Now()
	job := models.Job{
		ID:            jobID,
		Name:          req.Name,
		Commands:      models.StringList(append([]string(nil), req.Commands...)),
		SystemIDs:     models.UUIDList(append([]uuid.UUID(nil), req.SystemIDs...)),
		FailurePolicy: req.FailurePolicy,
		Status:        models.JobPending,
		UnitCount:     len(req.SystemIDs) * len(req.Commands),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	units := make([]*models.ExecutionUnit, 0, job.UnitCount)
	for _, systemID := range req.SystemIDs {
		for _, command := range req.Commands {
			units = append(units, &models.ExecutionUnit{
				ID:        uuid.New(),
				JobID:     jobID,
				SystemID:  systemID,
				Command:   command,
				Sequence:  len(units),
				Status:    models.UnitPending,
				CreatedAt: now,
			})
		}
	}
	jr := newJobRun(job, units)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		jr.runCancel()
		return nil, ErrClosed
	}
	if _, exists := e.jobs[jobID]; exists {
		e.mu.Unlock()
		jr.runCancel()
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("job %s already submitted", jobID)}}
	}
	e.jobs[jobID] = jr
	for _, u := range units {
		e.units[u.ID] = jr
	}
	e.workers.Add(1)
	e.mu.Unlock()

	metrics.JobsSubmitted.Inc()
	metrics.ActiveJobs.Inc()
	e.log.Info("job submitted",
		zap.String("job_id", jobID.String()),
		zap.String("name", job.Name),
		zap.Int("systems", len(req.SystemIDs)),
		zap.Int("commands", len(req.Commands)),
		zap.String("failure_policy", string(job.FailurePolicy)),
	)

	// Workers own the unit records once started.
	handle := &JobHandle{ID: jobID, UnitIDs: make([]uuid.UUID, len(units)), run: jr}
	for i, u := range units {
		handle.UnitIDs[i] = u.ID
	}

	go e.start(jr)
	return handle, nil
}

func (e *Engine) check(req models.JobRequest) error {
	verr := &ValidationError{}
	if err := e.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		seen := make(map[string]bool)
		for _, fe := range fieldErrs {
			msg := describe(fe)
			if !seen[msg] {
				seen[msg] = true
				verr.add("%s", msg)
			}
		}
	}
	for i, c := range req.Commands {
		if c != "" && strings.TrimSpace(c) == "" {
			verr.add("commands[%d] is blank", i)
		}
	}
	for i, id := range req.SystemIDs {
		if id == uuid.Nil {
			verr.add("system_ids[%d] is empty", i)
		}
	}
	return verr.orNil()
}

// start records the job and its units, then launches one worker per unit.
func (e *Engine) start(jr *jobRun) {
	defer e.workers.Done()

	e.persistJob(jr)
	for i := range jr.units {
		unit := jr.unitCopy(i)
		e.sinkWrite("create_unit", func(ctx context.Context) error {
			return e.opts.Sink.CreateUnit(ctx, unit)
		})
	}

	e.workers.Add(len(jr.units))
	for i := range jr.units {
		go e.runUnit(jr, i)
	}
}

// Cancel stops a job. Pending units end cancelled without running and
// running units are aborted. Cancelling a finished job does nothing.
func (e *Engine) Cancel(jobID uuid.UUID) error {
	e.mu.RLock()
	jr, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}

	jr.mu.Lock()
	if jr.job.Status.IsTerminal() || jr.job.CancelRequested {
		jr.mu.Unlock()
		return nil
	}
	jr.job.CancelRequested = true
	jr.job.UpdatedAt = time.Now()
	jr.mu.Unlock()

	e.log.Info("job cancel requested", zap.String("job_id", jobID.String()))
	jr.admitCancel()
	jr.runCancel()
	e.persistJob(jr)
	return nil
}

// Job returns a snapshot of a job and its units.
func (e *Engine) Job(ctx context.Context, id uuid.UUID) (JobSnapshot, error) {
	e.mu.RLock()
	jr, ok := e.jobs[id]
	e.mu.RUnlock()
	if ok {
		return jr.snapshot(), nil
	}
	if e.opts.History == nil {
		return JobSnapshot{}, ErrJobNotFound
	}
	job, err := e.opts.History.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return JobSnapshot{}, ErrJobNotFound
	}
	if err != nil {
		return JobSnapshot{}, err
	}
	units, err := e.opts.History.ListUnits(ctx, id)
	if err != nil {
		return JobSnapshot{}, err
	}
	return JobSnapshot{Job: *job, Units: units}, nil
}

// Unit returns a copy of one execution unit.
func (e *Engine) Unit(ctx context.Context, id uuid.UUID) (models.ExecutionUnit, error) {
	e.mu.RLock()
	jr, ok := e.units[id]
	e.mu.RUnlock()
	if ok {
		jr.mu.Lock()
		defer jr.mu.Unlock()
		for _, u := range jr.units {
			if u.ID == id {
				return *u, nil
			}
		}
	}
	if e.opts.History == nil {
		return models.ExecutionUnit{}, ErrUnitNotFound
	}
	unit, err := e.opts.History.GetUnit(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.ExecutionUnit{}, ErrUnitNotFound
	}
	if err != nil {
		return models.ExecutionUnit{}, err
	}
	return *unit, nil
}

// Jobs lists the jobs held in memory, newest first.
func (e *Engine) Jobs() []models.Job {
	e.mu.RLock()
	runs := make([]*jobRun, 0, len(e.jobs))
	for _, jr := range e.jobs {
		runs = append(runs, jr)
	}
	e.mu.RUnlock()

	out := make([]models.Job, len(runs))
	for i, jr := range runs {
		out[i] = jr.jobCopy()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RunningUnits lists units currently running, longest running first.
func (e *Engine) RunningUnits() []RunningUnit {
	e.mu.RLock()
	runs := make([]*jobRun, 0, len(e.jobs))
	for _, jr := range e.jobs {
		runs = append(runs, jr)
	}
	e.mu.RUnlock()

	now := time.Now()
	var out []RunningUnit
	for _, jr := range runs {
		jr.mu.Lock()
		for i, u := range jr.units {
			if u.Status != models.UnitRunning || u.StartedAt == nil {
				continue
			}
			out = append(out, RunningUnit{
				UnitID:    u.ID,
				JobID:     u.JobID,
				SystemID:  u.SystemID,
				Platform:  string(jr.platforms[i]),
				Command:   u.Command,
				StartedAt: *u.StartedAt,
				Elapsed:   u.Elapsed(now),
			})
		}
		jr.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close stops accepting jobs, cancels every unfinished one, closes the
// admission gate and waits for workers until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	runs := make([]*jobRun, 0, len(e.jobs))
	for _, jr := range e.jobs {
		runs = append(runs, jr)
	}
	e.mu.Unlock()

	e.log.Info("engine shutting down", zap.Int("jobs", len(runs)))
	for _, jr := range runs {
		jr.admitCancel()
		jr.runCancel()
	}
	e.opts.Gate.Close()
	e.stopJanitor()
	<-e.janitorDone

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (e *Engine) janitor(ctx context.Context) {
	defer close(e.janitorDone)
	interval := e.opts.RetainFinished / 2
	if interval > maxJanitorInterval {
		interval = maxJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.prune(now)
		}
	}
}

// prune forgets jobs that finished more than RetainFinished ago.
func (e *Engine) prune(now time.Time) int {
	cutoff := now.Add(-e.opts.RetainFinished)
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, jr := range e.jobs {
		if !jr.finished() {
			continue
		}
		jr.mu.Lock()
		old := jr.finishedAt.Before(cutoff)
		jr.mu.Unlock()
		if !old {
			continue
		}
		for _, u := range jr.units {
			delete(e.units, u.ID)
		}
		delete(e.jobs, id)
		removed++
	}
	if removed > 0 {
		e.log.Debug("pruned finished jobs", zap.Int("count", removed))
	}
	return removed
}

// persistJob writes the current job record. Writes for one job are
// serialized and each takes its snapshot under the lock.
func (e *Engine) persistJob(jr *jobRun) {
	jr.persistMu.Lock()
	defer jr.persistMu.Unlock()
	job := jr.jobCopy()
	e.sinkWrite("save_job", func(ctx context.Context) error {
		return e.opts.Sink.SaveJob(ctx, job)
	})
}

func (e *Engine) sinkWrite(op string, write func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SinkTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		e.log.Error("result sink write failed", zap.String("op", op), zap.Error(err))
	}
}
