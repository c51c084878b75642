package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"orca/pkg/models"
)

// jobRun is the engine's live state for one job. Each unit record is only
// written by the worker that owns it, always under mu so readers can take
// consistent copies.
type jobRun struct {
	mu         sync.Mutex
	job        models.Job
	units      []*models.ExecutionUnit
	platforms  []models.Platform
	failFast   bool // fail-fast already fired
	finishedAt time.Time

	// persistMu orders job writes to the sink so the newest state lands last.
	persistMu sync.Mutex

	// admitCtx gates units that have not started yet. Cancel and fail-fast
	// end it.
	admitCtx    context.Context
	admitCancel context.CancelFunc
	// runCtx reaches into running units. Only Cancel and Close end it.
	runCtx    context.Context
	runCancel context.CancelFunc

	done chan struct{}
}

func newJobRun(job models.Job, units []*models.ExecutionUnit) *jobRun {
	runCtx, runCancel := context.WithCancel(context.Background())
	admitCtx, admitCancel := context.WithCancel(runCtx)
	return &jobRun{
		job:         job,
		units:       units,
		platforms:   make([]models.Platform, len(units)),
		admitCtx:    admitCtx,
		admitCancel: admitCancel,
		runCtx:      runCtx,
		runCancel:   runCancel,
		done:        make(chan struct{}),
	}
}

// statuses must be called with mu held.
func (jr *jobRun) statuses() []models.UnitStatus {
	out := make([]models.UnitStatus, len(jr.units))
	for i, u := range jr.units {
		out[i] = u.Status
	}
	return out
}

func (jr *jobRun) snapshot() JobSnapshot {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	units := make([]models.ExecutionUnit, len(jr.units))
	for i, u := range jr.units {
		units[i] = *u
	}
	return JobSnapshot{Job: jr.job, Units: units}
}

func (jr *jobRun) jobCopy() models.Job {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.job
}

func (jr *jobRun) unitCopy(idx int) models.ExecutionUnit {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return *jr.units[idx]
}

func (jr *jobRun) finished() bool {
	select {
	case <-jr.done:
		return true
	default:
		return false
	}
}

// JobSnapshot is a read-only copy of a job and its units.
type JobSnapshot struct {
	Job   models.Job             `json:"job"`
	Units []models.ExecutionUnit `json:"units"`
}

// RunningUnit describes a unit currently holding an admission slot.
type RunningUnit struct {
	UnitID    uuid.UUID     `json:"unit_id"`
	JobID     uuid.UUID     `json:"job_id"`
	SystemID  uuid.UUID     `json:"system_id"`
	Platform  string        `json:"platform"`
	Command   string        `json:"command"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// JobHandle is returned by Submit.
type JobHandle struct {
	ID      uuid.UUID
	UnitIDs []uuid.UUID

	run *jobRun
}

// Done is closed once every unit of the job is terminal.
func (h *JobHandle) Done() <-chan struct{} { return h.run.done }

// Wait blocks until the job finishes or ctx is done and returns the latest
// snapshot either way.
func (h *JobHandle) Wait(ctx context.Context) (JobSnapshot, error) {
	select {
	case <-h.run.done:
		return h.run.snapshot(), nil
	case <-ctx.Done():
		return h.run.snapshot(), ctx.Err()
	}
}
