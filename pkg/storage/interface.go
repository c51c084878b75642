package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"orca/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// ResultSink receives job and unit records as the engine produces them.
// Delivery is at least once, so every method must be idempotent and must
// never move a record backwards, in particular out of a terminal status.
type ResultSink interface {
	// SaveJob upserts the job record.
	SaveJob(ctx context.Context, job models.Job) error

	// CreateUnit records a unit at expansion time. Replays are no-ops.
	CreateUnit(ctx context.Context, unit models.ExecutionUnit) error

	// UpdateUnit records a status transition of a unit.
	UpdateUnit(ctx context.Context, unit models.ExecutionUnit) error
}

// SystemRegistry is the read side of the system inventory the engine
// resolves targets from.
type SystemRegistry interface {
	// GetTarget returns the system with its decrypted credential.
	GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error)

	// ListSystems returns every active system.
	ListSystems(ctx context.Context) ([]models.System, error)

	// UpdateHealth stores the outcome of a reachability probe.
	UpdateHealth(ctx context.Context, id uuid.UUID, health models.HealthStatus, checkedAt time.Time) error
}

// HistoryStore serves finished jobs that are no longer held in memory.
type HistoryStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error)
	GetUnit(ctx context.Context, id uuid.UUID) (*models.ExecutionUnit, error)
	ListUnits(ctx context.Context, jobID uuid.UUID) ([]models.ExecutionUnit, error)
}

// CredentialSource resolves a system's credential reference to a usable
// login. Storing secrets encrypted is the source's concern.
type CredentialSource interface {
	Credential(ctx context.Context, system models.System) (models.Credential, error)
}

// UnitAdvances reports whether a stored unit in status old may be replaced
// by a write carrying next. Identical non-terminal writes are replays and
// are applied; anything else must be a legal forward transition.
func UnitAdvances(old, next models.UnitStatus) bool {
	if old == next {
		return !old.IsTerminal()
	}
	return old.CanTransitionTo(next)
}

// JobAdvances reports whether a stored job in status old may be overwritten
// by a write carrying next. Finished jobs are never rewritten and a started
// job never goes back to pending.
func JobAdvances(old, next models.JobStatus) bool {
	if old.IsTerminal() {
		return false
	}
	if next == models.JobPending {
		return old == models.JobPending
	}
	return true
}
