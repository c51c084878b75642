// Package memory keeps systems, jobs and units in process memory. It backs
// local runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"orca/pkg/models"
	"orca/pkg/storage"
)

// Event is one accepted write, kept in arrival order.
type Event struct {
	Kind       string // job or unit
	ID         uuid.UUID
	JobStatus  models.JobStatus
	UnitStatus models.UnitStatus
}

// Store implements storage.ResultSink, storage.SystemRegistry and
// storage.HistoryStore.
type Store struct {
	creds storage.CredentialSource

	mu      sync.RWMutex
	systems map[uuid.UUID]models.System
	jobs    map[uuid.UUID]models.Job
	units   map[uuid.UUID]models.ExecutionUnit
	events  []Event
}

// New returns an empty store. creds may be nil when no system is ever
// resolved to a target.
func New(creds storage.CredentialSource) *Store {
	return &Store{
		creds:   creds,
		systems: make(map[uuid.UUID]models.System),
		jobs:    make(map[uuid.UUID]models.Job),
		units:   make(map[uuid.UUID]models.ExecutionUnit),
	}
}

// PutSystem adds or replaces a system, assigning an ID when missing.
func (s *Store) PutSystem(sys models.System) models.System {
	if sys.ID == uuid.Nil {
		sys.ID = uuid.New()
	}
	if sys.Health == "" {
		sys.Health = models.HealthUnknown
	}
	s.mu.Lock()
	s.systems[sys.ID] = sys
	s.mu.Unlock()
	return sys
}

func (s *Store) GetTarget(ctx context.Context, id uuid.UUID) (*models.Target, error) {
	s.mu.RLock()
	sys, ok := s.systems[id]
	s.mu.RUnlock()
	if !ok || !sys.Active {
		return nil, fmt.Errorf("system %s: %w", id, storage.ErrNotFound)
	}
	if s.creds == nil {
		return &models.Target{System: sys, Credential: models.Credential{Username: sys.Username}}, nil
	}
	cred, err := s.creds.Credential(ctx, sys)
	if err != nil {
		return nil, err
	}
	return &models.Target{System: sys, Credential: cred}, nil
}

func (s *Store) ListSystems(ctx context.Context) ([]models.System, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.System, 0, len(s.systems))
	for _, sys := range s.systems {
		if sys.Active {
			out = append(out, sys)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateHealth(ctx context.Context, id uuid.UUID, health models.HealthStatus, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sys, ok := s.systems[id]
	if !ok {
		return storage.ErrNotFound
	}
	sys.Health = health
	sys.LastCheckedAt = &checkedAt
	s.systems[id] = sys
	return nil
}

func (s *Store) SaveJob(ctx context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[job.ID]; ok && !storage.JobAdvances(old.Status, job.Status) {
		return nil
	}
	s.jobs[job.ID] = job
	s.events = append(s.events, Event{Kind: "job", ID: job.ID, JobStatus: job.Status})
	return nil
}

func (s *Store) CreateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[unit.ID]; ok {
		return nil
	}
	s.units[unit.ID] = unit
	s.events = append(s.events, Event{Kind: "unit", ID: unit.ID, UnitStatus: unit.Status})
	return nil
}

func (s *Store) UpdateUnit(ctx context.Context, unit models.ExecutionUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.units[unit.ID]; ok && !storage.UnitAdvances(old.Status, unit.Status) {
		return nil
	}
	s.units[unit.ID] = unit
	s.events = append(s.events, Event{Kind: "unit", ID: unit.ID, UnitStatus: unit.Status})
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]models.Job, error) {
	s.mu.RLock()
	jobs := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if offset >= len(jobs) {
		return []models.Job{}, nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) GetUnit(ctx context.Context, id uuid.UUID) (*models.ExecutionUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

// ListUnits returns a job's units in expansion order.
func (s *Store) ListUnits(ctx context.Context, jobID uuid.UUID) ([]models.ExecutionUnit, error) {
	s.mu.RLock()
	var out []models.ExecutionUnit
	for _, u := range s.units {
		if u.JobID == jobID {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Events returns a copy of every accepted write so far.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}
