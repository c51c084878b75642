package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca/pkg/models"
	"orca/pkg/storage"
)

func TestStore_UnitWritesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	unit := models.ExecutionUnit{ID: uuid.New(), JobID: uuid.New(), Status: models.UnitPending}

	require.NoError(t, s.CreateUnit(ctx, unit))
	require.NoError(t, s.CreateUnit(ctx, unit))

	unit.Status = models.UnitRunning
	require.NoError(t, s.UpdateUnit(ctx, unit))
	unit.Status = models.UnitCompleted
	unit.Stdout = "ok"
	require.NoError(t, s.UpdateUnit(ctx, unit))
	// Replays of the terminal write and stale earlier writes are dropped.
	require.NoError(t, s.UpdateUnit(ctx, unit))
	stale := unit
	stale.Status = models.UnitRunning
	stale.Stdout = ""
	require.NoError(t, s.UpdateUnit(ctx, stale))

	got, err := s.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitCompleted, got.Status)
	assert.Equal(t, "ok", got.Stdout)
	assert.Len(t, s.Events(), 3)
}

func TestStore_FinishedJobNotRewritten(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	job := models.Job{ID: uuid.New(), Status: models.JobRunning}
	require.NoError(t, s.SaveJob(ctx, job))

	job.Status = models.JobCompleted
	require.NoError(t, s.SaveJob(ctx, job))
	job.Status = models.JobRunning
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
}

func TestStore_GetTarget(t *testing.T) {
	ctx := context.Background()
	creds := storage.NewStaticCredentials(map[string]models.Credential{
		"web": {Username: "root", Password: "pw"},
	})
	s := New(creds)
	sys := s.PutSystem(models.System{Name: "web-1", Address: "10.0.0.1", Platform: models.PlatformLinux, Username: "deploy", CredentialRef: "web", Active: true})
	inactive := s.PutSystem(models.System{Name: "old", Address: "10.0.0.2", Platform: models.PlatformLinux, CredentialRef: "web"})

	target, err := s.GetTarget(ctx, sys.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy", target.Credential.Username)
	assert.Equal(t, "pw", target.Credential.Password)

	_, err = s.GetTarget(ctx, inactive.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetTarget(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	systems, err := s.ListSystems(ctx)
	require.NoError(t, err)
	assert.Len(t, systems, 1)
}

func TestStore_UpdateHealth(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	sys := s.PutSystem(models.System{Name: "win-1", Platform: models.PlatformWindows, Active: true})
	assert.Equal(t, models.HealthUnknown, sys.Health)

	now := time.Now()
	require.NoError(t, s.UpdateHealth(ctx, sys.ID, models.HealthHealthy, now))

	systems, _ := s.ListSystems(ctx)
	require.Len(t, systems, 1)
	assert.Equal(t, models.HealthHealthy, systems[0].Health)
	assert.ErrorIs(t, s.UpdateHealth(ctx, uuid.New(), models.HealthHealthy, now), storage.ErrNotFound)
}

func TestStore_ListUnitsInSequence(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	jobID := uuid.New()
	for _, seq := range []int{2, 0, 1} {
		require.NoError(t, s.CreateUnit(ctx, models.ExecutionUnit{ID: uuid.New(), JobID: jobID, Sequence: seq}))
	}
	require.NoError(t, s.CreateUnit(ctx, models.ExecutionUnit{ID: uuid.New(), JobID: uuid.New()}))

	units, err := s.ListUnits(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, i, u.Sequence)
	}
}
