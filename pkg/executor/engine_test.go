package executor

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca/pkg/admission"
	"orca/pkg/executor/connector"
	"orca/pkg/models"
	"orca/pkg/storage"
	"orca/pkg/storage/memory"
)

// fakeConnector understands a handful of commands:
//
//	whoami   succeeds after a short delay
//	fail     exits 1
//	slowfail exits 1 after the same delay as whoami
//	sleep    blocks until the timeout or cancellation
//	refuse   fails in the connection phase
//	panic    panics
type fakeConnector struct {
	platform models.Platform
	delay    time.Duration

	running atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func (f *fakeConnector) Platform() models.Platform { return f.platform }

func (f *fakeConnector) Probe(ctx context.Context, t models.Target) connector.ConnectionResult {
	return connector.ConnectionResult{Success: true, SystemInfo: map[string]string{"whoami_output": "root"}}
}

func (f *fakeConnector) Run(ctx context.Context, t models.Target, command string, timeout time.Duration) connector.CommandResult {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	start := time.Now()
	switch command {
	case "whoami":
		time.Sleep(f.delay)
		zero := 0
		return connector.CommandResult{Success: true, ExitCode: &zero, Stdout: "root\n", Duration: time.Since(start)}
	case "slowfail":
		time.Sleep(f.delay)
		fallthrough
	case "fail":
		one := 1
		return connector.CommandResult{ExitCode: &one, Stderr: "nope", Err: &connector.Error{
			Phase: connector.PhaseCommand, Kind: connector.KindExitStatus, Message: "exited with status 1",
		}}
	case "sleep":
		select {
		case <-ctx.Done():
			return connector.CommandResult{Duration: time.Since(start), Err: &connector.Error{
				Phase: connector.PhaseCommand, Kind: connector.KindCancelled, Message: "aborted by caller",
			}}
		case <-time.After(timeout):
			return connector.CommandResult{Duration: time.Since(start), Err: &connector.Error{
				Phase: connector.PhaseCommand, Kind: connector.KindTimeout, Message: "deadline exceeded",
			}}
		}
	case "refuse":
		return connector.CommandResult{Err: &connector.Error{
			Phase: connector.PhaseConnection, Kind: connector.KindUnreachable, Message: "dial failed",
		}}
	case "panic":
		panic("connector exploded")
	}
	return connector.CommandResult{Err: &connector.Error{Phase: connector.PhaseCommand, Kind: connector.KindInternal}}
}

type harness struct {
	engine *Engine
	store  *memory.Store
	linux  *fakeConnector
	gate   *admission.Gate
}

func newHarness(t *testing.T, capacity int, mutate ...func(*Options)) *harness {
	t.Helper()
	gate, err := admission.New(capacity)
	require.NoError(t, err)

	store := memory.New(storage.NewStaticCredentials(map[string]models.Credential{
		"default": {Username: "root", Password: "secret"},
	}))
	linux := &fakeConnector{platform: models.PlatformLinux, delay: 30 * time.Millisecond}
	opts := Options{
		Gate:              gate,
		Connectors:        connector.NewSet(linux, &fakeConnector{platform: models.PlatformWindows}),
		Registry:          store,
		Sink:              store,
		JobTimeout:        time.Second,
		ConnectionTimeout: 500 * time.Millisecond,
		SinkTimeout:       time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return &harness{engine: e, store: store, linux: linux, gate: gate}
}

func (h *harness) systems(n int, platform models.Platform) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		sys := h.store.PutSystem(models.System{
			Name:          "sys-" + strconv.Itoa(i),
			Address:       "10.0.0." + strconv.Itoa(i+1),
			Platform:      platform,
			Username:      "root",
			CredentialRef: "default",
			Active:        true,
		})
		ids[i] = sys.ID
	}
	return ids
}

func wait(t *testing.T, h *JobHandle) JobSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := h.Wait(ctx)
	require.NoError(t, err, "job did not finish")
	return snap
}

func countStatus(units []models.ExecutionUnit, s models.UnitStatus) int {
	n := 0
	for _, u := range units {
		if u.Status == s {
			n++
		}
	}
	return n
}

func TestNew_RejectsConnectionTimeoutNotShorterThanJobTimeout(t *testing.T) {
	gate, _ := admission.New(1)
	_, err := New(Options{
		Gate:              gate,
		Connectors:        connector.NewSet(),
		Registry:          memory.New(nil),
		JobTimeout:        time.Second,
		ConnectionTimeout: time.Second,
	})
	assert.Error(t, err)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, 1)
	sys := h.systems(1, models.PlatformLinux)

	tests := []struct {
		name string
		req  models.JobRequest
	}{
		{"no systems", models.JobRequest{Commands: []string{"whoami"}, FailurePolicy: models.FailFast}},
		{"no commands", models.JobRequest{SystemIDs: sys, FailurePolicy: models.FailFast}},
		{"empty command", models.JobRequest{Commands: []string{"whoami", ""}, SystemIDs: sys, FailurePolicy: models.FailFast}},
		{"blank command", models.JobRequest{Commands: []string{"  "}, SystemIDs: sys, FailurePolicy: models.FailFast}},
		{"no policy", models.JobRequest{Commands: []string{"whoami"}, SystemIDs: sys}},
		{"unknown policy", models.JobRequest{Commands: []string{"whoami"}, SystemIDs: sys, FailurePolicy: "retry"}},
		{"duplicate systems", models.JobRequest{Commands: []string{"whoami"}, SystemIDs: []uuid.UUID{sys[0], sys[0]}, FailurePolicy: models.FailFast}},
		{"nil system", models.JobRequest{Commands: []string{"whoami"}, SystemIDs: []uuid.UUID{uuid.Nil}, FailurePolicy: models.FailFast}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.NotEmpty(t, verr.Problems)
		})
	}
	assert.Empty(t, h.engine.Jobs())
}

func TestSubmit_ExpandsEveryPairWithUniqueIDs(t *testing.T) {
	h := newHarness(t, 4)
	h.linux.delay = 0
	sys := h.systems(3, models.PlatformLinux)
	commands := []string{"whoami", "whoami", "whoami", "whoami"}

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: commands, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	require.Len(t, handle.UnitIDs, 12)

	seen := make(map[uuid.UUID]bool)
	for _, id := range handle.UnitIDs {
		assert.False(t, seen[id], "duplicate unit id")
		seen[id] = true
	}

	snap := wait(t, handle)
	for i, u := range snap.Units {
		assert.Equal(t, i, u.Sequence)
		assert.Equal(t, sys[i/len(commands)], u.SystemID)
	}
	assert.Equal(t, 12, snap.Job.UnitCount)
}

func TestSubmit_HandleMatchesUnitsUnderLoad(t *testing.T) {
	h := newHarness(t, 4)
	h.linux.delay = 0

	var wg sync.WaitGroup
	handles := make([]*JobHandle, 20)
	for i := range handles {
		sys := h.systems(2, models.PlatformLinux)
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := h.engine.Submit(context.Background(), models.JobRequest{
				Commands: []string{"whoami"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
			})
			if assert.NoError(t, err) {
				handles[i] = handle
			}
		}()
	}
	wg.Wait()

	for _, handle := range handles {
		require.NotNil(t, handle)
		snap := wait(t, handle)
		assert.Equal(t, models.JobCompleted, snap.Job.Status)
		require.Len(t, snap.Units, len(handle.UnitIDs))
		for i, u := range snap.Units {
			assert.Equal(t, handle.UnitIDs[i], u.ID)
		}
	}
}

func TestScenario_ThreeTargetsTwoSlots(t *testing.T) {
	h := newHarness(t, 2)
	sys := h.systems(3, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"whoami"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)

	var maxRunning int
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := len(h.engine.RunningUnits()); n > maxRunning {
				maxRunning = n
			}
			time.Sleep(time.Millisecond)
		}
	}()

	snap := wait(t, handle)
	close(stop)
	wg.Wait()

	assert.Equal(t, models.JobCompleted, snap.Job.Status)
	assert.Equal(t, 3, countStatus(snap.Units, models.UnitCompleted))
	assert.LessOrEqual(t, int(h.linux.peak.Load()), 2)
	assert.LessOrEqual(t, maxRunning, 2)
	for _, u := range snap.Units {
		require.NotNil(t, u.ExitCode)
		assert.Equal(t, 0, *u.ExitCode)
		assert.Equal(t, "root\n", u.Stdout)
		assert.NotNil(t, u.StartedAt)
		assert.NotNil(t, u.CompletedAt)
	}
	assert.NotNil(t, snap.Job.StartedAt)
	assert.NotNil(t, snap.Job.CompletedAt)
}

func TestConcurrencyLimitAcrossJobs(t *testing.T) {
	h := newHarness(t, 3)
	var handles []*JobHandle
	for j := 0; j < 4; j++ {
		handle, err := h.engine.Submit(context.Background(), models.JobRequest{
			Commands: []string{"whoami", "whoami"}, SystemIDs: h.systems(3, models.PlatformLinux), FailurePolicy: models.BestEffort,
		})
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		assert.Equal(t, models.JobCompleted, wait(t, handle).Job.Status)
	}
	assert.LessOrEqual(t, int(h.linux.peak.Load()), 3)
	assert.Equal(t, int32(24), h.linux.calls.Load())
}

func TestScenario_TimeoutEndsInTimeout(t *testing.T) {
	h := newHarness(t, 1)
	sys := h.systems(1, models.PlatformLinux)

	start := time.Now()
	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"sleep"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	assert.Less(t, time.Since(start), 3*time.Second)
	require.Len(t, snap.Units, 1)
	assert.Equal(t, models.UnitTimeout, snap.Units[0].Status)
	assert.Equal(t, ErrKindTimeout, snap.Units[0].ErrorKind)
	assert.Equal(t, models.JobFailed, snap.Job.Status)
	assert.Equal(t, 0, h.gate.InUse())
}

func TestScenario_UnreachableHostIsConnectionFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	h := newHarness(t, 1, func(o *Options) {
		o.Connectors = connector.NewSet(connector.NewSSH(connector.Options{ConnectTimeout: 500 * time.Millisecond}))
	})
	sys := h.store.PutSystem(models.System{
		Name: "gone", Address: "127.0.0.1", Port: port, Platform: models.PlatformLinux,
		CredentialRef: "default", Active: true,
	})

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"whoami"}, SystemIDs: []uuid.UUID{sys.ID}, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	unit := snap.Units[0]
	assert.Equal(t, models.UnitFailed, unit.Status)
	assert.Equal(t, ErrKindConnection, unit.ErrorKind)
	assert.Contains(t, unit.ErrorMessage, "connection unreachable")
	assert.Nil(t, unit.ExitCode)
	assert.Equal(t, models.JobPartial, snap.Job.Status)
}

func TestConnectionAndCommandFailuresAreDistinct(t *testing.T) {
	h := newHarness(t, 2)
	sys := h.systems(1, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"refuse", "fail"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	assert.Equal(t, ErrKindConnection, snap.Units[0].ErrorKind)
	assert.Equal(t, ErrKindCommand, snap.Units[1].ErrorKind)
	require.NotNil(t, snap.Units[1].ExitCode)
	assert.Equal(t, 1, *snap.Units[1].ExitCode)
	assert.Equal(t, models.JobPartial, snap.Job.Status)
}

func TestScenario_CancelPendingAndRunning(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.JobTimeout = 30 * time.Second })
	sys := h.systems(6, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"sleep"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.engine.RunningUnits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.gate.Waiting() == 5 }, 2*time.Second, 5*time.Millisecond)
	running := h.engine.RunningUnits()[0]
	assert.Equal(t, "linux", running.Platform)

	require.NoError(t, h.engine.Cancel(handle.ID))
	snap := wait(t, handle)

	assert.Equal(t, models.JobCancelled, snap.Job.Status)
	assert.True(t, snap.Job.CancelRequested)
	assert.Equal(t, 6, countStatus(snap.Units, models.UnitCancelled))
	started := 0
	for _, u := range snap.Units {
		if u.StartedAt != nil {
			started++
			assert.Equal(t, running.UnitID, u.ID)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, int32(1), h.linux.calls.Load())

	// Pending units never produced a running event.
	runningEvents := 0
	for _, ev := range h.store.Events() {
		if ev.Kind == "unit" && ev.UnitStatus == models.UnitRunning {
			runningEvents++
		}
	}
	assert.Equal(t, 1, runningEvents)

	// Cancelling again or cancelling a finished job is a no-op.
	assert.NoError(t, h.engine.Cancel(handle.ID))
	assert.ErrorIs(t, h.engine.Cancel(uuid.New()), ErrJobNotFound)
}

func TestFailFastCancelsPendingUnits(t *testing.T) {
	h := newHarness(t, 1)
	sys := h.systems(1, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"fail", "whoami", "whoami", "whoami"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	assert.Equal(t, models.JobFailed, snap.Job.Status)
	assert.Equal(t, 1, countStatus(snap.Units, models.UnitFailed))
	assert.Zero(t, countStatus(snap.Units, models.UnitPending))
	assert.Zero(t, countStatus(snap.Units, models.UnitRunning))
	for _, u := range snap.Units {
		if u.Status == models.UnitCancelled {
			assert.Nil(t, u.StartedAt, "cancelled unit %d ran", u.Sequence)
		}
	}
}

func TestFailFastFailureOutranksLaterCancel(t *testing.T) {
	h := newHarness(t, 2, func(o *Options) { o.JobTimeout = 30 * time.Second })
	h.linux.delay = 100 * time.Millisecond
	sys := h.systems(1, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"slowfail", "sleep"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)

	unitStatus := func(id uuid.UUID) models.UnitStatus {
		u, err := h.engine.Unit(context.Background(), id)
		require.NoError(t, err)
		return u.Status
	}
	require.Eventually(t, func() bool {
		return unitStatus(handle.UnitIDs[0]) == models.UnitFailed &&
			unitStatus(handle.UnitIDs[1]) == models.UnitRunning
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Cancel(handle.ID))
	snap := wait(t, handle)

	assert.True(t, snap.Job.CancelRequested)
	assert.Equal(t, models.UnitFailed, snap.Units[0].Status)
	assert.Equal(t, models.UnitCancelled, snap.Units[1].Status)
	assert.Equal(t, models.JobFailed, snap.Job.Status)
}

func TestBestEffortRunsEverything(t *testing.T) {
	h := newHarness(t, 1)
	sys := h.systems(1, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"fail", "whoami", "whoami"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	assert.Equal(t, models.JobPartial, snap.Job.Status)
	assert.Equal(t, 1, countStatus(snap.Units, models.UnitFailed))
	assert.Equal(t, 2, countStatus(snap.Units, models.UnitCompleted))
	assert.Equal(t, int32(3), h.linux.calls.Load())
}

func TestPanicIsContainedToUnit(t *testing.T) {
	h := newHarness(t, 2)
	sys := h.systems(1, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"panic", "whoami"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	assert.Equal(t, models.UnitFailed, snap.Units[0].Status)
	assert.Equal(t, ErrKindInternal, snap.Units[0].ErrorKind)
	assert.Contains(t, snap.Units[0].ErrorMessage, "connector exploded")
	assert.Equal(t, models.UnitCompleted, snap.Units[1].Status)
	assert.Equal(t, 0, h.gate.InUse())
}

func TestUnknownSystemAndPlatformFailWithoutSlot(t *testing.T) {
	h := newHarness(t, 1)
	aix := h.systems(1, "aix")

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"whoami"}, SystemIDs: []uuid.UUID{uuid.New(), aix[0]}, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	for _, u := range snap.Units {
		assert.Equal(t, models.UnitFailed, u.Status)
		assert.Equal(t, ErrKindValidation, u.ErrorKind)
		assert.Nil(t, u.StartedAt)
	}
	assert.Contains(t, snap.Units[1].ErrorMessage, "unsupported platform")
	assert.Zero(t, h.linux.calls.Load())
}

func TestAdmissionTimeoutIsEngineUnavailable(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.AdmissionTimeout = 50 * time.Millisecond })
	sys := h.systems(2, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"sleep"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	assert.Equal(t, 1, countStatus(snap.Units, models.UnitTimeout))
	require.Equal(t, 1, countStatus(snap.Units, models.UnitFailed))
	for _, u := range snap.Units {
		if u.Status == models.UnitFailed {
			assert.Equal(t, ErrKindUnavailable, u.ErrorKind)
			assert.Contains(t, u.ErrorMessage, ErrEngineUnavailable.Error())
		}
	}
}

func TestAdmissionWaitDefaultsToJobTimeout(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) {
		o.JobTimeout = 200 * time.Millisecond
		o.ConnectionTimeout = 100 * time.Millisecond
	})
	assert.Equal(t, 200*time.Millisecond, h.engine.opts.AdmissionTimeout)
	sys := h.systems(1, models.PlatformLinux)

	// Occupy the only slot so the unit can never be admitted.
	require.NoError(t, h.gate.Acquire(context.Background()))
	defer h.gate.Release()

	start := time.Now()
	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"whoami"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, models.UnitFailed, snap.Units[0].Status)
	assert.Equal(t, ErrKindUnavailable, snap.Units[0].ErrorKind)
	assert.Nil(t, snap.Units[0].StartedAt)
	assert.Zero(t, h.linux.calls.Load())
	assert.Equal(t, models.JobFailed, snap.Job.Status)
}

func TestSinkReceivesEveryTransitionOnce(t *testing.T) {
	h := newHarness(t, 2)
	sys := h.systems(2, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"whoami"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)
	snap := wait(t, handle)

	perUnit := make(map[uuid.UUID][]models.UnitStatus)
	for _, ev := range h.store.Events() {
		if ev.Kind == "unit" {
			perUnit[ev.ID] = append(perUnit[ev.ID], ev.UnitStatus)
		}
	}
	for _, u := range snap.Units {
		assert.Equal(t, []models.UnitStatus{models.UnitPending, models.UnitRunning, models.UnitCompleted}, perUnit[u.ID])
		stored, err := h.store.GetUnit(context.Background(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, u, *stored)
	}

	assert.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), handle.ID)
		return err == nil && job.Status == models.JobCompleted
	}, time.Second, 5*time.Millisecond)

	// Replaying the terminal write changes nothing.
	before := len(h.store.Events())
	require.NoError(t, h.store.UpdateUnit(context.Background(), snap.Units[0]))
	assert.Len(t, h.store.Events(), before)
}

func TestLookupsAndPruning(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.RetainFinished = time.Hour })
	h.engine.opts.History = h.store
	sys := h.systems(1, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Name: "uptime check", Commands: []string{"whoami"}, SystemIDs: sys, FailurePolicy: models.FailFast,
	})
	require.NoError(t, err)
	wait(t, handle)

	snap, err := h.engine.Job(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, "uptime check", snap.Job.Name)

	unit, err := h.engine.Unit(context.Background(), handle.UnitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.UnitCompleted, unit.Status)
	assert.Len(t, h.engine.Jobs(), 1)

	assert.Equal(t, 0, h.engine.prune(time.Now()))
	require.Eventually(t, func() bool {
		job, err := h.store.GetJob(context.Background(), handle.ID)
		return err == nil && job.Status.IsTerminal()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.engine.prune(time.Now().Add(2*time.Hour)))
	assert.Empty(t, h.engine.Jobs())

	// Served from history once pruned.
	snap, err = h.engine.Job(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Units, 1)
	_, err = h.engine.Unit(context.Background(), handle.UnitIDs[0])
	assert.NoError(t, err)

	_, err = h.engine.Job(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.engine.Unit(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrUnitNotFound)
}

func TestCloseCancelsAndRejects(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.JobTimeout = 30 * time.Second })
	sys := h.systems(2, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"sleep"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.engine.RunningUnits()) == 1 }, 2*time.Second, 5*time.Millisecond)

	health := h.engine.Health()
	assert.Equal(t, 1, health.Capacity)
	assert.Equal(t, 0, health.AvailableSlots)
	assert.Equal(t, 1, health.ActiveJobs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Close(ctx))

	snap := wait(t, handle)
	assert.Equal(t, models.JobCancelled, snap.Job.Status)
	assert.Equal(t, 2, countStatus(snap.Units, models.UnitCancelled))
	assert.Equal(t, HealthStopped, h.engine.Health().Status)

	_, err = h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"whoami"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHealthDegradedWhenSaturated(t *testing.T) {
	h := newHarness(t, 1, func(o *Options) { o.JobTimeout = 30 * time.Second })
	sys := h.systems(2, models.PlatformLinux)

	handle, err := h.engine.Submit(context.Background(), models.JobRequest{
		Commands: []string{"sleep"}, SystemIDs: sys, FailurePolicy: models.BestEffort,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.engine.Health().Status == HealthDegraded }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Cancel(handle.ID))
	wait(t, handle)
	assert.Equal(t, HealthHealthy, h.engine.Health().Status)
}
