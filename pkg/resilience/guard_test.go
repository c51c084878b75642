package resilience_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca/pkg/executor/connector"
	"orca/pkg/models"
	. "orca/pkg/resilience"
)

type scriptedConnector struct {
	calls atomic.Int32
	err   *connector.Error
}

func (s *scriptedConnector) Platform() models.Platform { return models.PlatformLinux }

func (s *scriptedConnector) Probe(ctx context.Context, _ models.Target) connector.ConnectionResult {
	return connector.ConnectionResult{Success: true}
}

func (s *scriptedConnector) Run(ctx context.Context, _ models.Target, _ string, _ time.Duration) connector.CommandResult {
	s.calls.Add(1)
	if s.err != nil {
		return connector.CommandResult{Err: s.err}
	}
	zero := 0
	return connector.CommandResult{Success: true, ExitCode: &zero}
}

func target(addr string) models.Target {
	return models.Target{System: models.System{Name: addr, Address: addr, Platform: models.PlatformLinux}}
}

func TestGuard_OpensOnConnectionFailures(t *testing.T) {
	inner := &scriptedConnector{err: &connector.Error{Phase: connector.PhaseConnection, Kind: connector.KindUnreachable}}
	breakers := NewBreakers(CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, nil)
	c := Guard(breakers)(inner)

	for i := 0; i < 2; i++ {
		res := c.Run(context.Background(), target("10.1.0.1"), "uptime", time.Second)
		require.NotNil(t, res.Err)
	}

	res := c.Run(context.Background(), target("10.1.0.1"), "uptime", time.Second)
	require.NotNil(t, res.Err)
	assert.Equal(t, connector.PhaseConnection, res.Err.Phase)
	assert.True(t, errors.Is(res.Err, ErrCircuitOpen))
	assert.Equal(t, int32(2), inner.calls.Load())

	// Other hosts have their own breaker.
	c.Run(context.Background(), target("10.1.0.2"), "uptime", time.Second)
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, CircuitOpen, breakers.For("10.1.0.1:22").State())
	assert.Equal(t, CircuitClosed, breakers.For("10.1.0.2:22").State())
}

func TestGuard_CommandFailuresDoNotTrip(t *testing.T) {
	inner := &scriptedConnector{err: &connector.Error{Phase: connector.PhaseCommand, Kind: connector.KindExitStatus}}
	breakers := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute}, nil)
	c := Guard(breakers)(inner)

	for i := 0; i < 3; i++ {
		res := c.Run(context.Background(), target("10.1.0.3"), "false", time.Second)
		require.NotNil(t, res.Err)
		assert.Equal(t, connector.KindExitStatus, res.Err.Kind)
	}
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, CircuitClosed, breakers.For("10.1.0.3:22").State())
	assert.Len(t, breakers.Snapshot(), 1)
}

func TestGuard_PassesProbeThrough(t *testing.T) {
	inner := &scriptedConnector{}
	c := Guard(NewBreakers(DefaultCircuitBreakerConfig(), nil))(inner)

	assert.True(t, c.Probe(context.Background(), target("10.1.0.4")).Success)
	assert.Equal(t, models.PlatformLinux, c.Platform())
}
