package resilience

import (
	"context"
	"errors"
	"time"

	"orca/pkg/executor/connector"
	"orca/pkg/models"
)

// errConnection marks a result that should count against the host's breaker.
var errConnection = errors.New("connection failure")

// guarded wraps a connector so repeated connection failures to one host stop
// further attempts for a while. Command failures and cancellations do not
// count, and nothing is retried.
type guarded struct {
	inner    connector.Connector
	breakers *Breakers
}

// Guard returns a wrapper suitable for connector.Set.Wrap.
func Guard(breakers *Breakers) func(connector.Connector) connector.Connector {
	return func(c connector.Connector) connector.Connector {
		return &guarded{inner: c, breakers: breakers}
	}
}

func (g *guarded) Platform() models.Platform { return g.inner.Platform() }

// Probe is passed straight through so health checks still see the host.
func (g *guarded) Probe(ctx context.Context, target models.Target) connector.ConnectionResult {
	return g.inner.Probe(ctx, target)
}

func (g *guarded) Run(ctx context.Context, target models.Target, command string, timeout time.Duration) connector.CommandResult {
	host := target.System.HostPort()
	var res connector.CommandResult
	err := g.breakers.For(host).Execute(ctx, func() error {
		res = g.inner.Run(ctx, target, command, timeout)
		if countsAgainstHost(res.Err) {
			return errConnection
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return connector.CommandResult{Err: &connector.Error{
			Phase:   connector.PhaseConnection,
			Kind:    connector.KindUnreachable,
			Message: "too many recent connection failures to " + host,
			Err:     ErrCircuitOpen,
		}}
	case err != nil && !errors.Is(err, errConnection):
		// Context was already done before the attempt.
		return connector.CommandResult{Err: &connector.Error{
			Phase:   connector.PhaseConnection,
			Kind:    connector.KindCancelled,
			Message: "aborted before connecting",
			Err:     err,
		}}
	}
	return res
}

func countsAgainstHost(e *connector.Error) bool {
	return e.IsConnection() && e.Kind != connector.KindCancelled
}
