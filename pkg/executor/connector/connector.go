// Package connector opens sessions to managed systems and runs single
// commands on them. Linux systems are reached over SSH and Windows systems
// over WinRM.
//
// Connectors never return Go errors to their callers. Every failure is
// reported inside the result as an *Error so the engine has one path for
// success and failure alike.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"orca/pkg/models"
)

// Phase tells whether a failure happened before or after the command started.
type Phase string

const (
	PhaseConnection Phase = "connection"
	PhaseCommand    Phase = "command"
)

// Kind classifies a failure.
type Kind string

const (
	KindAuth           Kind = "auth"
	KindUnreachable    Kind = "unreachable"
	KindHandshake      Kind = "handshake"
	KindConnectTimeout Kind = "connect_timeout"
	KindTimeout        Kind = "timeout"
	KindExitStatus     Kind = "exit_status"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal"
)

// Error is the structured failure carried by connector results.
type Error struct {
	Phase   Phase
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Phase, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Phase, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConnection reports whether the command never got to run.
func (e *Error) IsConnection() bool { return e != nil && e.Phase == PhaseConnection }

func connErr(kind Kind, msg string, err error) *Error {
	return &Error{Phase: PhaseConnection, Kind: kind, Message: msg, Err: err}
}

func cmdErr(kind Kind, msg string, err error) *Error {
	return &Error{Phase: PhaseCommand, Kind: kind, Message: msg, Err: err}
}

// ConnectionResult is the outcome of a reachability probe.
type ConnectionResult struct {
	Success      bool              `json:"success"`
	ResponseTime time.Duration     `json:"response_time"`
	SystemInfo   map[string]string `json:"system_info,omitempty"`
	Err          *Error            `json:"-"`
}

// CommandResult is the outcome of one command run.
type CommandResult struct {
	Success   bool
	ExitCode  *int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Truncated bool
	Err       *Error
}

// Connector is implemented once per platform.
type Connector interface {
	Platform() models.Platform
	// Probe checks that the system accepts a session and can run whoami.
	Probe(ctx context.Context, target models.Target) ConnectionResult
	// Run executes exactly one command. The connection phase is bounded by
	// the connector's connect timeout and the whole attempt by timeout.
	Run(ctx context.Context, target models.Target, command string, timeout time.Duration) CommandResult
}

// Options are shared by every connector variant.
type Options struct {
	ConnectTimeout time.Duration
	// CommandTimeout applies when Run is called with a zero timeout.
	CommandTimeout time.Duration
	// OutputLimit caps each captured stream. The tail is kept.
	OutputLimit int
	// InsecureTLS skips certificate checks for WinRM over HTTPS.
	InsecureTLS bool
	Logger      *zap.Logger
}

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultCommandTimeout = 5 * time.Minute
	DefaultOutputLimit    = 64 * 1024
)

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = DefaultOutputLimit
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// probeCommand is what Probe runs on both platforms.
const probeCommand = "whoami"

func probeFromRun(res CommandResult) ConnectionResult {
	out := ConnectionResult{
		Success: res.Success,
		Err:     res.Err,
	}
	if res.Success {
		out.ResponseTime = res.Duration
		out.SystemInfo = map[string]string{"whoami_output": trimOutput(res.Stdout)}
	}
	return out
}

// abortReason picks the error for an attempt whose context ended early.
// A cancelled parent means the caller gave up, anything else is our deadline.
func abortReason(parent context.Context, phase Phase, timeoutKind Kind) *Error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return &Error{Phase: phase, Kind: KindCancelled, Message: "aborted by caller", Err: parent.Err()}
	}
	return &Error{Phase: phase, Kind: timeoutKind, Message: "deadline exceeded", Err: context.DeadlineExceeded}
}

// classifyDial turns a TCP dial failure into a connection error.
func classifyDial(parent, connectCtx context.Context, err error) *Error {
	if connectCtx.Err() != nil {
		return abortReason(parent, PhaseConnection, KindConnectTimeout)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return connErr(KindConnectTimeout, "dial timed out", err)
	}
	return connErr(KindUnreachable, "dial failed", err)
}

// tailBuffer is an io.Writer that keeps the last limit bytes written.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if n >= b.limit {
		if n > b.limit || len(b.buf) > 0 {
			b.truncated = true
		}
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

func trimOutput(s string) string {
	return strings.TrimRight(s, " \r\n")
}

func intPtr(v int) *int { return &v }
