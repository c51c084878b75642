package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/masterzen/winrm"
	"go.uber.org/zap"

	"orca/pkg/models"
)

// WinRM runs commands on Windows systems through the WS-Management API.
type WinRM struct {
	opts Options
}

func NewWinRM(opts Options) *WinRM {
	return &WinRM{opts: opts.withDefaults()}
}

func (c *WinRM) Platform() models.Platform { return models.PlatformWindows }

func (c *WinRM) Probe(ctx context.Context, target models.Target) ConnectionResult {
	return probeFromRun(c.Run(ctx, target, probeCommand, c.opts.ConnectTimeout*2))
}

func (c *WinRM) Run(ctx context.Context, target models.Target, command string, timeout time.Duration) CommandResult {
	start := time.Now()
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := c.opts.Logger.With(
		zap.String("system", target.System.Name),
		zap.String("addr", target.System.HostPort()),
	)

	// WinRM is plain HTTP, so a TCP pre-flight is what separates an
	// unreachable host from a slow command.
	if cerr := c.preflight(ctx, runCtx, target); cerr != nil {
		log.Debug("winrm connection failed", zap.Error(cerr))
		return CommandResult{Duration: time.Since(start), Err: cerr}
	}

	client, err := c.client(target, timeout)
	if err != nil {
		return CommandResult{Duration: time.Since(start), Err: connErr(KindInternal, "build winrm client", err)}
	}

	stdoutRaw, stderrRaw, exitCode, err := client.RunWithContextWithString(runCtx, command, "")

	stdout := newTailBuffer(c.opts.OutputLimit)
	stderr := newTailBuffer(c.opts.OutputLimit)
	_, _ = stdout.Write([]byte(stdoutRaw))
	_, _ = stderr.Write([]byte(stderrRaw))
	res := CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}

	if runCtx.Err() != nil {
		res.Err = abortReason(ctx, PhaseCommand, KindTimeout)
		log.Debug("winrm command aborted", zap.String("kind", string(res.Err.Kind)))
		return res
	}
	if err != nil {
		res.Err = classifyWinRM(err)
		return res
	}

	res.ExitCode = intPtr(exitCode)
	if exitCode != 0 {
		res.Err = cmdErr(KindExitStatus, fmt.Sprintf("exited with status %d", exitCode), nil)
		return res
	}
	res.Success = true
	return res
}

func (c *WinRM) preflight(parent, runCtx context.Context, target models.Target) *Error {
	if target.Credential.Username == "" || target.Credential.Password == "" {
		return connErr(KindAuth, "credentials", errors.New("winrm needs a username and password"))
	}
	connectCtx, cancel := context.WithTimeout(runCtx, c.opts.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(connectCtx, "tcp", target.System.HostPort())
	if err != nil {
		return classifyDial(parent, connectCtx, err)
	}
	_ = conn.Close()
	return nil
}

func (c *WinRM) client(target models.Target, timeout time.Duration) (*winrm.Client, error) {
	host, portStr, err := net.SplitHostPort(target.System.HostPort())
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	endpoint := winrm.NewEndpoint(host, port, target.System.UseTLS, c.opts.InsecureTLS, nil, nil, nil, timeout)
	return winrm.NewClient(endpoint, target.Credential.Username, target.Credential.Password)
}

// classifyWinRM maps transport errors. The library reports HTTP failures
// as formatted strings only.
func classifyWinRM(err error) *Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401"):
		return connErr(KindAuth, "authentication rejected", err)
	case strings.Contains(msg, "http error"), strings.Contains(msg, "http response error"):
		return connErr(KindHandshake, "winrm protocol error", err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return connErr(KindUnreachable, "winrm transport", err)
	}
	return cmdErr(KindInternal, "run command", err)
}
