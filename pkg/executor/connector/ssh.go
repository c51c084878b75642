package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"orca/pkg/models"
)

// SSH runs commands on Linux systems.
type SSH struct {
	opts            Options
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSH builds the Linux connector. Host keys are not verified unless
// WithHostKeyCallback is used.
func NewSSH(opts Options) *SSH {
	return &SSH{
		opts:            opts.withDefaults(),
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
}

// WithHostKeyCallback sets how server host keys are checked.
func (c *SSH) WithHostKeyCallback(cb ssh.HostKeyCallback) *SSH {
	c.hostKeyCallback = cb
	return c
}

func (c *SSH) Platform() models.Platform { return models.PlatformLinux }

func (c *SSH) Probe(ctx context.Context, target models.Target) ConnectionResult {
	return probeFromRun(c.Run(ctx, target, probeCommand, c.opts.ConnectTimeout*2))
}

func (c *SSH) Run(ctx context.Context, target models.Target, command string, timeout time.Duration) CommandResult {
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

	client, cerr := c.dial(ctx, runCtx, target)
	if cerr != nil {
		log.Debug("ssh connection failed", zap.Error(cerr))
		return CommandResult{Duration: time.Since(start), Err: cerr}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{Duration: time.Since(start), Err: connErr(KindHandshake, "open session", err)}
	}
	defer session.Close()

	stdout := newTailBuffer(c.opts.OutputLimit)
	stderr := newTailBuffer(c.opts.OutputLimit)
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case <-runCtx.Done():
		// Closing the client is the only way to interrupt a blocked session.
		_ = client.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		res := c.result(start, stdout, stderr)
		res.Err = abortReason(ctx, PhaseCommand, KindTimeout)
		log.Debug("ssh command aborted", zap.String("kind", string(res.Err.Kind)))
		return res
	case runErr = <-done:
	}

	res := c.result(start, stdout, stderr)
	if runErr == nil {
		res.Success = true
		res.ExitCode = intPtr(0)
		return res
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = intPtr(exitErr.ExitStatus())
		res.Err = cmdErr(KindExitStatus, fmt.Sprintf("exited with status %d", exitErr.ExitStatus()), runErr)
		return res
	}
	var missing *ssh.ExitMissingError
	if errors.As(runErr, &missing) {
		res.Err = cmdErr(KindInternal, "session closed without exit status", runErr)
		return res
	}
	res.Err = cmdErr(KindInternal, "run command", runErr)
	return res
}

func (c *SSH) result(start time.Time, stdout, stderr *tailBuffer) CommandResult {
	return CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}
}

// dial opens the TCP connection and runs the SSH handshake, both bounded by
// the connect timeout.
func (c *SSH) dial(parent, runCtx context.Context, target models.Target) (*ssh.Client, *Error) {
	auth, err := authMethods(target.Credential)
	if err != nil {
		return nil, connErr(KindAuth, "credentials", err)
	}

	connectCtx, cancel := context.WithTimeout(runCtx, c.opts.ConnectTimeout)
	defer cancel()

	addr := target.System.HostPort()
	cfg := &ssh.ClientConfig{
		User:            target.Credential.Username,
		Auth:            auth,
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.opts.ConnectTimeout,
		BannerCallback:  func(string) error { return nil },
	}

	var d net.Dialer
	conn, err := d.DialContext(connectCtx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(parent, connectCtx, err)
	}

	stop := context.AfterFunc(connectCtx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			_ = sshConn.Close()
		}
		return nil, abortReason(parent, PhaseConnection, KindConnectTimeout)
	}
	if err != nil {
		_ = conn.Close()
		return nil, classifyHandshake(err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyHandshake(err error) *Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no supported methods remain"):
		return connErr(KindAuth, "authentication rejected", err)
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return connErr(KindConnectTimeout, "handshake timed out", err)
		}
		return connErr(KindHandshake, "ssh handshake", err)
	}
}

func authMethods(cred models.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cred.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no password or private key configured")
	}
	return methods, nil
}
