package connector

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"orca/pkg/models"
)

const (
	testUser     = "orca"
	testPassword = "secret"
)

// testSSHServer is a minimal exec-only SSH server:
//
//	whoami        prints the user
//	exit N        writes to stderr and exits with N
//	sleep         blocks until the client disconnects
//	flood N       writes N bytes followed by END
type testSSHServer struct {
	ln     net.Listener
	cfg    *ssh.ServerConfig
	closed atomic.Int32
}

func startSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testSSHServer{ln: ln, cfg: cfg}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *testSSHServer) target(password string) models.Target {
	host, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return models.Target{
		System: models.System{
			Name:     "test-linux",
			Address:  host,
			Port:     port,
			Platform: models.PlatformLinux,
		},
		Credential: models.Credential{Username: testUser, Password: password},
	}
}

func (s *testSSHServer) serve() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc)
	}
}

func (s *testSSHServer) handleConn(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	gone := make(chan struct{})
	go func() {
		_ = sconn.Wait()
		s.closed.Add(1)
		close(gone)
	}()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, creqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, creqs, gone)
	}
}

func (s *testSSHServer) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request, gone <-chan struct{}) {
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			continue
		}
		_ = req.Reply(true, nil)
		go s.exec(ch, payload.Command, gone)
	}
}

func (s *testSSHServer) exec(ch ssh.Channel, command string, gone <-chan struct{}) {
	code := 0
	fields := strings.Fields(command)
	switch {
	case command == "whoami":
		_, _ = ch.Write([]byte(testUser + "\n"))
	case len(fields) == 2 && fields[0] == "exit":
		code, _ = strconv.Atoi(fields[1])
		_, _ = ch.Stderr().Write([]byte("boom\n"))
	case command == "sleep":
		select {
		case <-gone:
		case <-time.After(30 * time.Second):
		}
		return
	case len(fields) == 2 && fields[0] == "flood":
		n, _ := strconv.Atoi(fields[1])
		_, _ = ch.Write([]byte(strings.Repeat("x", n) + "END"))
	default:
		_, _ = ch.Stderr().Write([]byte("unknown command\n"))
		code = 127
	}
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
	_ = ch.Close()
}
