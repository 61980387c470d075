package relay

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/ledzpl/hads/pkg/sshserver"
)

// dialSSH serves the relay's hub over SSH and returns a connected client.
func dialSSH(t *testing.T, r *testRelay) *ssh.Client {
	t.Helper()

	signer, err := sshserver.EphemeralSigner()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := sshserver.New("", signer, logger)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Serve(ctx, listener, SSHHandler(r.hub, ConnOptions{})) }()

	client, err := ssh.Dial("tcp", listener.Addr().String(), &ssh.ClientConfig{
		User:            "alice",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         waitFor,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type sshShell struct {
	t      *testing.T
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

func openShell(t *testing.T, client *ssh.Client) *sshShell {
	t.Helper()

	session, err := client.NewSession()
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	stdout, err := session.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	return &sshShell{t: t, stdin: stdin, stdout: bufio.NewReader(stdout)}
}

func (s *sshShell) send(line string) {
	s.t.Helper()
	_, err := io.WriteString(s.stdin, line+"\n")
	require.NoError(s.t, err)
}

func (s *sshShell) expect(want string) {
	s.t.Helper()

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := s.stdout.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case res := <-ch:
		require.NoError(s.t, res.err)
		require.Equal(s.t, want, strings.TrimRight(res.line, "\n"))
	case <-time.After(waitFor):
		s.t.Fatalf("timed out waiting for %q on ssh session", want)
	}
}

func TestSSHPeerJoinsTheRelay(t *testing.T) {
	r := startRelay(t, ConnOptions{})
	client := dialSSH(t, r)

	// The relay wants line-mode input, so a pty must be refused.
	ptySession, err := client.NewSession()
	require.NoError(t, err)
	require.Error(t, ptySession.RequestPty("xterm", 24, 80, ssh.TerminalModes{}))
	require.NoError(t, ptySession.Close())

	alice := openShell(t, client)
	require.Eventually(t, func() bool { return r.hub.Registry().Len() == 1 }, waitFor, 5*time.Millisecond)
	require.True(t, strings.HasPrefix(r.hub.Registry().Addrs()[0], "ssh://"))

	bob := r.connect(t, 2)

	alice.send("hello from ssh")
	bob.expect("MSG hello from ssh")

	bob.send("hi back")
	alice.expect("MSG hi back")

	alice.send("ping")
	alice.expect("PONG")
	bob.expectNothing()

	require.NoError(t, alice.stdin.Close())
	require.Eventually(t, func() bool { return r.hub.Registry().Len() == 1 }, waitFor, 5*time.Millisecond)
}

func TestSSHChannelsOnOneConnectionAreSeparatePeers(t *testing.T) {
	r := startRelay(t, ConnOptions{})
	client := dialSSH(t, r)

	first := openShell(t, client)
	second := openShell(t, client)
	require.Eventually(t, func() bool { return r.hub.Registry().Len() == 2 }, waitFor, 5*time.Millisecond)

	addrs := r.hub.Registry().Addrs()
	require.NotEqual(t, addrs[0], addrs[1])

	first.send("sibling hello")
	second.expect("MSG sibling hello")

	// The first channel leaving must not remove the second one's entry.
	require.NoError(t, first.stdin.Close())
	require.Eventually(t, func() bool { return r.hub.Registry().Len() == 1 }, waitFor, 5*time.Millisecond)

	bob := r.connect(t, 2)
	bob.send("still there?")
	second.expect("MSG still there?")
}
