package relay

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// errShellNotRequested indicates the SSH client closed the request stream without asking for a shell.
var errShellNotRequested = errors.New("relay: shell request not received before channel closed")

// SSHHandler returns a session handler that joins each SSH shell channel to
// the hub as one more line peer, keyed ssh://host:port/<channel>.
func SSHHandler(hub *Hub, opts ConnOptions) func(context.Context, *ssh.ServerConn, ssh.Channel, <-chan *ssh.Request) {
	var channels atomic.Uint64
	return func(ctx context.Context, conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
		if err := awaitShell(requests); err != nil {
			_ = channel.Close()
			hub.logger.Debug("ssh channel closed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		go drainRequests(requests)

		// One SSH connection may carry several shell channels.
		addr := SchemeAddr{Scheme: "ssh", Channel: channels.Add(1), Addr: conn.RemoteAddr()}
		_ = hub.Serve(ctx, NewStreamConn(channel, addr, opts))
	}
}

// awaitShell answers channel requests until the client asks for a shell.
func awaitShell(requests <-chan *ssh.Request) error {
	for req := range requests {
		if handleRequest(req) {
			return nil
		}
	}
	return errShellNotRequested
}

func drainRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		handleRequest(req)
	}
}

// handleRequest refuses pty-req so the client keeps its terminal in line
// mode and sends newline-terminated input.
func handleRequest(req *ssh.Request) bool {
	switch req.Type {
	case "shell":
		_ = req.Reply(true, nil)
		return true
	case "env", "window-change", "signal":
		_ = req.Reply(true, nil)
	default:
		_ = req.Reply(false, nil)
	}
	return false
}
