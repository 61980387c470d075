package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Server accepts TCP connections and hands each one to the hub.
type Server struct {
	Addr string

	hub    *Hub
	opts   ConnOptions
	logger *slog.Logger

	conns sync.WaitGroup
}

// NewServer creates a Server listening on addr once started.
func NewServer(addr string, hub *Hub, opts ConnOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Addr:   addr,
		hub:    hub,
		opts:   opts,
		logger: logger,
	}
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled or
// accepting fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("relay: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener. It returns ctx.Err() after
// cancellation, once every connection it started has finished. Any other
// accept failure is fatal: the sessions it started are cancelled and waited
// for before the error is returned.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	sessions, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := make(chan struct{})
	defer close(shutdown)

	go func() {
		select {
		case <-ctx.Done():
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("listener close error", "error", err)
			}
		case <-shutdown:
		}
	}()

	s.logger.Info("listening", "addr", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.conns.Wait()
				return ctx.Err()
			default:
			}
			cancel()
			s.conns.Wait()
			return fmt.Errorf("relay: accept: %w", err)
		}

		s.conns.Add(1)
		go s.handleConn(sessions, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.conns.Done()

	s.logger.Debug("accepted connection", "remote", conn.RemoteAddr())
	_ = s.hub.Serve(ctx, NewTCPConn(conn, s.opts))
}
