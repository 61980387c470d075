package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/ledzpl/hads/internal/metrics"
)

// ErrSlowConsumer ends a session whose mailbox overflowed under the
// Disconnect policy.
var ErrSlowConsumer = errors.New("relay: peer fell behind its relay queue")

// chatPrefix tags every relayed line.
const chatPrefix = "MSG "

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is one connected peer: its transport, its mailbox and its entry in
// the registry. It is owned by the goroutine running Hub.Serve.
type Session struct {
	id   string
	addr string

	conn     Conn
	mailbox  *Mailbox
	registry *Registry
	limiter  *rate.Limiter

	logger  *slog.Logger
	metrics *metrics.Metrics

	state   atomic.Int32
	workers sync.WaitGroup
	cleanup sync.Once
}

type readResult struct {
	line string
	err  error
}

// Addr returns the registry key of the session.
func (s *Session) Addr() string {
	return s.addr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// run is the connection loop. Each iteration consumes exactly one event:
// a relayed message or an inbound line.
func (s *Session) run(ctx context.Context) error {
	defer s.close()

	lines := make(chan readResult)
	done := make(chan struct{})
	defer close(done)

	s.setState(StateActive)
	s.workers.Add(1)
	go s.readLines(lines, done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.mailbox.Ready():
			msg, ok := s.mailbox.Recv()
			if !ok {
				if s.mailbox.Overflowed() {
					return ErrSlowConsumer
				}
				if s.mailbox.Closed() {
					return nil
				}
				continue
			}
			if err := s.writeLine(msg); err != nil {
				return fmt.Errorf("relay: write: %w", err)
			}

		case res, ok := <-lines:
			if !ok {
				return nil
			}
			if res.err != nil {
				if Recoverable(res.err) {
					s.metrics.Incr(metrics.ReadErrors, 1)
					s.logger.Error("an error occurred while processing messages", "error", res.err)
					continue
				}
				return fmt.Errorf("relay: read: %w", res.err)
			}
			if err := s.handleLine(res.line); err != nil {
				return err
			}
		}
	}
}

// readLines feeds inbound lines to the loop until EOF, a fatal read error, or
// done is closed.
func (s *Session) readLines(out chan<- readResult, done <-chan struct{}) {
	defer s.workers.Done()
	defer close(out)

	for {
		line, err := s.conn.ReadLine()
		if errors.Is(err, io.EOF) {
			return
		}
		select {
		case out <- readResult{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil && !Recoverable(err) {
			return
		}
	}
}

func (s *Session) handleLine(line string) error {
	s.metrics.Incr(metrics.LinesIn, 1)

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.Mark(metrics.Drops, 1)
		s.logger.Debug("rate limited; line dropped")
		return nil
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		s.logger.Debug("relaying chat line", "reason", err)
		s.broadcast(line)
		return nil
	}

	if err := cmd.Execute(s); err != nil {
		return fmt.Errorf("relay: execute: %w", err)
	}
	if cmd.Relayed() {
		s.broadcast(line)
	}
	return nil
}

func (s *Session) broadcast(line string) {
	s.registry.Broadcast(s.addr, chatPrefix+line)
}

func (s *Session) writeLine(line string) error {
	if err := s.conn.WriteLine(line); err != nil {
		return err
	}
	s.metrics.Incr(metrics.LinesOut, 1)
	return nil
}

// close deregisters the session exactly once, on every exit path.
func (s *Session) close() {
	s.cleanup.Do(func() {
		s.setState(StateClosing)
		s.registry.Deregister(s.addr, s.mailbox)
		s.mailbox.Close()
		_ = s.conn.Close()
		s.workers.Wait()
		s.metrics.Decr(metrics.Sessions, 1)
		s.setState(StateClosed)
	})
}
