// Package relay implements the line relay: a shared peer registry, one
// mailbox per connection, and the per-connection loop that multiplexes socket
// lines with relayed messages.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ledzpl/hads/internal/metrics"
)

// DefaultQueueLimit bounds each mailbox unless WithQueueLimit overrides it.
const DefaultQueueLimit = 1024

var (
	// ErrNoPeerAddress is returned when a connection has no usable remote address.
	ErrNoPeerAddress = errors.New("relay: peer address unavailable")
	// ErrHubClosed is returned by Serve once Wait has been called.
	ErrHubClosed = errors.New("relay: hub closed")
)

// Hub owns the registry and runs a session for every connection handed to
// Serve, whichever listener accepted it.
type Hub struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	queueLimit int
	overflow   OverflowPolicy
	rateLimit  rate.Limit
	rateBurst  int

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used for hub and session events.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records registry and session activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithQueueLimit bounds every mailbox to limit messages; zero means unbounded.
func WithQueueLimit(limit int, policy OverflowPolicy) Option {
	return func(h *Hub) {
		h.queueLimit = limit
		h.overflow = policy
	}
}

// WithRateLimit drops inbound lines beyond perSecond with the given burst.
// A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Hub) {
		if perSecond <= 0 {
			h.rateLimit = 0
			return
		}
		if burst <= 0 {
			burst = 1
		}
		h.rateLimit = rate.Limit(perSecond)
		h.rateBurst = burst
	}
}

// NewHub constructs a Hub with an empty registry.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:     slog.Default(),
		queueLimit: DefaultQueueLimit,
		overflow:   DropOldest,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registry = NewRegistry(h.metrics)
	return h
}

// Registry exposes the shared peer registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Metrics returns the hub's metrics, which may be nil.
func (h *Hub) Metrics() *metrics.Metrics {
	return h.metrics
}

// Serve registers conn, runs its connection loop until the peer disconnects,
// the transport fails or ctx is cancelled, and always deregisters it before
// returning. conn is closed on return.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrHubClosed
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	s, err := h.newSession(conn)
	if err != nil {
		_ = conn.Close()
		h.logger.Warn("registration failed", "error", err)
		return err
	}

	s.logger.Debug("registered", "peers", h.registry.Len())
	err = s.run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		s.logger.Debug("disconnected")
		return nil
	case errors.Is(err, ErrSlowConsumer):
		s.logger.Warn("disconnected slow peer", "error", err)
	default:
		s.logger.Info("an error occurred", "error", err)
	}
	return err
}

// Wait refuses further sessions and blocks until every session started by
// Serve has returned.
func (h *Hub) Wait() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.sessions.Wait()
}

func (h *Hub) newSession(conn Conn) (*Session, error) {
	addr := conn.RemoteAddr()
	if addr == nil {
		return nil, ErrNoPeerAddress
	}

	s := &Session{
		id:       uuid.NewString(),
		addr:     addr.String(),
		conn:     conn,
		mailbox:  NewMailbox(h.queueLimit, h.overflow),
		registry: h.registry,
		metrics:  h.metrics,
	}
	if h.rateLimit > 0 {
		s.limiter = rate.NewLimiter(h.rateLimit, h.rateBurst)
	}
	s.logger = h.logger.With("peer", s.addr, "session", s.id)
	s.setState(StateConnecting)

	h.registry.Register(s.addr, s.mailbox)
	s.setState(StateRegistered)
	h.metrics.Incr(metrics.Sessions, 1)
	return s, nil
}
