package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrMailboxClosed is returned by Send once the owning session has ended.
	ErrMailboxClosed = errors.New("relay: mailbox closed")
	// ErrMailboxFull is returned by Send when the queue limit was hit and the
	// overflow policy had to discard something.
	ErrMailboxFull = errors.New("relay: mailbox full")
)

// OverflowPolicy decides what a bounded Mailbox does when it is full.
type OverflowPolicy int

const (
	// DropOldest evicts the head of the queue to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest discards the message being sent.
	DropNewest
	// Disconnect closes the mailbox; its session ends with ErrSlowConsumer.
	Disconnect
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case DropNewest:
		return "drop-newest"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy accepts the names produced by OverflowPolicy.String.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return 0, fmt.Errorf("relay: unknown overflow policy %q", s)
	}
}

// Mailbox is the per-connection relay queue. Any number of goroutines may
// Send; only the owning session receives. Send never blocks.
type Mailbox struct {
	mu         sync.Mutex
	queue      []string
	limit      int
	policy     OverflowPolicy
	closed     bool
	overflowed bool

	ready chan struct{}
}

// NewMailbox creates a mailbox holding at most limit messages. A limit of
// zero or less leaves the queue unbounded.
func NewMailbox(limit int, policy OverflowPolicy) *Mailbox {
	return &Mailbox{
		limit:  limit,
		policy: policy,
		ready:  make(chan struct{}, 1),
	}
}

// Send enqueues msg. With DropOldest the message is still queued when
// ErrMailboxFull is returned; the error reports the evicted one.
func (m *Mailbox) Send(msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMailboxClosed
	}

	var err error
	if m.limit > 0 && len(m.queue) >= m.limit {
		err = ErrMailboxFull
		switch m.policy {
		case DropNewest:
			return err
		case Disconnect:
			m.overflowed = true
			m.queue = nil
			m.closeLocked()
			return err
		default:
			m.queue[0] = ""
			m.queue = m.queue[1:]
		}
	}

	m.queue = append(m.queue, msg)
	m.signal()
	return err
}

// Ready fires when a message may be available or the mailbox was closed.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Recv pops the oldest queued message without blocking.
func (m *Mailbox) Recv() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		if m.closed {
			m.signal()
		}
		return "", false
	}

	msg := m.queue[0]
	m.queue[0] = ""
	m.queue = m.queue[1:]
	if len(m.queue) > 0 || m.closed {
		m.signal()
	}
	return msg, true
}

// Close marks the end of the stream. Queued messages can still be received.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closeLocked()
	m.mu.Unlock()
}

// Closed reports whether the mailbox was closed.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Overflowed reports whether the Disconnect policy closed the mailbox.
func (m *Mailbox) Overflowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflowed
}

// Len returns the number of queued messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mailbox) closeLocked() {
	if m.closed {
		return
	}
	m.closed = true
	m.signal()
}

func (m *Mailbox) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}
