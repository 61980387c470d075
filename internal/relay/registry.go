package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/ledzpl/hads/internal/metrics"
)

// Registry maps each live peer address to its mailbox. It is shared by every
// session; a session only ever adds and removes its own entry.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*Mailbox

	metrics *metrics.Metrics
}

// NewRegistry constructs an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		peers:   make(map[string]*Mailbox),
		metrics: m,
	}
}

// Register inserts or replaces the mailbox for addr.
func (r *Registry) Register(addr string, mb *Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, replaced := r.peers[addr]; !replaced {
		r.metrics.Incr(metrics.Peers, 1)
	}
	r.peers[addr] = mb
}

// Deregister removes addr only while it still maps to mb, so a session can
// never remove an entry it does not own. It reports whether it removed one.
func (r *Registry) Deregister(addr string, mb *Mailbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.peers[addr]; !ok || current != mb {
		return false
	}
	delete(r.peers, addr)
	r.metrics.Decr(metrics.Peers, 1)
	return true
}

// Broadcast enqueues msg for every peer except sender and returns how many
// mailboxes accepted it. Closed or overflowing mailboxes never fail the
// broadcast as a whole.
func (r *Registry) Broadcast(sender, msg string) int {
	var delivered, dropped, overflowed int64

	r.mu.Lock()
	for addr, mb := range r.peers {
		if addr == sender {
			continue
		}
		switch err := mb.Send(msg); {
		case err == nil:
			delivered++
		case errors.Is(err, ErrMailboxFull):
			dropped++
			if mb.Overflowed() {
				overflowed++
			} else if mb.policy == DropOldest {
				delivered++
			}
		}
	}
	r.mu.Unlock()

	r.metrics.Incr(metrics.Broadcasts, 1)
	if dropped > 0 {
		r.metrics.Mark(metrics.Drops, dropped)
	}
	if overflowed > 0 {
		r.metrics.Mark(metrics.Overflows, overflowed)
	}
	return int(delivered)
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Addrs returns the registered addresses in sorted order.
func (r *Registry) Addrs() []string {
	r.mu.Lock()
	addrs := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		addrs = append(addrs, addr)
	}
	r.mu.Unlock()

	sort.Strings(addrs)
	return addrs
}

// Backlog returns the total number of messages queued across all mailboxes.
func (r *Registry) Backlog() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, mb := range r.peers {
		total += mb.Len()
	}
	return total
}
