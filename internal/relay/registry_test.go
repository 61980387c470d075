package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledzpl/hads/internal/metrics"
)

func TestRegistryBroadcastSkipsSender(t *testing.T) {
	reg := NewRegistry(nil)
	alice := NewMailbox(0, DropOldest)
	bob := NewMailbox(0, DropOldest)
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	delivered := reg.Broadcast("alice", "MSG hi")

	require.Equal(t, 1, delivered)
	require.Equal(t, []string{"MSG hi"}, drainMailbox(t, bob))
	require.Empty(t, drainMailbox(t, alice))
}

func TestRegistryDeregisterIsIdempotent(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(m)
	mb := NewMailbox(0, DropOldest)
	reg.Register("alice", mb)

	require.True(t, reg.Deregister("alice", mb))
	require.False(t, reg.Deregister("alice", mb))
	require.Zero(t, reg.Len())
	require.EqualValues(t, 0, m.Count(metrics.Peers))
}

func TestRegistryDeregisterOnlyRemovesOwnEntry(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(m)
	stale := NewMailbox(0, DropOldest)
	current := NewMailbox(0, DropOldest)
	reg.Register("alice", stale)
	reg.Register("alice", current)

	require.False(t, reg.Deregister("alice", stale))
	mb, ok := registered(reg, "alice")
	require.True(t, ok)
	require.Same(t, current, mb)
	require.EqualValues(t, 1, m.Count(metrics.Peers))

	require.True(t, reg.Deregister("alice", current))
	require.Zero(t, reg.Len())
}

func TestRegistryBacklogSumsQueues(t *testing.T) {
	reg := NewRegistry(nil)
	alice := NewMailbox(0, DropOldest)
	bob := NewMailbox(0, DropOldest)
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	reg.Broadcast("alice", "MSG 1")
	reg.Broadcast("alice", "MSG 2")
	reg.Broadcast("bob", "MSG 3")
	require.Equal(t, 3, reg.Backlog())

	drainMailbox(t, bob)
	require.Equal(t, 1, reg.Backlog())
}

func TestRegistryRegisterReplaces(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(m)
	first := NewMailbox(0, DropOldest)
	second := NewMailbox(0, DropOldest)

	reg.Register("alice", first)
	reg.Register("alice", second)

	require.Equal(t, 1, reg.Len())
	require.EqualValues(t, 1, m.Count(metrics.Peers))
	mb, ok := registered(reg, "alice")
	require.True(t, ok)
	require.Same(t, second, mb)
}

func TestRegistryBroadcastIgnoresClosedMailboxes(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(m)
	gone := NewMailbox(0, DropOldest)
	gone.Close()
	full := NewMailbox(1, DropNewest)
	require.NoError(t, full.Send("old"))
	live := NewMailbox(0, DropOldest)

	reg.Register("sender", NewMailbox(0, DropOldest))
	reg.Register("gone", gone)
	reg.Register("full", full)
	reg.Register("live", live)

	require.Equal(t, 1, reg.Broadcast("sender", "MSG x"))
	require.Equal(t, []string{"MSG x"}, drainMailbox(t, live))
	require.Equal(t, []string{"old"}, drainMailbox(t, full))
	require.EqualValues(t, 1, m.Count(metrics.Drops))
}

func TestRegistryBroadcastReportsOverflowDisconnects(t *testing.T) {
	m := metrics.New()
	reg := NewRegistry(m)
	slow := NewMailbox(1, Disconnect)
	reg.Register("slow", slow)

	require.Equal(t, 1, reg.Broadcast("sender", "MSG 1"))
	require.Equal(t, 0, reg.Broadcast("sender", "MSG 2"))
	require.True(t, slow.Overflowed())
	require.EqualValues(t, 1, m.Count(metrics.Overflows))
}

func TestRegistryAddrsSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, addr := range []string{"c:3", "a:1", "b:2"} {
		reg.Register(addr, NewMailbox(0, DropOldest))
	}
	require.Equal(t, []string{"a:1", "b:2", "c:3"}, reg.Addrs())
}

func TestRegistryConcurrentChurn(t *testing.T) {
	reg := NewRegistry(metrics.New())
	stable := NewMailbox(0, DropOldest)
	reg.Register("stable", stable)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("peer-%d", i)
			mb := NewMailbox(0, DropOldest)
			for j := 0; j < 50; j++ {
				reg.Register(addr, mb)
				reg.Broadcast(addr, "MSG "+addr)
				reg.Deregister(addr, mb)
			}
			mb.Close()
		}(i)
	}
	wg.Wait()

	require.Equal(t, []string{"stable"}, reg.Addrs())
	require.Len(t, drainMailbox(t, stable), workers*50)
}

// registered returns the mailbox stored for addr, if any.
func registered(reg *Registry, addr string) (*Mailbox, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	mb, ok := reg.peers[addr]
	return mb, ok
}
