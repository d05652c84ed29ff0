package membership

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type noopNotifier struct{}

func (noopNotifier) OnMemberChange(Member) {}

func newTestGossiper(t *testing.T, nodeID string, seeds []string) (*Gossiper, string) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.NodeID = nodeID
	cfg.GossipAddr = conn.LocalAddr().String()
	cfg.TransportAddr = "127.0.0.1:0"
	cfg.SeedPeers = seeds
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.SuspectTimeout = 300 * time.Millisecond
	cfg.BootstrapGrace = 2 * time.Second

	g := NewGossiper(cfg, conn, nil, noopNotifier{})
	return g, cfg.GossipAddr
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestTwoNodesConvergeToAlive(t *testing.T) {
	a, addrA := newTestGossiper(t, "A", nil)
	b, _ := newTestGossiper(t, "B", []string{addrA})
	defer a.Stop()
	defer b.Stop()

	a.Start()
	b.Start()

	waitUntil(t, 2*time.Second, func() bool {
		_, okA := a.table.get("B")
		_, okB := b.table.get("A")
		return okA && okB
	})

	mb, _ := a.table.get("B")
	require.Equal(t, Alive, mb.State)
}

// First half of S6 from spec.md §8 (three nodes, drop packets to A, expect
// B and C to mark A Failed). Refutation is covered by
// TestSelfRefutationIncrementsIncarnation.
func TestSuspicionLeadsToFailure(t *testing.T) {
	a, addrA := newTestGossiper(t, "A", nil)
	b, addrB := newTestGossiper(t, "B", []string{addrA})
	c, _ := newTestGossiper(t, "C", []string{addrA, addrB})
	defer a.Stop()
	defer b.Stop()
	defer c.Stop()

	a.Start()
	b.Start()
	c.Start()

	waitUntil(t, 2*time.Second, func() bool {
		_, okAB := b.table.get("A")
		_, okAC := c.table.get("A")
		return okAB && okAC
	})

	// Simulate a total partition of A: stop its socket so it can neither
	// send nor receive, without going through the graceful Stop() (we want
	// B/C to observe silence, not a Leave rumor).
	_ = a.conn.Close()
	a.stopOnce.Do(func() { close(a.stopCh) })

	waitUntil(t, 3*time.Second, func() bool {
		mb, _ := b.table.get("A")
		mc, _ := c.table.get("A")
		return mb.State == Failed && mc.State == Failed
	})
	_ = addrA
}

// Unit-level complement to TestSuspicionLeadsToFailure: once a node
// observes a Suspect claim about itself, it must increment its incarnation
// and broadcast Alive with the new incarnation (spec.md §4.5).
func TestSelfRefutationIncrementsIncarnation(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	cfg := DefaultConfig()
	cfg.NodeID = "A"
	cfg.GossipAddr = conn.LocalAddr().String()
	cfg.TransportAddr = "127.0.0.1:0"

	g := NewGossiper(cfg, conn, nil, noopNotifier{})

	g.applyClaim(Suspect, "A", 1, "")

	self, ok := g.table.get("A")
	require.True(t, ok)
	require.Equal(t, Alive, self.State)
	require.EqualValues(t, 2, self.Incarnation)
}
