package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/andrebassi/edgeproxy/internal/changelog"
	"github.com/andrebassi/edgeproxy/internal/config"
	"github.com/andrebassi/edgeproxy/internal/hlc"
	"github.com/andrebassi/edgeproxy/internal/store"
	"github.com/stretchr/testify/require"
)

func loopbackConfig(nodeID string) *config.Config {
	cfg := config.Default()
	cfg.NodeID = nodeID
	cfg.GossipAddr = "127.0.0.1:0"
	cfg.TransportAddr = "127.0.0.1:0"
	cfg.ClusterSecret = "test-secret"
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.ProbeTimeout = 50 * time.Millisecond
	cfg.SuspectTimeout = 200 * time.Millisecond
	cfg.ReconcileInterval = time.Second
	return cfg
}

func TestAgentStartStopIdempotent(t *testing.T) {
	cfg := loopbackConfig("solo")
	a := New(cfg, nil, nil)
	require.False(t, a.IsRunning())
	require.NoError(t, a.Start(context.Background()))
	require.True(t, a.IsRunning())

	a.Stop()
	require.False(t, a.IsRunning())
	a.Stop() // idempotent
}

func TestAgentReplicatesBindingChangeToPeer(t *testing.T) {
	ctx := context.Background()

	cfgA := loopbackConfig("A")
	agentA := New(cfgA, nil, nil)
	require.NoError(t, agentA.Start(ctx))
	defer agentA.Stop()

	cfgB := loopbackConfig("B")
	cfgB.BootstrapPeers = []string{cfgA.GossipAddr}
	agentB := New(cfgB, nil, nil)
	require.NoError(t, agentB.Start(ctx))
	defer agentB.Stop()

	require.Eventually(t, func() bool {
		return len(agentA.gossip.AliveExcludingSelf()) == 1 && len(agentB.gossip.AliveExcludingSelf()) == 1
	}, 2*time.Second, 10*time.Millisecond, "nodes must discover each other via gossip")

	clientIP := net.ParseIP("10.0.0.5")
	agentA.RecordBindingChange(clientIP, changelog.Insert, store.Binding{BackendID: "backend-1"})

	require.Eventually(t, func() bool {
		b, ok := agentB.Bindings().Get(store.NewClientKey(clientIP))
		return ok && b.BackendID == "backend-1"
	}, 3*time.Second, 20*time.Millisecond, "binding change must propagate to peer via broadcast")
}

func TestAgentFlushIsNoopWithNothingPending(t *testing.T) {
	cfg := loopbackConfig("solo2")
	a := New(cfg, nil, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	a.Flush(context.Background()) // must not panic with an empty buffer
}

func TestRecordBackendChangeFlushesEarlyOnThreshold(t *testing.T) {
	cfg := loopbackConfig("solo3")
	cfg.FlushInterval = time.Hour // disable the ticker; only the threshold should trigger a flush
	cfg.FlushThreshold = 3
	a := New(cfg, nil, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	a.RecordBackendChange("b1", changelog.Insert, []byte("p1"))
	a.RecordBackendChange("b2", changelog.Insert, []byte("p2"))
	require.EqualValues(t, 2, a.log.Pending(), "below threshold: must not have flushed yet")

	a.RecordBackendChange("b3", changelog.Insert, []byte("p3"))
	require.EqualValues(t, 0, a.log.Pending(), "crossing flush_threshold must trigger an immediate flush")
}

// TestProjectChangeSetIgnoresStaleLateArrival reproduces delayed anti-entropy
// delivery of a stale binding update for a ClientKey that has already been
// overwritten by a fresher one: the stale update must still be merged into
// the log (idempotent replay), but must never clobber BindingStore, since
// BindingStore has no HLC of its own to arbitrate with (spec.md §8 invariant
// 2/4 monotonicity is only guaranteed by RowStore's LWW check).
func TestProjectChangeSetIgnoresStaleLateArrival(t *testing.T) {
	cfg := loopbackConfig("solo4")
	a := New(cfg, nil, nil)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	clientIP := net.ParseIP("10.0.0.9")
	key := clientIP.String()

	fresh := store.Binding{BackendID: "backend-fresh"}
	freshPayload, err := encodeBinding(fresh)
	require.NoError(t, err)
	freshCS := changelog.NewChangeSet("A", 5, []changelog.Change{
		{Table: tableBindings, Key: key, Kind: changelog.Insert, Payload: freshPayload,
			HLC: hlc.Timestamp{PhysicalMS: 200, Logical: 0, Node: "A"}},
	})
	_, applied, won := a.log.Merge(freshCS)
	require.True(t, applied)
	a.projectChangeSet(freshCS.Source, won)

	b, ok := a.Bindings().Get(store.NewClientKey(clientIP))
	require.True(t, ok)
	require.Equal(t, "backend-fresh", b.BackendID)

	stale := store.Binding{BackendID: "backend-stale"}
	stalePayload, err := encodeBinding(stale)
	require.NoError(t, err)
	staleCS := changelog.NewChangeSet("A", 3, []changelog.Change{
		{Table: tableBindings, Key: key, Kind: changelog.Insert, Payload: stalePayload,
			HLC: hlc.Timestamp{PhysicalMS: 100, Logical: 0, Node: "A"}},
	})
	_, applied, won = a.log.Merge(staleCS)
	require.True(t, applied, "the changeset is still accepted into the log")
	require.Empty(t, won, "the stale row update must not be reported as a winner")
	a.projectChangeSet(staleCS.Source, won)

	b, ok = a.Bindings().Get(store.NewClientKey(clientIP))
	require.True(t, ok)
	require.Equal(t, "backend-fresh", b.BackendID, "a late, stale update must never overwrite the read-side binding store")
}
