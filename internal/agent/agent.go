// Package agent implements the replication agent state machine of
// spec.md §4.7: the task that drives membership, accepts local writes,
// flushes and broadcasts ChangeSets, and merges remote ones, tying
// internal/hlc, internal/changelog, internal/store, internal/membership,
// and internal/replication together the way the teacher's server package
// wires its subsystems behind one top-level Start/Stop.
package agent

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/andrebassi/edgeproxy/internal/changelog"
	"github.com/andrebassi/edgeproxy/internal/config"
	"github.com/andrebassi/edgeproxy/internal/hlc"
	"github.com/andrebassi/edgeproxy/internal/membership"
	"github.com/andrebassi/edgeproxy/internal/metrics"
	"github.com/andrebassi/edgeproxy/internal/replication"
	"github.com/andrebassi/edgeproxy/internal/store"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// State is one of the four states of the agent state machine (spec.md
// §4.7).
type State uint8

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// tableBackends and tableBindings name the two logical tables the agent
// replicates. Both are opaque to internal/changelog; only this package
// interprets their payloads.
const (
	tableBackends = "backends"
	tableBindings = "bindings"
)

// syncWindow bounds the number of ChangeSets returned in a single
// SyncResponse (spec.md §4.6 "W, default 256").
const syncWindow = 256

// Agent is the replication agent state machine. The zero value is not
// usable; build one with New.
type Agent struct {
	cfg    *config.Config
	logger *zap.Logger
	reg    *metrics.Collectors

	clock    *hlc.Clock
	rows     *changelog.RowStore
	log      *changelog.Log
	bindings *store.BindingStore
	metr     *store.MetricsStore

	gossip    *membership.Gossiper
	transport *replication.Transport

	mu    sync.Mutex
	state State

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Agent in state Stopped. cfg must already have passed
// Validate. reg may be nil, in which case no Prometheus collectors are
// registered.
func New(cfg *config.Config, logger *zap.Logger, reg *metrics.Collectors) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := hlc.NewClock(cfg.NodeID)
	rows := changelog.NewRowStore()
	return &Agent{
		cfg:      cfg,
		logger:   logger.Named("agent"),
		reg:      reg,
		clock:    clock,
		rows:     rows,
		log:      changelog.NewLog(cfg.NodeID, clock, rows, logger.Named("changelog"), cfg.RetentionRingCap),
		bindings: store.NewBindingStore(),
		metr:     store.NewMetricsStore(),
	}
}

// IsRunning reports whether the agent is currently in the Running state
// (spec.md §4.7 "is_running() → bool").
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == Running
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Start transitions Stopped → Starting → Running. A failure during
// Starting returns to Stopped and surfaces the error to the caller
// (spec.md §4.7); once Running, failures are only visible via logs and
// counters.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Stopped {
		a.mu.Unlock()
		return errors.Newf("agent: Start called in state %s, want stopped", a.state)
	}
	a.state = Starting
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	conn, err := net.ListenPacket("udp", a.cfg.GossipAddr)
	if err != nil {
		cancel()
		a.setState(Stopped)
		return errors.Wrap(err, "agent: binding gossip socket")
	}

	a.transport = replication.NewTransport(a.cfg.NodeID, a.cfg.ClusterSecret, a.logger, a.dispatch)
	if err := a.transport.Listen(runCtx, a.cfg.TransportAddr); err != nil {
		_ = conn.Close()
		cancel()
		a.setState(Stopped)
		return errors.Wrap(err, "agent: starting replication transport")
	}
	// Resolve ephemeral (":0") addresses to what was actually bound, since
	// both are advertised to peers via Join/Ping (spec.md §6 "0 means
	// ephemeral, used by tests").
	a.cfg.GossipAddr = conn.LocalAddr().String()
	a.cfg.TransportAddr = a.transport.LocalAddr().String()

	mcfg := membership.Config{
		NodeID:           a.cfg.NodeID,
		GossipAddr:       a.cfg.GossipAddr,
		TransportAddr:    a.cfg.TransportAddr,
		SeedPeers:        a.cfg.BootstrapPeers,
		ProbeInterval:    a.cfg.ProbeInterval,
		ProbeTimeout:     a.cfg.ProbeTimeout,
		SuspectTimeout:   a.cfg.SuspectTimeout,
		KIndirect:        a.cfg.KIndirect,
		BootstrapGrace:   a.cfg.BootstrapGrace,
		RumorFanout:      membership.DefaultConfig().RumorFanout,
		RateLimitPerPeer: membership.DefaultConfig().RateLimitPerPeer,
	}
	a.gossip = membership.NewGossiper(mcfg, conn, a.logger.Named("gossip"), a)
	a.gossip.Start()
	a.cancel = cancel

	a.spawnSupervised(runCtx, "flush-broadcast", a.flushBroadcastLoop)
	a.spawnSupervised(runCtx, "reconcile", a.reconcileLoop)
	a.spawnSupervised(runCtx, "binding-gc", a.bindingGCLoop)
	a.spawnSupervised(runCtx, "tombstone-gc", a.tombstoneGCLoop)

	a.setState(Running)
	a.logger.Info("agent running",
		zap.String("node_id", a.cfg.NodeID),
		zap.String("gossip_addr", a.cfg.GossipAddr),
		zap.String("transport_addr", a.cfg.TransportAddr))
	return nil
}

// Stop transitions Running → Stopping → Stopped. Idempotent: calling Stop
// on an already-stopped agent is a no-op (spec.md §5 "stop() is
// idempotent").
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.state == Stopped {
		a.mu.Unlock()
		return
	}
	a.state = Stopping
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a.gossip != nil {
		a.gossip.Stop()
	}
	if a.transport != nil {
		_ = a.transport.Close()
	}
	a.wg.Wait()
	a.setState(Stopped)
	a.logger.Info("agent stopped")
}

// spawnSupervised runs fn in a goroutine; a panic is logged and the task
// restarted with exponential backoff, per spec.md §7 "each long-lived task
// is supervised". A normal return ends the task only if ctx is cancelled;
// otherwise fn is started again at once, so every loop here returns only
// when ctx is cancelled.
func (a *Agent) spawnSupervised(ctx context.Context, name string, fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		backoffDelay := 100 * time.Millisecond
		for {
			if ctx.Err() != nil {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						a.logger.Error("supervised task panicked, restarting",
							zap.String("task", name), zap.Any("panic", r), zap.Duration("backoff", backoffDelay))
						select {
						case <-ctx.Done():
						case <-time.After(backoffDelay):
						}
						if backoffDelay < 30*time.Second {
							backoffDelay *= 2
						}
					}
				}()
				fn(ctx)
			}()
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// RecordBackendChange enqueues a non-blocking local write for a Backend row
// (spec.md §4.7 "record_backend_change(id, kind, payload)").
func (a *Agent) RecordBackendChange(id string, kind changelog.Kind, payload []byte) {
	a.log.Record(tableBackends, id, kind, payload)
	a.flushIfThresholdCrossed()
}

// RecordBindingChange enqueues a non-blocking local write for a Binding row
// keyed by clientIP, and mirrors the change immediately into the local
// BindingStore so that the emitter observes its own write before the next
// flush tick (spec.md §5 "a local write is visible locally before it is
// broadcast").
func (a *Agent) RecordBindingChange(clientIP net.IP, kind changelog.Kind, b store.Binding) {
	payload, err := encodeBinding(b)
	if err != nil {
		a.logger.Error("encoding binding payload", zap.Error(err))
		return
	}
	key := clientIP.String()
	a.log.Record(tableBindings, key, kind, payload)

	ck := store.NewClientKey(clientIP)
	if kind == changelog.Delete {
		a.bindings.Remove(ck)
	} else {
		a.bindings.Set(ck, b)
	}
	a.flushIfThresholdCrossed()
}

// flushIfThresholdCrossed triggers an out-of-band flush the moment the
// pending buffer crosses flush_threshold, instead of waiting for the next
// flush_interval tick (spec.md §4.7 item 3: "every flush_interval or when
// the pending buffer exceeds flush_threshold"). Uses a background context
// since this runs on the caller's goroutine and must not block on a slow
// peer send.
func (a *Agent) flushIfThresholdCrossed() {
	if a.cfg.FlushThreshold <= 0 || a.log.Pending() < a.cfg.FlushThreshold {
		return
	}
	a.Flush(context.Background())
}

// Bindings exposes the read-side binding store to external adapters
// (spec.md §4.7 "read-side lookups are served from the apply-side store").
func (a *Agent) Bindings() *store.BindingStore { return a.bindings }

// BackendMetricsStore exposes the read-side metrics store.
func (a *Agent) BackendMetricsStore() *store.MetricsStore { return a.metr }

// Rows exposes the raw (table,key) apply-side snapshot, e.g. for a
// BackendRepository adapter seeding its own durable copy.
func (a *Agent) Rows() *changelog.RowStore { return a.rows }

// Flush drains the pending change buffer, broadcasts the resulting
// ChangeSet (if non-empty) and applies it locally through the same merge
// path used for remote ChangeSets. Exposed primarily for tests; the
// internal ticker calls this every flush_interval (spec.md §4.7).
func (a *Agent) Flush(ctx context.Context) {
	cs, ok := a.log.Flush()
	if !ok {
		return
	}
	if _, applied, won := a.log.Merge(cs); applied {
		a.projectChangeSet(cs.Source, won)
	}
	a.broadcast(ctx, cs)
}

func (a *Agent) flushBroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

func (a *Agent) broadcast(ctx context.Context, cs changelog.ChangeSet) {
	if cs.Empty() {
		return
	}
	msg := replication.NewBroadcast(cs)
	for _, m := range a.gossip.AliveExcludingSelf() {
		if a.reg != nil {
			a.reg.ReplicationBroadcasts.Inc()
		}
		if err := a.transport.Send(ctx, m.TransportAddr, msg); err != nil {
			if a.reg != nil {
				a.reg.ReplicationSendFailures.Inc()
			}
			a.logger.Debug("broadcast send failed", zap.String("peer", m.NodeID), zap.Error(err))
		}
	}
}

// reconcileLoop periodically asks one random alive peer to fill any silent
// gap (spec.md §4.7 step 5).
func (a *Agent) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reconcileOnce(ctx)
		}
	}
}

func (a *Agent) reconcileOnce(ctx context.Context) {
	peers := a.gossip.AliveExcludingSelf()
	if len(peers) == 0 {
		return
	}
	peer := peers[rand.Intn(len(peers))]
	fromSeq := a.log.ExpectedNext(peer.NodeID)
	a.sendSyncRequest(ctx, peer.TransportAddr, fromSeq, "")
}

func (a *Agent) sendSyncRequest(ctx context.Context, addr string, fromSeq uint64, table string) {
	if a.reg != nil {
		a.reg.ReplicationSyncRequests.Inc()
	}
	if err := a.transport.Send(ctx, addr, replication.NewSyncRequest(a.cfg.TransportAddr, fromSeq, table)); err != nil {
		if a.reg != nil {
			a.reg.ReplicationSendFailures.Inc()
		}
		a.logger.Debug("sync request send failed", zap.String("addr", addr), zap.Error(err))
	}
}

func (a *Agent) bindingGCLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BindingGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.bindings.CleanupExpired(a.cfg.BindingTTL)
			if n > 0 {
				a.logger.Debug("binding gc swept entries", zap.Int("removed", n))
			}
			if a.reg != nil {
				a.reg.BindingCount.Set(float64(a.bindings.Count()))
			}
		}
	}
}

// tombstoneGCLoop reclaims Delete tombstones from the apply-side RowStore
// once they exceed tombstone_ttl (spec.md §4.2 step 4). This is
// independent of the retention ring: the ring already bounds
// SyncResponse replay depth by capacity (Open Question 1), and replaying
// an already-tombstoned delete through Merge is a harmless LWW no-op, so
// RetainedFrom needs no additional tombstone-aware filtering (Open
// Question 2, see DESIGN.md).
func (a *Agent) tombstoneGCLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BindingGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.rows.GCTombstones(a.cfg.TombstoneTTL)
			if n > 0 {
				a.logger.Debug("tombstone gc swept rows", zap.Int("removed", n))
			}
		}
	}
}

// OnMemberChange implements membership.ChangeNotifier.
func (a *Agent) OnMemberChange(m membership.Member) {
	a.logger.Info("member state change",
		zap.String("node_id", m.NodeID), zap.String("state", m.State.String()), zap.Uint64("incarnation", m.Incarnation))
	if a.reg != nil {
		alive := 0
		for _, mm := range a.gossip.Snapshot() {
			if mm.State == membership.Alive {
				alive++
			}
		}
		a.reg.MembersAlive.Set(float64(alive))
		switch m.State {
		case membership.Suspect:
			a.reg.GossipSuspicions.Inc()
		case membership.Failed:
			a.reg.GossipFailures.Inc()
		}
	}
}
