package membership

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Config holds the SWIM protocol parameters from spec.md §6, all with the
// defaults named there.
type Config struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
	SeedPeers     []string

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	SuspectTimeout time.Duration
	KIndirect      int
	BootstrapGrace time.Duration

	// RumorFanout bounds how many times a rumor is piggybacked before it is
	// dropped from the mill (spec.md §4.5 R=6, "at most log(N) times").
	RumorFanout int
	// RateLimitPerPeer bounds inbound messages accepted per peer per
	// second; excess is dropped (spec.md §4.5, default 100/s).
	RateLimitPerPeer int
}

// DefaultConfig returns the spec.md §4.5/§6 defaults; NodeID/GossipAddr/
// TransportAddr must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    time.Second,
		ProbeTimeout:     500 * time.Millisecond,
		SuspectTimeout:   5 * time.Second,
		KIndirect:        3,
		BootstrapGrace:   30 * time.Second,
		RumorFanout:      6,
		RateLimitPerPeer: 100,
	}
}

// ChangeNotifier is implemented by callers (the replication agent) that
// want to learn about alive/failed transitions, e.g. to recompute the
// broadcast fanout.
type ChangeNotifier interface {
	OnMemberChange(m Member)
}

type pendingProbe struct {
	ch chan ackMsg
}

type rumorEntry struct {
	rumor       rumor
	remaining   int
}

// Gossiper drives the SWIM protocol for one node over a single UDP socket.
// The receive loop, probe loop, suspicion timers and bootstrap sweep all
// mutate the member table and the rumor mill, serialized by the table's
// and the Gossiper's mutexes; no single goroutine owns them. External
// readers use Snapshot.
type Gossiper struct {
	cfg    Config
	conn   net.PacketConn
	table  *table
	logger *zap.Logger
	notify ChangeNotifier

	incarnation uint64 // atomic

	mu     sync.Mutex
	rumors []rumorEntry
	rates  map[string]*rateLimiter
	pend   map[string]*pendingProbe // keyed by target node id

	rng *rand.Rand

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGossiper binds conn (typically a *net.UDPConn) and prepares the
// protocol state. Call Start to begin probing and receiving.
func NewGossiper(cfg Config, conn net.PacketConn, logger *zap.Logger, notify ChangeNotifier) *Gossiper {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gossiper{
		cfg:    cfg,
		conn:   conn,
		table:  newTable(),
		logger: logger.Named("gossip"),
		notify: notify,
		rates:  make(map[string]*rateLimiter),
		pend:   make(map[string]*pendingProbe),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
	}
	atomic.StoreUint64(&g.incarnation, 1)
	self := Member{
		NodeID:        cfg.NodeID,
		GossipAddr:    cfg.GossipAddr,
		TransportAddr: cfg.TransportAddr,
		Incarnation:   1,
		State:         Alive,
		LastHeard:     time.Now(),
	}
	g.table.upsert(self)
	return g
}

// Start launches the probe loop, the receive loop, and seeds bootstrap
// peers by sending them a Join.
func (g *Gossiper) Start() {
	g.wg.Add(2)
	go g.receiveLoop()
	go g.probeLoop()
	for _, addr := range g.cfg.SeedPeers {
		g.sendJoin(addr)
	}
	if len(g.cfg.SeedPeers) > 0 {
		g.wg.Add(1)
		go g.bootstrapGraceSweep()
	}
}

// Stop signals every goroutine to exit and best-effort broadcasts a Leave
// (a Confirm claim) before closing the socket. Idempotent.
func (g *Gossiper) Stop() {
	g.stopOnce.Do(func() {
		g.broadcastClaim(tagConfirm, claimMsg{NodeID: g.cfg.NodeID, Incarnation: atomic.LoadUint64(&g.incarnation)})
		close(g.stopCh)
		_ = g.conn.Close()
	})
	g.wg.Wait()
}

// Snapshot returns the current member table.
func (g *Gossiper) Snapshot() map[string]Member {
	return g.table.Snapshot()
}

// AliveExcludingSelf returns gossip_addr/transport_addr pairs for every
// member currently Alive other than this node, used by the replication
// layer to pick broadcast targets (spec.md §4.6).
func (g *Gossiper) AliveExcludingSelf() []Member {
	snap := g.table.Snapshot()
	out := make([]Member, 0, len(snap))
	for id, m := range snap {
		if id == g.cfg.NodeID || m.State != Alive {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (g *Gossiper) sendJoin(addr string) {
	msg := encodeJoin(joinMsg{NodeID: g.cfg.NodeID, GossipAddr: g.cfg.GossipAddr, TransportAddr: g.cfg.TransportAddr})
	g.sendTo(addr, msg)
}

func (g *Gossiper) sendTo(addr string, payload []byte) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		g.logger.Debug("resolve failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	if _, err := g.conn.WriteTo(payload, raddr); err != nil {
		g.logger.Debug("send failed", zap.String("addr", addr), zap.Error(err))
	}
}

func (g *Gossiper) bootstrapGraceSweep() {
	defer g.wg.Done()
	t := time.NewTimer(g.cfg.BootstrapGrace)
	defer t.Stop()
	select {
	case <-g.stopCh:
		return
	case <-t.C:
	}
	now := time.Now()
	for _, m := range g.table.Snapshot() {
		if m.NodeID == g.cfg.NodeID {
			continue
		}
		if m.State == Alive && now.Sub(m.LastHeard) >= g.cfg.BootstrapGrace {
			g.table.remove(m.NodeID)
		}
	}
}

// probeLoop implements the direct/indirect probe cycle (spec.md §4.5).
func (g *Gossiper) probeLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.probeOnce()
		}
	}
}

func (g *Gossiper) probeOnce() {
	candidates := g.AliveExcludingSelf()
	if len(candidates) == 0 {
		return
	}
	target := candidates[g.rng.Intn(len(candidates))]

	ok := g.directProbe(target)
	if ok {
		return
	}
	ok = g.indirectProbe(target, candidates)
	if ok {
		return
	}

	g.markSuspect(target.NodeID, target.Incarnation)
}

func (g *Gossiper) registerPending(nodeID string) chan ackMsg {
	ch := make(chan ackMsg, 1)
	g.mu.Lock()
	g.pend[nodeID] = &pendingProbe{ch: ch}
	g.mu.Unlock()
	return ch
}

func (g *Gossiper) clearPending(nodeID string) {
	g.mu.Lock()
	delete(g.pend, nodeID)
	g.mu.Unlock()
}

func (g *Gossiper) directProbe(target Member) bool {
	ch := g.registerPending(target.NodeID)
	defer g.clearPending(target.NodeID)

	g.sendPing(target.GossipAddr)

	select {
	case <-ch:
		return true
	case <-time.After(g.cfg.ProbeTimeout):
		return false
	case <-g.stopCh:
		return false
	}
}

func (g *Gossiper) indirectProbe(target Member, candidates []Member) bool {
	witnesses := pickWitnesses(candidates, target.NodeID, g.cfg.KIndirect, g.rng)
	if len(witnesses) == 0 {
		return false
	}

	ch := g.registerPending(target.NodeID)
	defer g.clearPending(target.NodeID)

	for _, w := range witnesses {
		g.sendTo(w.GossipAddr, encodePingReq(pingReqMsg{TargetID: target.NodeID}))
	}

	select {
	case <-ch:
		return true
	case <-time.After(g.cfg.ProbeTimeout * 2):
		return false
	case <-g.stopCh:
		return false
	}
}

func pickWitnesses(candidates []Member, excludeID string, k int, rng *rand.Rand) []Member {
	pool := make([]Member, 0, len(candidates))
	for _, m := range candidates {
		if m.NodeID != excludeID {
			pool = append(pool, m)
		}
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if k > len(pool) {
		k = len(pool)
	}
	return pool[:k]
}

func (g *Gossiper) markSuspect(nodeID string, incarnation uint64) {
	m, ok := g.table.get(nodeID)
	if !ok || m.State != Alive {
		return
	}
	claim := Member{NodeID: nodeID, GossipAddr: m.GossipAddr, TransportAddr: m.TransportAddr,
		Incarnation: incarnation, State: Suspect, LastHeard: m.LastHeard}
	result, changed := g.table.upsert(claim)
	if !changed {
		return
	}
	g.notifyChange(result)
	g.addRumor(rumor{Kind: rumorSuspect, NodeID: nodeID, Incarnation: incarnation})

	g.wg.Add(1)
	go g.suspicionTimer(nodeID, incarnation)
}

func (g *Gossiper) suspicionTimer(nodeID string, incarnation uint64) {
	defer g.wg.Done()
	t := time.NewTimer(g.cfg.SuspectTimeout)
	defer t.Stop()
	select {
	case <-g.stopCh:
		return
	case <-t.C:
	}

	m, ok := g.table.get(nodeID)
	if !ok || m.State != Suspect || m.Incarnation != incarnation {
		return // refuted, already failed, or superseded
	}
	claim := Member{NodeID: nodeID, GossipAddr: m.GossipAddr, TransportAddr: m.TransportAddr,
		Incarnation: incarnation, State: Failed, LastHeard: m.LastHeard}
	result, changed := g.table.upsert(claim)
	if !changed {
		return
	}
	g.notifyChange(result)
	g.addRumor(rumor{Kind: rumorConfirm, NodeID: nodeID, Incarnation: incarnation})
}

func (g *Gossiper) notifyChange(m Member) {
	if g.notify != nil {
		g.notify.OnMemberChange(m)
	}
}

func (g *Gossiper) sendPing(addr string) {
	g.sendTo(addr, encodePing(pingMsg{
		SenderID:        g.cfg.NodeID,
		SenderGossip:    g.cfg.GossipAddr,
		SenderTransport: g.cfg.TransportAddr,
		Incarnation:     atomic.LoadUint64(&g.incarnation),
		Rumors:          g.takeRumors(),
	}))
}

// addRumor inserts a fresh rumor into the mill with a full piggyback
// budget, replacing any prior rumor about the same node.
func (g *Gossiper) addRumor(r rumor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	filtered := g.rumors[:0]
	for _, e := range g.rumors {
		if e.rumor.NodeID == r.NodeID {
			continue
		}
		filtered = append(filtered, e)
	}
	g.rumors = append(filtered, rumorEntry{rumor: r, remaining: g.cfg.RumorFanout})
}

// takeRumors selects rumors to piggyback on an outgoing Ping/Ack and
// decrements their remaining budget, dropping exhausted ones.
func (g *Gossiper) takeRumors() []rumor {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]rumor, 0, len(g.rumors))
	kept := g.rumors[:0]
	for _, e := range g.rumors {
		out = append(out, e.rumor)
		e.remaining--
		if e.remaining > 0 {
			kept = append(kept, e)
		}
	}
	g.rumors = kept
	return out
}

func (g *Gossiper) broadcastClaim(tag msgTag, m claimMsg) {
	payload := encodeClaim(tag, m)
	for _, member := range g.AliveExcludingSelf() {
		g.sendTo(member.GossipAddr, payload)
	}
}

// applyRumors folds piggybacked rumors into the table and re-broadcasts
// anything that actually changed local state, so rumors continue to
// propagate.
func (g *Gossiper) applyRumors(rumors []rumor) {
	for _, r := range rumors {
		g.applyClaim(rumorToState(r.Kind), r.NodeID, r.Incarnation, "")
	}
}

func rumorToState(k rumorKind) State {
	switch k {
	case rumorSuspect:
		return Suspect
	case rumorAlive:
		return Alive
	default:
		return Failed
	}
}

func (g *Gossiper) applyClaim(state State, nodeID string, incarnation uint64, fromAddr string) {
	if nodeID == g.cfg.NodeID {
		g.handleClaimAboutSelf(state, incarnation)
		return
	}
	m, ok := g.table.get(nodeID)
	if !ok {
		// Unknown node referenced only by rumor/claim; nothing to merge
		// into yet (we don't know its addresses). Ignored until a direct
		// Join/Ping/MemberList introduces it.
		return
	}
	claim := Member{NodeID: nodeID, GossipAddr: m.GossipAddr, TransportAddr: m.TransportAddr,
		Incarnation: incarnation, State: state, LastHeard: time.Now()}
	result, changed := g.table.upsert(claim)
	if !changed {
		return
	}
	g.notifyChange(result)
	if state != Alive || incarnation != m.Incarnation {
		kind := rumorAlive
		switch state {
		case Suspect:
			kind = rumorSuspect
		case Failed, Left:
			kind = rumorConfirm
		}
		g.addRumor(rumor{Kind: kind, NodeID: nodeID, Incarnation: incarnation})
	}
}

// handleClaimAboutSelf implements spec.md §4.5 "On receiving Suspect about
// self: increment own incarnation and broadcast Alive{self, new_incarnation}".
func (g *Gossiper) handleClaimAboutSelf(state State, incarnation uint64) {
	if state != Suspect && state != Failed {
		return
	}
	cur := atomic.LoadUint64(&g.incarnation)
	if incarnation < cur {
		return // stale claim against an incarnation we've already refuted
	}
	next := cur + 1
	if !atomic.CompareAndSwapUint64(&g.incarnation, cur, next) {
		next = atomic.AddUint64(&g.incarnation, 0) // re-read after a racing refutation
	}
	self := Member{NodeID: g.cfg.NodeID, GossipAddr: g.cfg.GossipAddr, TransportAddr: g.cfg.TransportAddr,
		Incarnation: next, State: Alive, LastHeard: time.Now()}
	g.table.upsert(self)
	g.addRumor(rumor{Kind: rumorAlive, NodeID: g.cfg.NodeID, Incarnation: next})
	g.broadcastClaim(tagAlive, claimMsg{NodeID: g.cfg.NodeID, Incarnation: next})
}

func (g *Gossiper) receiveLoop() {
	defer g.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := g.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
				g.logger.Debug("read error", zap.Error(err))
				continue
			}
		}
		if !g.allow(addr.String()) {
			continue
		}
		msg, err := decode(buf[:n])
		if err != nil {
			g.logger.Debug("decode error", zap.Error(err), zap.String("from", addr.String()))
			continue
		}
		g.handle(msg, addr)
	}
}

func (g *Gossiper) allow(peerAddr string) bool {
	g.mu.Lock()
	rl, ok := g.rates[peerAddr]
	if !ok {
		rl = newRateLimiter(g.cfg.RateLimitPerPeer)
		g.rates[peerAddr] = rl
	}
	g.mu.Unlock()
	return rl.allow(time.Now())
}

func (g *Gossiper) handle(msg decodedMessage, from net.Addr) {
	switch msg.Tag {
	case tagJoin:
		g.handleJoin(msg.Join)
	case tagMemberList:
		g.handleMemberList(msg.MemberList)
	case tagPing:
		g.handlePing(msg.Ping, from)
	case tagAck:
		g.handleAck(msg.Ack)
	case tagPingReq:
		g.handlePingReq(msg.PingReq, from)
	case tagSuspect:
		g.applyClaim(Suspect, msg.Claim.NodeID, msg.Claim.Incarnation, from.String())
	case tagAlive:
		g.applyClaim(Alive, msg.Claim.NodeID, msg.Claim.Incarnation, from.String())
	case tagConfirm:
		g.applyClaim(Failed, msg.Claim.NodeID, msg.Claim.Incarnation, from.String())
	}
}

func (g *Gossiper) handleJoin(m joinMsg) {
	g.table.upsert(Member{NodeID: m.NodeID, GossipAddr: m.GossipAddr, TransportAddr: m.TransportAddr,
		Incarnation: 1, State: Alive, LastHeard: time.Now()})

	// Split the list so no datagram exceeds MaxDatagramSize; each part is
	// applied on its own by handleMemberList.
	const listHeader = 1 + 4 // tag byte + member count
	snap := g.table.Snapshot()
	rows := make([]memberRow, 0, len(snap))
	size := listHeader
	for _, mm := range snap {
		rowSize := 4 + len(mm.NodeID) + 4 + len(mm.GossipAddr) + 4 + len(mm.TransportAddr) + 8
		if len(rows) > 0 && size+rowSize > MaxDatagramSize {
			g.sendTo(m.GossipAddr, encodeMemberList(memberListMsg{Members: rows}))
			rows = rows[:0]
			size = listHeader
		}
		rows = append(rows, memberRow{mm.NodeID, mm.GossipAddr, mm.TransportAddr, mm.Incarnation})
		size += rowSize
	}
	g.sendTo(m.GossipAddr, encodeMemberList(memberListMsg{Members: rows}))
}

func (g *Gossiper) handleMemberList(m memberListMsg) {
	for _, row := range m.Members {
		if row.NodeID == g.cfg.NodeID {
			continue
		}
		existing, ok := g.table.get(row.NodeID)
		if ok && existing.Incarnation >= row.Incarnation {
			continue
		}
		g.table.upsert(Member{NodeID: row.NodeID, GossipAddr: row.GossipAddr, TransportAddr: row.TransportAddr,
			Incarnation: row.Incarnation, State: Alive, LastHeard: time.Now()})
	}
}

func (g *Gossiper) handlePing(m pingMsg, from net.Addr) {
	g.table.upsert(Member{NodeID: m.SenderID, GossipAddr: m.SenderGossip, TransportAddr: m.SenderTransport,
		Incarnation: m.Incarnation, State: Alive, LastHeard: time.Now()})
	g.applyRumors(m.Rumors)

	g.sendTo(m.SenderGossip, encodeAck(ackMsg{
		SenderID:    g.cfg.NodeID,
		Incarnation: atomic.LoadUint64(&g.incarnation),
		Rumors:      g.takeRumors(),
	}))
}

func (g *Gossiper) handleAck(m ackMsg) {
	g.applyRumors(m.Rumors)
	if existing, ok := g.table.get(m.SenderID); ok {
		g.table.upsert(Member{NodeID: m.SenderID, GossipAddr: existing.GossipAddr, TransportAddr: existing.TransportAddr,
			Incarnation: m.Incarnation, State: Alive, LastHeard: time.Now()})
	}

	g.mu.Lock()
	p, ok := g.pend[m.SenderID]
	g.mu.Unlock()
	if ok {
		select {
		case p.ch <- m:
		default:
		}
	}
}

func (g *Gossiper) handlePingReq(m pingReqMsg, from net.Addr) {
	target, ok := g.table.get(m.TargetID)
	if !ok {
		return
	}
	ch := g.registerPending(m.TargetID)
	defer g.clearPending(m.TargetID)
	g.sendPing(target.GossipAddr)

	select {
	case <-ch:
		// Relay a fresh Ack back to the original requester on the target's
		// behalf.
		g.sendTo(from.String(), encodeAck(ackMsg{SenderID: m.TargetID, Incarnation: target.Incarnation}))
	case <-time.After(g.cfg.ProbeTimeout):
	case <-g.stopCh:
	}
}

// rateLimiter is a simple fixed-window counter: up to limit messages are
// allowed per one-second window per peer, the window restarting at the
// first message after the previous one ends (spec.md §4.5).
type rateLimiter struct {
	limit      int
	windowEnd  time.Time
	count      int
}

func newRateLimiter(limit int) *rateLimiter {
	if limit <= 0 {
		limit = 100
	}
	return &rateLimiter{limit: limit}
}

func (r *rateLimiter) allow(now time.Time) bool {
	if now.After(r.windowEnd) {
		r.windowEnd = now.Add(time.Second)
		r.count = 0
	}
	r.count++
	return r.count <= r.limit
}

// ErrUnknownMember is returned by lookups against a node id the table has
// never observed.
var ErrUnknownMember = errors.New("membership: unknown member")
