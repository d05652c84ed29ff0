package changelog

import (
	"sync"

	"github.com/andrebassi/edgeproxy/internal/hlc"
	"go.uber.org/zap"
)

// DefaultRetentionCapacity is the default bound on the per-node retention
// ring (spec.md §4.2, §6 retention_ring_capacity).
const DefaultRetentionCapacity = 1024

// GapEvent is emitted when Merge observes seq > expected_next[source],
// signalling that the agent should issue a SyncRequest for the gap
// (spec.md §4.2 step 3).
type GapEvent struct {
	Source       string
	ExpectedNext uint64
	Received     uint64
}

// sourceState tracks per-source apply progress so duplicate (source, seq)
// pairs are rejected (invariant 1 in spec.md §8) even when ChangeSets arrive
// out of order.
type sourceState struct {
	highestContiguous uint64 // highest seq N such that 1..N have all been applied; 0 = none
	outOfOrder        map[uint64]struct{}
}

func (s *sourceState) alreadyApplied(seq uint64) bool {
	if seq <= s.highestContiguous {
		return true
	}
	_, ok := s.outOfOrder[seq]
	return ok
}

func (s *sourceState) markApplied(seq uint64) {
	if seq == s.highestContiguous+1 {
		s.highestContiguous = seq
		for {
			next := s.highestContiguous + 1
			if _, ok := s.outOfOrder[next]; !ok {
				break
			}
			delete(s.outOfOrder, next)
			s.highestContiguous = next
		}
		return
	}
	if s.outOfOrder == nil {
		s.outOfOrder = make(map[uint64]struct{})
	}
	s.outOfOrder[seq] = struct{}{}
}

// Log is the in-memory change buffer, per-node sequence counter, retention
// ring, and merge engine described in spec.md §4.2. A Log is safe for
// concurrent use; Record is the hot, non-blocking path, Flush and Merge are
// invoked by the replication agent's tickers and message handlers.
type Log struct {
	nodeID string
	clock  *hlc.Clock
	rows   *RowStore
	logger *zap.Logger

	ringCapacity int

	mu      sync.Mutex
	pending []Change
	seq     uint64 // last seq assigned by this node's own Flush calls
	ring    []ChangeSet
	sources map[string]*sourceState
}

// NewLog constructs a Log for nodeID. ringCapacity <= 0 uses
// DefaultRetentionCapacity.
func NewLog(nodeID string, clock *hlc.Clock, rows *RowStore, logger *zap.Logger, ringCapacity int) *Log {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRetentionCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		nodeID:       nodeID,
		clock:        clock,
		rows:         rows,
		logger:       logger,
		ringCapacity: ringCapacity,
		sources:      make(map[string]*sourceState),
	}
}

// Record stamps an HLC and appends a pending Change. Non-blocking, always
// succeeds.
func (l *Log) Record(table, key string, kind Kind, payload []byte) {
	c := Change{
		Table:   table,
		Key:     key,
		Kind:    kind,
		Payload: payload,
		HLC:     l.clock.Tick(nil),
	}
	l.mu.Lock()
	l.pending = append(l.pending, c)
	l.mu.Unlock()
}

// Flush atomically drains the pending buffer, assigns the next per-node
// seq, computes the checksum, places the ChangeSet in the retention ring,
// and returns it. Returns ok=false if there was nothing pending.
func (l *Log) Flush() (cs ChangeSet, ok bool) {
	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return ChangeSet{}, false
	}
	changes := l.pending
	l.pending = nil
	l.seq++
	seq := l.seq
	l.mu.Unlock()

	cs = NewChangeSet(l.nodeID, seq, changes)
	l.pushRing(cs)
	return cs, true
}

// Pending reports the number of buffered, unflushed changes. Used by the
// agent to decide whether flush_threshold has been crossed.
func (l *Log) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Log) pushRing(cs ChangeSet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring = append(l.ring, cs)
	if len(l.ring) > l.ringCapacity {
		// Open Question 1 (spec.md §9): ring-capacity eviction wins over
		// waiting on quorum acks; never block writes to retain history.
		drop := len(l.ring) - l.ringCapacity
		l.ring = l.ring[drop:]
	}
}

// EvictAcked drops retained ChangeSets for (source=self, seq<=seq) once a
// quorum of Acks has been observed. Eviction by ring capacity already
// happens unconditionally in pushRing; this lets an agent additionally
// prune early once acks confirm delivery.
func (l *Log) EvictAcked(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.ring[:0]
	for _, cs := range l.ring {
		if cs.Source == l.nodeID && cs.Seq <= seq {
			continue
		}
		kept = append(kept, cs)
	}
	l.ring = kept
}

// RetainedFrom answers a SyncRequest from the retention ring (spec.md §4.6).
// When table == "" the response is restricted to this node's own emitted
// ChangeSets (seq >= fromSeq), matching the "source matches the peer's own
// NodeId" rule. When table != "" the restriction is by table instead,
// across any source, for a broader resync. Results are bounded to at most
// limit entries (spec.md §4.6 window W) and returned in the order they
// entered the ring; for this node's own ChangeSets that is seq order, while
// the table path interleaves sources as they arrived.
func (l *Log) RetainedFrom(fromSeq uint64, table string, limit int) []ChangeSet {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ChangeSet, 0, limit)
	for _, cs := range l.ring {
		if cs.Seq < fromSeq {
			continue
		}
		if table == "" {
			if cs.Source != l.nodeID {
				continue
			}
		} else if !changeSetTouchesTable(cs, table) {
			continue
		}
		out = append(out, cs)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func changeSetTouchesTable(cs ChangeSet, table string) bool {
	for _, c := range cs.Changes {
		if c.Table == table {
			return true
		}
	}
	return false
}

// ExpectedNext returns the next seq this Log expects from source, i.e. the
// low-water mark a SyncRequest should use.
func (l *Log) ExpectedNext(source string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.sources[source]
	if st == nil {
		return 1
	}
	return st.highestContiguous + 1
}

// Merge applies a remote ChangeSet per spec.md §4.2. It returns a non-nil
// *GapEvent when the agent should issue a SyncRequest, and applied=false
// when the ChangeSet failed verification or was a duplicate (idempotent
// no-op, not an error). won holds the subset of cs.Changes that actually
// won last-writer-wins against the apply-side RowStore, in the same
// order they appear in cs.Changes — a change can be part of an applied
// ChangeSet yet still lose LWW to a fresher row the node already has
// (e.g. late anti-entropy delivery of a stale seq), and callers that
// project merged changes into a derived read-side store (such as
// internal/agent's BindingStore) must only act on entries in won, not on
// every change in cs, or they regress the same monotonicity ChangeSet
// merge itself guarantees.
func (l *Log) Merge(cs ChangeSet) (gap *GapEvent, applied bool, won []Change) {
	if !cs.Verify() {
		l.logger.Warn("dropping changeset with bad checksum",
			zap.String("source", cs.Source), zap.Uint64("seq", cs.Seq))
		return nil, false, nil
	}

	l.mu.Lock()
	st := l.sources[cs.Source]
	if st == nil {
		st = &sourceState{}
		l.sources[cs.Source] = st
	}
	if st.alreadyApplied(cs.Seq) {
		l.mu.Unlock()
		return nil, false, nil
	}
	expected := st.highestContiguous + 1
	var gapEvent *GapEvent
	if cs.Seq > expected {
		gapEvent = &GapEvent{Source: cs.Source, ExpectedNext: expected, Received: cs.Seq}
	}
	st.markApplied(cs.Seq)
	l.mu.Unlock()

	won = make([]Change, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		l.clock.Tick(&c.HLC)
		if l.rows.Apply(c) {
			won = append(won, c)
		}
	}

	if cs.Source != l.nodeID {
		l.pushRing(cs)
	}

	return gapEvent, true, won
}
