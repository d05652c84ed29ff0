// Package membership implements the SWIM-style gossip membership layer:
// direct + indirect probing, suspicion with incarnation-based refutation,
// and rumor dissemination over UDP datagrams (spec.md §4.5, §4.8).
package membership

import (
	"sync"
	"time"
)

// State is a member's position in the SWIM state machine (spec.md §4.8).
type State uint8

const (
	Alive State = iota
	Suspect
	Failed
	Left
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Suspect:
		return "suspect"
	case Failed:
		return "failed"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// precedence orders states for equal-incarnation conflict resolution:
// Confirm (Failed/Left) > Suspect > Alive (spec.md §4.5 "Ordering and
// tie-breaks").
func (s State) precedence() int {
	switch s {
	case Failed, Left:
		return 2
	case Suspect:
		return 1
	default:
		return 0
	}
}

// Member is one row of the gossip member table.
type Member struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
	Incarnation   uint64
	State         State
	LastHeard     time.Time
}

// clone returns a value copy, safe to hand out of a snapshot.
func (m Member) clone() Member { return m }

// supersedes reports whether a claim (incState, incIncarnation) about a
// member should replace the currently stored (m.State, m.Incarnation),
// per spec.md §4.5: higher incarnation wins; equal incarnation, precedence
// Confirm > Suspect > Alive.
func supersedes(cur Member, incState State, incIncarnation uint64) bool {
	if incIncarnation != cur.Incarnation {
		return incIncarnation > cur.Incarnation
	}
	return incState.precedence() > cur.State.precedence()
}

// table is the copy-on-write member table: every write rebuilds the map and
// publishes it under mu, and readers get that published map by reference.
// Writes come from several Gossiper goroutines (receive loop, probe loop,
// suspicion timers, bootstrap sweep) and are serialized only by mu; no
// single goroutine owns mutation.
type table struct {
	mu       sync.Mutex
	snapshot map[string]Member // node id -> Member, published by reference
}

func newTable() *table {
	return &table{snapshot: make(map[string]Member)}
}

// Snapshot returns the current member table. The returned map must be
// treated as immutable by the caller.
func (t *table) Snapshot() map[string]Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}

// upsert applies a claim if it supersedes the stored state (or the member
// is new), replacing the published snapshot with a fresh copy. Returns the
// resulting Member and whether its State or Incarnation changed; a
// LastHeard-only refresh reports false.
func (t *table) upsert(claim Member) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.snapshot[claim.NodeID]
	if ok && !supersedes(cur, claim.State, claim.Incarnation) {
		// Still refresh LastHeard on a no-op liveness signal without
		// touching State/Incarnation, so probes prevent false suspicion.
		if claim.LastHeard.After(cur.LastHeard) {
			next := make(map[string]Member, len(t.snapshot))
			for k, v := range t.snapshot {
				next[k] = v
			}
			cur.LastHeard = claim.LastHeard
			next[claim.NodeID] = cur
			t.snapshot = next
		}
		return cur, false
	}

	next := make(map[string]Member, len(t.snapshot)+1)
	for k, v := range t.snapshot {
		next[k] = v
	}
	next[claim.NodeID] = claim.clone()
	t.snapshot = next
	return claim, true
}

// get returns a single member by id.
func (t *table) get(id string) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.snapshot[id]
	return m, ok
}

// remove deletes a member entirely (used by the bootstrap grace sweep).
func (t *table) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.snapshot[id]; !ok {
		return
	}
	next := make(map[string]Member, len(t.snapshot))
	for k, v := range t.snapshot {
		if k == id {
			continue
		}
		next[k] = v
	}
	t.snapshot = next
}
