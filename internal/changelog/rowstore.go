package changelog

import (
	"sync"
	"time"

	"github.com/andrebassi/edgeproxy/internal/hlc"
)

// Row is the apply-side state for one (table, key). Delete tombstones are
// retained (Deleted=true, Payload empty) for at least tombstone-TTL to
// suppress resurrection by delayed Inserts (spec.md §4.2 step 4).
type Row struct {
	HLC       hlc.Timestamp
	Payload   []byte
	Deleted   bool
	DeletedAt time.Time
}

// RowStore holds the last-writer-wins materialization of every (table, key)
// the node has observed, whether from a local write or a merged remote
// ChangeSet. It is read on the lookup path by external adapters (spec.md
// §4.7 "Read-side lookups ... served from the apply-side store").
type RowStore struct {
	mu   sync.RWMutex
	rows map[RowKey]Row
}

func NewRowStore() *RowStore {
	return &RowStore{rows: make(map[RowKey]Row)}
}

// Apply applies a single Change under last-writer-wins: the row is updated
// only if c.HLC strictly exceeds the stored HLC for (c.Table, c.Key).
// Reports whether the row was actually updated.
func (s *RowStore) Apply(c Change) bool {
	k := RowKey{Table: c.Table, Key: c.Key}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rows[k]
	if ok && !existing.HLC.Less(c.HLC) {
		return false
	}

	row := Row{HLC: c.HLC}
	if c.Kind == Delete {
		row.Deleted = true
		row.DeletedAt = time.Now()
	} else {
		row.Payload = c.Payload
	}
	s.rows[k] = row
	return true
}

// Get returns the current row for (table, key), or ok=false if never
// observed. A tombstoned row is still returned (Deleted=true) until GC'd.
func (s *RowStore) Get(table, key string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[RowKey{Table: table, Key: key}]
	return row, ok
}

// GCTombstones removes Delete tombstones older than ttl. Live rows are
// untouched.
func (s *RowStore) GCTombstones(ttl time.Duration) int {
	now := time.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, row := range s.rows {
		if row.Deleted && now.Sub(row.DeletedAt) > ttl {
			delete(s.rows, k)
			removed++
		}
	}
	return removed
}

// Snapshot returns a defensive copy of every non-tombstoned row, keyed by
// (table, key); O(n).
func (s *RowStore) Snapshot() map[RowKey]Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[RowKey]Row, len(s.rows))
	for k, v := range s.rows {
		if v.Deleted {
			continue
		}
		out[k] = v
	}
	return out
}

// Len returns the number of rows currently tracked, tombstones included.
func (s *RowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
