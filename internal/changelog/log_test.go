package changelog

import (
	"testing"

	"github.com/andrebassi/edgeproxy/internal/hlc"
	"github.com/stretchr/testify/require"
)

func newTestLog(node string) (*Log, *RowStore, *hlc.Clock) {
	clock := hlc.NewClock(node)
	rows := NewRowStore()
	return NewLog(node, clock, rows, nil, 4), rows, clock
}

func TestFlushEmptyReturnsNotOK(t *testing.T) {
	l, _, _ := newTestLog("A")
	_, ok := l.Flush()
	require.False(t, ok)
}

func TestRecordThenFlushProducesChangeSet(t *testing.T) {
	l, _, _ := newTestLog("A")
	l.Record("backends", "b1", Insert, []byte("p1"))
	l.Record("backends", "b1", Update, []byte("p2"))

	cs, ok := l.Flush()
	require.True(t, ok)
	require.Equal(t, "A", cs.Source)
	require.EqualValues(t, 1, cs.Seq)
	require.Len(t, cs.Changes, 2)
	require.True(t, cs.Verify())

	cs2, ok := l.Flush()
	require.False(t, ok, "flush drains the buffer; a second flush with nothing pending is a no-op")
	_ = cs2
}

func TestFlushSeqStrictlyIncreasingPerNode(t *testing.T) {
	l, _, _ := newTestLog("A")
	l.Record("t", "k", Insert, nil)
	cs1, _ := l.Flush()
	l.Record("t", "k", Update, nil)
	cs2, _ := l.Flush()

	require.Less(t, cs1.Seq, cs2.Seq)
}

func TestMergeAppliesRowsLWW(t *testing.T) {
	l, rows, _ := newTestLog("B")

	cs := NewChangeSet("A", 1, []Change{
		{Table: "backends", Key: "b1", Kind: Insert, Payload: []byte("v1"), HLC: hlc.Timestamp{PhysicalMS: 100, Logical: 0, Node: "A"}},
	})
	gap, applied, won := l.Merge(cs)
	require.Nil(t, gap)
	require.True(t, applied)
	require.Len(t, won, 1, "the only change in the changeset won LWW")

	row, ok := rows.Get("backends", "b1")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), row.Payload)

	// Older HLC must not overwrite.
	stale := NewChangeSet("A", 2, []Change{
		{Table: "backends", Key: "b1", Kind: Update, Payload: []byte("stale"), HLC: hlc.Timestamp{PhysicalMS: 50, Logical: 0, Node: "A"}},
	})
	_, applied, won = l.Merge(stale)
	require.True(t, applied, "the changeset itself is still applied (accepted into the log)")
	require.Empty(t, won, "the stale change must not be reported as a winner")
	row, _ = rows.Get("backends", "b1")
	require.Equal(t, []byte("v1"), row.Payload, "a row must never be overwritten by a change with HLC <= stored HLC")
}

func TestMergeRejectsBadChecksum(t *testing.T) {
	l, rows, _ := newTestLog("B")
	cs := NewChangeSet("A", 1, []Change{{Table: "t", Key: "k", Kind: Insert, Payload: []byte("v")}})
	cs.Checksum ^= 0xDEADBEEF

	gap, applied, won := l.Merge(cs)
	require.Nil(t, gap)
	require.False(t, applied)
	require.Nil(t, won)
	_, ok := rows.Get("t", "k")
	require.False(t, ok)
}

func TestMergeIsIdempotentByCheckSourceSeq(t *testing.T) {
	l, rows, _ := newTestLog("B")
	cs := NewChangeSet("A", 1, []Change{{Table: "t", Key: "k", Kind: Insert, Payload: []byte("v1")}})
	_, applied, _ := l.Merge(cs)
	require.True(t, applied)

	// Re-deliver the exact same (source, seq): must be dropped.
	dup := NewChangeSet("A", 1, []Change{{Table: "t", Key: "k", Kind: Insert, Payload: []byte("v2")}})
	_, applied, _ = l.Merge(dup)
	require.False(t, applied)

	row, _ := rows.Get("t", "k")
	require.Equal(t, []byte("v1"), row.Payload)
}

// S5 from spec.md §8: gap detection.
func TestMergeDetectsGap(t *testing.T) {
	l, _, _ := newTestLog("B")
	for i := uint64(1); i < 5; i++ {
		l.Merge(NewChangeSet("A", i, []Change{{Table: "t", Key: "k"}}))
	}
	require.EqualValues(t, 5, l.ExpectedNext("A"))

	gap, applied, _ := l.Merge(NewChangeSet("A", 7, []Change{{Table: "t", Key: "k7"}}))
	require.True(t, applied, "out-of-order changesets are applied immediately; only anti-entropy is deferred")
	require.NotNil(t, gap)
	require.EqualValues(t, 5, gap.ExpectedNext)
	require.EqualValues(t, 7, gap.Received)
}

func TestMergeFillsGapThenContiguousAdvances(t *testing.T) {
	l, _, _ := newTestLog("B")
	l.Merge(NewChangeSet("A", 1, []Change{{Table: "t", Key: "k"}}))
	gap, _, _ := l.Merge(NewChangeSet("A", 3, []Change{{Table: "t", Key: "k"}}))
	require.NotNil(t, gap)
	require.EqualValues(t, 2, gap.ExpectedNext)

	// Fill the gap.
	l.Merge(NewChangeSet("A", 2, []Change{{Table: "t", Key: "k"}}))
	require.EqualValues(t, 4, l.ExpectedNext("A"))
}

func TestRetentionRingEvictsOldestOnCapacity(t *testing.T) {
	l, _, _ := newTestLog("A")
	for i := 0; i < 6; i++ {
		l.Record("t", "k", Insert, nil)
		l.Flush()
	}
	retained := l.RetainedFrom(1, "", 100)
	require.LessOrEqual(t, len(retained), 4, "ring capacity was set to 4")
	// oldest entries (seq 1,2) should have been evicted
	for _, cs := range retained {
		require.Greater(t, cs.Seq, uint64(2))
	}
}

func TestRetainedFromFiltersByTableAcrossSources(t *testing.T) {
	l, _, _ := newTestLog("B")
	l.Merge(NewChangeSet("A", 1, []Change{{Table: "backends", Key: "b1"}}))
	l.Merge(NewChangeSet("A", 2, []Change{{Table: "bindings", Key: "10.0.0.1"}}))

	out := l.RetainedFrom(1, "backends", 10)
	require.Len(t, out, 1)
	require.Equal(t, uint64(1), out[0].Seq)
}
