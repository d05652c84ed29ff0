package changelog

import (
	"testing"

	"github.com/andrebassi/edgeproxy/internal/hlc"
	"github.com/stretchr/testify/require"
)

// S4 from spec.md §8.
func TestChecksumRoundTripAndTamperDetection(t *testing.T) {
	cs := NewChangeSet("A", 1, []Change{
		{
			Table:   "backends",
			Key:     "b1",
			Kind:    Insert,
			Payload: []byte("{app:test}"),
			HLC:     hlc.Timestamp{PhysicalMS: 1, Logical: 0, Node: "A"},
		},
	})
	require.True(t, cs.Verify())

	encoded := EncodeChangeSet(cs)
	decoded, err := DecodeChangeSet(encoded)
	require.NoError(t, err)
	require.True(t, decoded.Verify())
	require.Equal(t, cs, decoded)

	// Flip one byte of the (decoded) payload and re-verify.
	decoded.Changes[0].Payload[0] ^= 0xFF
	require.False(t, decoded.Verify())
}

func TestEmptyChangeSetIsLegal(t *testing.T) {
	cs := NewChangeSet("A", 1, nil)
	require.True(t, cs.Empty())
	require.True(t, cs.Verify())
}

func TestChecksumDeterministicAcrossCalls(t *testing.T) {
	changes := []Change{
		{Table: "t", Key: "k", Kind: Update, Payload: []byte("v"), HLC: hlc.Timestamp{PhysicalMS: 5, Logical: 2, Node: "A"}},
	}
	a := NewChangeSet("A", 3, changes)
	b := NewChangeSet("A", 3, changes)
	require.Equal(t, a.Checksum, b.Checksum)
}

func TestChecksumSensitiveToSeq(t *testing.T) {
	changes := []Change{{Table: "t", Key: "k", Kind: Insert}}
	a := NewChangeSet("A", 1, changes)
	b := NewChangeSet("A", 2, changes)
	require.NotEqual(t, a.Checksum, b.Checksum)
}

func TestEncodeDecodeMultipleChanges(t *testing.T) {
	cs := NewChangeSet("node-1", 7, []Change{
		{Table: "backends", Key: "b1", Kind: Insert, Payload: []byte("p1"), HLC: hlc.Timestamp{PhysicalMS: 10, Logical: 0, Node: "node-1"}},
		{Table: "bindings", Key: "10.0.0.1", Kind: Update, Payload: []byte("p2"), HLC: hlc.Timestamp{PhysicalMS: 11, Logical: 1, Node: "node-1"}},
		{Table: "backends", Key: "b1", Kind: Delete, Payload: nil, HLC: hlc.Timestamp{PhysicalMS: 12, Logical: 0, Node: "node-1"}},
	})

	decoded, err := DecodeChangeSet(EncodeChangeSet(cs))
	require.NoError(t, err)
	require.Equal(t, cs, decoded)
	require.True(t, decoded.Verify())
}

func TestDecodeShortBufferErrors(t *testing.T) {
	_, err := DecodeChangeSet([]byte{1, 2, 3})
	require.Error(t, err)
}
