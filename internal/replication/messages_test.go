package replication

import (
	"testing"

	"github.com/andrebassi/edgeproxy/internal/changelog"
	"github.com/andrebassi/edgeproxy/internal/hlc"
	"github.com/stretchr/testify/require"
)

func sampleChangeSet(source string, seq uint64) changelog.ChangeSet {
	return changelog.NewChangeSet(source, seq, []changelog.Change{
		{Table: "bindings", Key: "k1", Kind: changelog.Insert, Payload: []byte("v1"), HLC: hlc.Timestamp{PhysicalMS: 100, Logical: 1, Node: source}},
	})
}

func TestBroadcastRoundTrip(t *testing.T) {
	msg := NewBroadcast(sampleChangeSet("A", 1))
	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.ChangeSet, decoded.ChangeSet)
	require.True(t, decoded.ChangeSet.Verify())
}

func TestSyncRequestRoundTrip(t *testing.T) {
	msg := NewSyncRequest("127.0.0.1:9000", 42, "bindings")
	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestSyncResponseRoundTrip(t *testing.T) {
	msg := NewSyncResponse([]changelog.ChangeSet{
		sampleChangeSet("A", 1),
		sampleChangeSet("A", 2),
	})
	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Len(t, decoded.ChangeSets, 2)
	require.Equal(t, msg.ChangeSets, decoded.ChangeSets)
}

func TestSyncResponseEmptyRoundTrip(t *testing.T) {
	msg := NewSyncResponse(nil)
	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Empty(t, decoded.ChangeSets)
}

func TestAckRoundTrip(t *testing.T) {
	msg := NewAck("A", 7)
	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded)
}

func TestPingPongRoundTrip(t *testing.T) {
	decoded, err := Decode(Encode(NewPing("client-addr")))
	require.NoError(t, err)
	require.Equal(t, TypePing, decoded.Type)

	decoded, err = Decode(Encode(NewPong()))
	require.NoError(t, err)
	require.Equal(t, TypePong, decoded.Type)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte{255})
	require.Error(t, err)
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	full := Encode(NewBroadcast(sampleChangeSet("A", 1)))
	_, err := Decode(full[:len(full)-2])
	require.Error(t, err)
}
