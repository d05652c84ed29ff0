package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPingRoundTrip(t *testing.T) {
	msg := pingMsg{
		SenderID: "A", SenderGossip: "127.0.0.1:1", SenderTransport: "127.0.0.1:2",
		Incarnation: 7,
		Rumors:      []rumor{{Kind: rumorSuspect, NodeID: "B", Incarnation: 3}},
	}
	decoded, err := decode(encodePing(msg))
	require.NoError(t, err)
	require.Equal(t, tagPing, decoded.Tag)
	require.Equal(t, msg, decoded.Ping)
}

func TestAckRoundTrip(t *testing.T) {
	msg := ackMsg{SenderID: "B", Incarnation: 2}
	decoded, err := decode(encodeAck(msg))
	require.NoError(t, err)
	require.Equal(t, tagAck, decoded.Tag)
	require.Equal(t, msg, decoded.Ack)
}

func TestMemberListRoundTrip(t *testing.T) {
	msg := memberListMsg{Members: []memberRow{
		{NodeID: "A", GossipAddr: "g1", TransportAddr: "t1", Incarnation: 1},
		{NodeID: "B", GossipAddr: "g2", TransportAddr: "t2", Incarnation: 5},
	}}
	decoded, err := decode(encodeMemberList(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded.MemberList)
}

func TestJoinRoundTrip(t *testing.T) {
	msg := joinMsg{NodeID: "A", GossipAddr: "g", TransportAddr: "t"}
	decoded, err := decode(encodeJoin(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded.Join)
}

func TestPingReqRoundTrip(t *testing.T) {
	msg := pingReqMsg{TargetID: "A"}
	decoded, err := decode(encodePingReq(msg))
	require.NoError(t, err)
	require.Equal(t, msg, decoded.PingReq)
}

func TestClaimRoundTrip(t *testing.T) {
	for _, tag := range []msgTag{tagSuspect, tagAlive, tagConfirm} {
		msg := claimMsg{NodeID: "A", Incarnation: 9}
		decoded, err := decode(encodeClaim(tag, msg))
		require.NoError(t, err)
		require.Equal(t, tag, decoded.Tag)
		require.Equal(t, msg, decoded.Claim)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := decode([]byte{255})
	require.Error(t, err)
}
