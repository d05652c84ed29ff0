package membership

import (
	"github.com/andrebassi/edgeproxy/internal/wire"
	"github.com/cockroachdb/errors"
)

// MaxDatagramSize bounds a single UDP message to avoid IP fragmentation;
// oversized member lists are split into multiple delta messages by
// Gossiper.handleJoin (spec.md §6).
const MaxDatagramSize = 1400

// msgTag is the single leading byte that self-describes a gossip datagram.
type msgTag byte

const (
	tagJoin msgTag = iota + 1
	tagMemberList
	tagPing
	tagAck
	tagPingReq
	tagSuspect
	tagAlive
	tagConfirm
)

// memberRow is a single (node_id, gossip_addr, transport_addr, incarnation)
// tuple as carried by a MemberList message.
type memberRow struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
	Incarnation   uint64
}

type joinMsg struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
}

type memberListMsg struct {
	Members []memberRow
}

type pingMsg struct {
	SenderID        string
	SenderGossip    string
	SenderTransport string
	Incarnation     uint64
	Rumors          []rumor
}

type ackMsg struct {
	SenderID    string
	Incarnation uint64
	Rumors      []rumor
}

type pingReqMsg struct {
	TargetID string
}

// rumorKind mirrors the Suspect/Alive/Confirm claim variants, piggybacked
// on Ping/Ack (spec.md §4.5).
type rumorKind byte

const (
	rumorSuspect rumorKind = iota
	rumorAlive
	rumorConfirm
)

type rumor struct {
	Kind        rumorKind
	NodeID      string
	Incarnation uint64
}

type claimMsg struct {
	NodeID      string
	Incarnation uint64
}

func encodeJoin(m joinMsg) []byte {
	w := wire.NewWriter(64)
	w.PutByte(byte(tagJoin))
	w.PutString(m.NodeID)
	w.PutString(m.GossipAddr)
	w.PutString(m.TransportAddr)
	return w.Bytes()
}

func encodeMemberList(m memberListMsg) []byte {
	w := wire.NewWriter(32 + len(m.Members)*48)
	w.PutByte(byte(tagMemberList))
	w.PutUint32(uint32(len(m.Members)))
	for _, row := range m.Members {
		w.PutString(row.NodeID)
		w.PutString(row.GossipAddr)
		w.PutString(row.TransportAddr)
		w.PutUint64(row.Incarnation)
	}
	return w.Bytes()
}

func putRumors(w *wire.Writer, rumors []rumor) {
	w.PutUint32(uint32(len(rumors)))
	for _, r := range rumors {
		w.PutByte(byte(r.Kind))
		w.PutString(r.NodeID)
		w.PutUint64(r.Incarnation)
	}
}

func getRumors(r *wire.Reader) ([]rumor, error) {
	n, err := r.GetUint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]rumor, 0, n)
	for i := uint32(0); i < n; i++ {
		kind, err := r.GetByte()
		if err != nil {
			return nil, err
		}
		nodeID, err := r.GetString()
		if err != nil {
			return nil, err
		}
		inc, err := r.GetUint64()
		if err != nil {
			return nil, err
		}
		out = append(out, rumor{Kind: rumorKind(kind), NodeID: nodeID, Incarnation: inc})
	}
	return out, nil
}

func encodePing(m pingMsg) []byte {
	w := wire.NewWriter(96 + len(m.Rumors)*24)
	w.PutByte(byte(tagPing))
	w.PutString(m.SenderID)
	w.PutString(m.SenderGossip)
	w.PutString(m.SenderTransport)
	w.PutUint64(m.Incarnation)
	putRumors(w, m.Rumors)
	return w.Bytes()
}

func encodeAck(m ackMsg) []byte {
	w := wire.NewWriter(48 + len(m.Rumors)*24)
	w.PutByte(byte(tagAck))
	w.PutString(m.SenderID)
	w.PutUint64(m.Incarnation)
	putRumors(w, m.Rumors)
	return w.Bytes()
}

func encodePingReq(m pingReqMsg) []byte {
	w := wire.NewWriter(32)
	w.PutByte(byte(tagPingReq))
	w.PutString(m.TargetID)
	return w.Bytes()
}

func encodeClaim(tag msgTag, m claimMsg) []byte {
	w := wire.NewWriter(32)
	w.PutByte(byte(tag))
	w.PutString(m.NodeID)
	w.PutUint64(m.Incarnation)
	return w.Bytes()
}

// decodedMessage is the tagged union returned by decode.
type decodedMessage struct {
	Tag        msgTag
	Join       joinMsg
	MemberList memberListMsg
	Ping       pingMsg
	Ack        ackMsg
	PingReq    pingReqMsg
	Claim      claimMsg
}

func decode(b []byte) (decodedMessage, error) {
	r := wire.NewReader(b)
	tagByte, err := r.GetByte()
	if err != nil {
		return decodedMessage{}, err
	}
	tag := msgTag(tagByte)

	switch tag {
	case tagJoin:
		nodeID, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		gossipAddr, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		transportAddr, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		return decodedMessage{Tag: tag, Join: joinMsg{nodeID, gossipAddr, transportAddr}}, nil

	case tagMemberList:
		n, err := r.GetUint32()
		if err != nil {
			return decodedMessage{}, err
		}
		rows := make([]memberRow, 0, n)
		for i := uint32(0); i < n; i++ {
			nodeID, err := r.GetString()
			if err != nil {
				return decodedMessage{}, err
			}
			gossipAddr, err := r.GetString()
			if err != nil {
				return decodedMessage{}, err
			}
			transportAddr, err := r.GetString()
			if err != nil {
				return decodedMessage{}, err
			}
			inc, err := r.GetUint64()
			if err != nil {
				return decodedMessage{}, err
			}
			rows = append(rows, memberRow{nodeID, gossipAddr, transportAddr, inc})
		}
		return decodedMessage{Tag: tag, MemberList: memberListMsg{Members: rows}}, nil

	case tagPing:
		senderID, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		senderGossip, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		senderTransport, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		inc, err := r.GetUint64()
		if err != nil {
			return decodedMessage{}, err
		}
		rumors, err := getRumors(r)
		if err != nil {
			return decodedMessage{}, err
		}
		return decodedMessage{Tag: tag, Ping: pingMsg{senderID, senderGossip, senderTransport, inc, rumors}}, nil

	case tagAck:
		senderID, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		inc, err := r.GetUint64()
		if err != nil {
			return decodedMessage{}, err
		}
		rumors, err := getRumors(r)
		if err != nil {
			return decodedMessage{}, err
		}
		return decodedMessage{Tag: tag, Ack: ackMsg{senderID, inc, rumors}}, nil

	case tagPingReq:
		targetID, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		return decodedMessage{Tag: tag, PingReq: pingReqMsg{targetID}}, nil

	case tagSuspect, tagAlive, tagConfirm:
		nodeID, err := r.GetString()
		if err != nil {
			return decodedMessage{}, err
		}
		inc, err := r.GetUint64()
		if err != nil {
			return decodedMessage{}, err
		}
		return decodedMessage{Tag: tag, Claim: claimMsg{nodeID, inc}}, nil

	default:
		return decodedMessage{}, errors.Newf("membership: unknown message tag %d", tagByte)
	}
}
