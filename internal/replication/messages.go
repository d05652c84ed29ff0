// Package replication implements the QUIC-backed replication transport
// from spec.md §4.6: a pooled, backoff-reconnecting connection per peer,
// one message per fresh unidirectional stream, and the
// Broadcast/SyncRequest/SyncResponse/Ack/Ping/Pong wire variants.
package replication

import (
	"github.com/andrebassi/edgeproxy/internal/changelog"
	"github.com/andrebassi/edgeproxy/internal/wire"
	"github.com/cockroachdb/errors"
)

// MessageType tags a Message's wire variant.
type MessageType byte

const (
	TypeBroadcast MessageType = iota + 1
	TypeSyncRequest
	TypeSyncResponse
	TypeAck
	TypePing
	TypePong
)

// Message is the tagged union of every replication wire variant
// (spec.md §4.6).
type Message struct {
	Type MessageType

	// Broadcast
	ChangeSet changelog.ChangeSet

	// SyncRequest, Ping: the sender's own transport_addr, since a fresh
	// QUIC connection's observed remote address is an ephemeral dial port,
	// not something the receiver can reply to (spec.md §4.6).
	ReplyTo string

	// SyncRequest
	FromSeq uint64
	Table   string

	// SyncResponse
	ChangeSets []changelog.ChangeSet

	// Ack
	AckSeq    uint64
	AckSource string
}

func NewBroadcast(cs changelog.ChangeSet) Message {
	return Message{Type: TypeBroadcast, ChangeSet: cs}
}

func NewSyncRequest(replyTo string, fromSeq uint64, table string) Message {
	return Message{Type: TypeSyncRequest, ReplyTo: replyTo, FromSeq: fromSeq, Table: table}
}

func NewSyncResponse(sets []changelog.ChangeSet) Message {
	return Message{Type: TypeSyncResponse, ChangeSets: sets}
}

func NewAck(source string, seq uint64) Message {
	return Message{Type: TypeAck, AckSource: source, AckSeq: seq}
}

func NewPing(replyTo string) Message { return Message{Type: TypePing, ReplyTo: replyTo} }
func NewPong() Message               { return Message{Type: TypePong} }

// Encode renders m into the length-prefixed, endian-explicit replication
// wire format (spec.md §6). The same primitive encoding is used for the
// gossip wire format, by internal/wire.
func Encode(m Message) []byte {
	w := wire.NewWriter(64)
	w.PutByte(byte(m.Type))
	switch m.Type {
	case TypeBroadcast:
		putChangeSet(w, m.ChangeSet)
	case TypeSyncRequest:
		w.PutString(m.ReplyTo)
		w.PutUint64(m.FromSeq)
		w.PutString(m.Table)
	case TypeSyncResponse:
		w.PutUint32(uint32(len(m.ChangeSets)))
		for _, cs := range m.ChangeSets {
			putChangeSet(w, cs)
		}
	case TypeAck:
		w.PutString(m.AckSource)
		w.PutUint64(m.AckSeq)
	case TypePing:
		w.PutString(m.ReplyTo)
	case TypePong:
		// no body
	}
	return w.Bytes()
}

func putChangeSet(w *wire.Writer, cs changelog.ChangeSet) {
	w.PutBytes(changelog.EncodeChangeSet(cs))
}

func getChangeSet(r *wire.Reader) (changelog.ChangeSet, error) {
	b, err := r.GetBytes()
	if err != nil {
		return changelog.ChangeSet{}, err
	}
	return changelog.DecodeChangeSet(b)
}

// Decode parses the wire format produced by Encode.
func Decode(b []byte) (Message, error) {
	r := wire.NewReader(b)
	tagByte, err := r.GetByte()
	if err != nil {
		return Message{}, err
	}
	typ := MessageType(tagByte)

	switch typ {
	case TypeBroadcast:
		cs, err := getChangeSet(r)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, ChangeSet: cs}, nil

	case TypeSyncRequest:
		replyTo, err := r.GetString()
		if err != nil {
			return Message{}, err
		}
		fromSeq, err := r.GetUint64()
		if err != nil {
			return Message{}, err
		}
		table, err := r.GetString()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, ReplyTo: replyTo, FromSeq: fromSeq, Table: table}, nil

	case TypeSyncResponse:
		n, err := r.GetUint32()
		if err != nil {
			return Message{}, err
		}
		sets := make([]changelog.ChangeSet, 0, n)
		for i := uint32(0); i < n; i++ {
			cs, err := getChangeSet(r)
			if err != nil {
				return Message{}, err
			}
			sets = append(sets, cs)
		}
		return Message{Type: typ, ChangeSets: sets}, nil

	case TypeAck:
		source, err := r.GetString()
		if err != nil {
			return Message{}, err
		}
		seq, err := r.GetUint64()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, AckSource: source, AckSeq: seq}, nil

	case TypePing:
		replyTo, err := r.GetString()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, ReplyTo: replyTo}, nil
	case TypePong:
		return Message{Type: typ}, nil

	default:
		return Message{}, errors.Newf("replication: unknown message type %d", tagByte)
	}
}
