package changelog

import (
	"github.com/andrebassi/edgeproxy/internal/hlc"
	"github.com/andrebassi/edgeproxy/internal/wire"
)

// EncodeChangeSet renders cs into the length-prefixed, endian-explicit wire
// format shared by the gossip and replication transports (spec.md §6).
func EncodeChangeSet(cs ChangeSet) []byte {
	w := wire.NewWriter(64 + len(cs.Changes)*32)
	w.PutString(cs.Source)
	w.PutUint64(cs.Seq)
	w.PutUint64(cs.Checksum)
	w.PutUint32(uint32(len(cs.Changes)))
	for _, c := range cs.Changes {
		w.PutString(c.Table)
		w.PutString(c.Key)
		w.PutByte(byte(c.Kind))
		w.PutBytes(c.Payload)
		w.PutUint64(c.HLC.PhysicalMS)
		w.PutUint32(c.HLC.Logical)
		w.PutString(c.HLC.Node)
	}
	return w.Bytes()
}

// DecodeChangeSet parses the wire format produced by EncodeChangeSet. It
// does not call Verify; callers must do that explicitly before trusting the
// result (spec.md §4.2 merge step 1).
func DecodeChangeSet(b []byte) (ChangeSet, error) {
	r := wire.NewReader(b)

	source, err := r.GetString()
	if err != nil {
		return ChangeSet{}, err
	}
	seq, err := r.GetUint64()
	if err != nil {
		return ChangeSet{}, err
	}
	checksum, err := r.GetUint64()
	if err != nil {
		return ChangeSet{}, err
	}
	n, err := r.GetUint32()
	if err != nil {
		return ChangeSet{}, err
	}

	changes := make([]Change, 0, n)
	for i := uint32(0); i < n; i++ {
		table, err := r.GetString()
		if err != nil {
			return ChangeSet{}, err
		}
		key, err := r.GetString()
		if err != nil {
			return ChangeSet{}, err
		}
		kindByte, err := r.GetByte()
		if err != nil {
			return ChangeSet{}, err
		}
		payload, err := r.GetBytes()
		if err != nil {
			return ChangeSet{}, err
		}
		physMS, err := r.GetUint64()
		if err != nil {
			return ChangeSet{}, err
		}
		logical, err := r.GetUint32()
		if err != nil {
			return ChangeSet{}, err
		}
		node, err := r.GetString()
		if err != nil {
			return ChangeSet{}, err
		}
		changes = append(changes, Change{
			Table:   table,
			Key:     key,
			Kind:    Kind(kindByte),
			Payload: payload,
			HLC:     hlc.Timestamp{PhysicalMS: physMS, Logical: logical, Node: node},
		})
	}

	return ChangeSet{
		Source:   source,
		Seq:      seq,
		Changes:  changes,
		Checksum: checksum,
	}, nil
}
