package changelog

import "encoding/binary"

// checksum folds a deterministic 64-bit FNV-1a hash over the little-endian
// encoding of a ChangeSet's identity and contents. The scheme is hand-rolled
// rather than delegated to a hashing library because it must fold specific,
// explicitly-ordered fields (not an arbitrary byte stream) — see DESIGN.md.
const (
	fnvOffset64 uint64 = 14695981039346656037
	fnvPrime64  uint64 = 1099511628211
)

func fnv1a(h uint64, b []byte) uint64 {
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	return h
}

func fnv1aUint64(h uint64, v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return fnv1a(h, buf[:])
}

func fnv1aUint32(h uint64, v uint32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return fnv1a(h, buf[:])
}

func fnv1aLenPrefixed(h uint64, b []byte) uint64 {
	h = fnv1aUint32(h, uint32(len(b)))
	return fnv1a(h, b)
}

// computeChecksum implements the algorithm from spec.md §4.2: fold over
// source-bytes, seq, and for each change: table-len, table, key-len, key,
// kind-tag, payload-len, payload, hlc-physical, hlc-logical, hlc-node-bytes.
func computeChecksum(source string, seq uint64, changes []Change) uint64 {
	h := fnvOffset64
	h = fnv1a(h, []byte(source))
	h = fnv1aUint64(h, seq)
	for _, c := range changes {
		h = fnv1aLenPrefixed(h, []byte(c.Table))
		h = fnv1aLenPrefixed(h, []byte(c.Key))
		h = fnv1a(h, []byte{byte(c.Kind)})
		h = fnv1aLenPrefixed(h, c.Payload)
		h = fnv1aUint64(h, c.HLC.PhysicalMS)
		h = fnv1aUint32(h, c.HLC.Logical)
		h = fnv1a(h, []byte(c.HLC.Node))
	}
	return h
}
