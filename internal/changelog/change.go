// Package changelog implements the ordered, checksummed log of row-level
// changes that the replication agent broadcasts and merges: Change,
// ChangeSet, the checksum algorithm, and the in-memory Log that buffers
// local writes, flushes them into ChangeSets, and merges remote ones with
// last-writer-wins semantics keyed by HLC.
package changelog

import (
	"github.com/andrebassi/edgeproxy/internal/hlc"
)

// Kind enumerates the three row-level operations the log understands.
type Kind uint8

const (
	Insert Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change is a single row-level mutation. Payload is an opaque serialized
// row; the log never interprets it. By convention a Delete carries an empty
// payload.
type Change struct {
	Table   string
	Key     string
	Kind    Kind
	Payload []byte
	HLC     hlc.Timestamp
}

// RowKey identifies a row independent of its change history.
type RowKey struct {
	Table string
	Key   string
}
