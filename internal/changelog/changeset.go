package changelog

// ChangeSet is an ordered, checksummed batch of Changes produced by one node
// at one sequence number. Seq is strictly increasing per Source; gaps
// indicate missed ChangeSets that anti-entropy must fetch.
type ChangeSet struct {
	Source   string
	Seq      uint64
	Changes  []Change
	Checksum uint64
}

// NewChangeSet builds a ChangeSet and computes its checksum. A ChangeSet
// with zero changes is legal (used as a heartbeat / flush no-op) but by
// convention is not broadcast.
func NewChangeSet(source string, seq uint64, changes []Change) ChangeSet {
	cs := ChangeSet{
		Source:  source,
		Seq:     seq,
		Changes: changes,
	}
	cs.Checksum = computeChecksum(cs.Source, cs.Seq, cs.Changes)
	return cs
}

// Verify recomputes the checksum and compares it against the stored value.
func (cs ChangeSet) Verify() bool {
	return computeChecksum(cs.Source, cs.Seq, cs.Changes) == cs.Checksum
}

// Empty reports whether the ChangeSet carries no changes.
func (cs ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}
