package mantaray

// v0.2 nodeType bitfield flags, stored per-fork in the fork's header
// byte (the flags describe the *child* node reached by that fork).
const (
	flagValue             uint8 = 2
	flagEdge              uint8 = 4
	flagWithPathSeparator uint8 = 8
	flagWithMetadata      uint8 = 16
)

// prefixCeiling02 is the maximum number of prefix bytes a single v0.2
// fork record can carry. v0.2 has no continuous-node flag: for a longer
// path, AddFork stores the first 30 bytes as the edge prefix and adds
// the remainder under the new child (see AddFork).
const prefixCeiling02 = 30

// ForkV02 is a v0.2 edge: a prefix paired with the child node it leads to.
//
// A v0.2 fork's reference field is polymorphic on whether the child is
// an edge:
//   - edge children are saved as their own chunk; the fork stores that
//     chunk's contentAddress, and the child is loaded lazily.
//   - leaf children (no forks of their own) are never given a separate
//     chunk: the fork's reference field directly carries the leaf's
//     entry, and any leaf metadata is inlined in the same record.
type ForkV02 struct {
	prefix []byte
	node   *NodeV02
}

// Prefix returns the edge's path prefix.
func (f *ForkV02) Prefix() []byte { return f.prefix }

// Node returns the child node this fork leads to.
func (f *ForkV02) Node() *NodeV02 { return f.node }

// nodeTypeFlags recomputes the wire nodeType byte for the child reached
// by this fork, from the child's current in-memory state.
func (f *ForkV02) nodeTypeFlags() uint8 {
	var t uint8
	if f.node.hasEntry {
		t |= flagValue
	}
	if f.node.isEdgeFlag {
		t |= flagEdge
	}
	if f.node.withPathSeparator {
		t |= flagWithPathSeparator
	}
	if f.node.metadata != nil {
		t |= flagWithMetadata
	}
	return t
}

// encode writes this fork's on-wire record (header + reference +
// optional metadata). refBytesSize is the parent node's reference width.
// For edge children, ref must already hold the child's saved
// contentAddress; for leaf children it is ignored and the entry is used
// directly.
func (f *ForkV02) encode(refBytesSize int) ([]byte, error) {
	if len(f.prefix) < 1 || len(f.prefix) > prefixCeiling02 {
		return nil, malformed("fork.prefixLength", "out of 1..30 range")
	}
	nodeType := f.nodeTypeFlags()

	header := make([]byte, 32)
	header[0] = nodeType
	header[1] = byte(len(f.prefix))
	copy(header[2:32], f.prefix)

	ref := make([]byte, refBytesSize)
	switch {
	case f.node.isEdgeFlag:
		copy(ref, f.node.contentAddress)
	case f.node.hasEntry:
		copy(ref, f.node.entry)
	}

	out := append(header, ref...)

	if nodeType&flagWithMetadata != 0 {
		encoded, err := metadataSerialize(f.node.metadata)
		if err != nil {
			return nil, err
		}
		lenPrefix := make([]byte, 2)
		putUint16BE(lenPrefix, uint16(len(encoded)))
		out = append(out, lenPrefix...)
		out = append(out, encoded...)
	}
	return out, nil
}

// decodeFork02 reads one fork record from buf (positioned at the start
// of the record) and returns the fork plus the number of bytes consumed.
func decodeFork02(buf []byte, refBytesSize int) (*ForkV02, int, error) {
	if len(buf) < 32+refBytesSize {
		return nil, 0, malformed("fork", "truncated header/reference")
	}
	nodeType := buf[0]
	prefixLen := int(buf[1])
	if prefixLen < 1 || prefixLen > prefixCeiling02 {
		return nil, 0, malformed("fork.prefixLength", "out of 1..30 range")
	}
	prefix := make([]byte, prefixLen)
	copy(prefix, buf[2:2+prefixLen])

	offset := 32
	ref := buf[offset : offset+refBytesSize]
	offset += refBytesSize

	child := newNodeV02(zeroKey32())
	child.isEdgeFlag = nodeType&flagEdge != 0
	child.withPathSeparator = nodeType&flagWithPathSeparator != 0

	if child.isEdgeFlag {
		addr, err := NewReference(append(Reference(nil), ref...))
		if err != nil {
			return nil, 0, err
		}
		child.markClean(addr)
	} else if nodeType&flagValue != 0 {
		child.hasEntry = true
		child.entry = append(Reference(nil), ref...)
		child.markClean(nil)
	} else {
		child.markClean(nil)
	}

	if nodeType&flagWithMetadata != 0 {
		if len(buf) < offset+2 {
			return nil, 0, malformed("fork.metadataBytesSize", "truncated")
		}
		metaLen := int(getUint16BE(buf[offset : offset+2]))
		offset += 2
		if len(buf) < offset+metaLen {
			return nil, 0, malformed("fork.metadata", "truncated")
		}
		child.metadata = metadataDeserialize(buf[offset : offset+metaLen])
		offset += metaLen
	}

	return &ForkV02{prefix: prefix, node: child}, offset, nil
}

func zeroKey32() [32]byte { return [32]byte{} }
