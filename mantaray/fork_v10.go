package mantaray

// prefixCeiling10 is the maximum number of prefix bytes a single v1.0
// fork record stores before requiring a continuous-node continuation.
const prefixCeiling10 = 31

// continuousPrefixLength is the wire prefixLength value (32) that
// signals "31 bytes stored, more follow via the child's single fork".
const continuousPrefixLength = 32

// ForkV10 is a v1.0 edge: a prefix paired with the child node it leads
// to. Unlike v0.2, the reference always addresses the child *node*
// (never its entry directly); every fork is independently loadable.
type ForkV10 struct {
	prefix []byte
	node   *NodeV10
}

// Prefix returns the edge's path prefix (as stored on this edge; for a
// continuous edge this is the first 31 bytes of the logical prefix).
func (f *ForkV10) Prefix() []byte { return f.prefix }

// Node returns the child node this fork leads to.
func (f *ForkV10) Node() *NodeV10 { return f.node }

// encode writes this fork's fixed-width record: 1-byte prefixLength +
// 31-byte zero-padded prefix + refBytesSize-byte child node reference +
// the parent-declared fork-metadata slot (segSize*32 bytes, omitted
// when segSize is zero).
func (f *ForkV10) encode(refBytesSize, segSize int) ([]byte, error) {
	if len(f.prefix) < 1 || len(f.prefix) > prefixCeiling10 {
		return nil, malformed("fork.prefixLength", "out of 1..31 range")
	}
	wireLen := len(f.prefix)
	if wireLen == prefixCeiling10 && f.node.isContinuousNode {
		wireLen = continuousPrefixLength
	}

	out := make([]byte, 1+31+refBytesSize)
	out[0] = byte(wireLen)
	copy(out[1:32], f.prefix)
	copy(out[32:32+refBytesSize], f.node.contentAddress)

	if segSize > 0 {
		slot, err := metadataPadInSegments(f.node.forkMetadata, segSize)
		if err != nil {
			return nil, err
		}
		out = append(out, slot...)
	}
	return out, nil
}

// decodeFork10 reads one fork record from buf, returning the fork and
// the number of bytes consumed. The returned child is shallow: it only
// knows its own contentAddress until Load is called on it.
func decodeFork10(buf []byte, refBytesSize, segSize int) (*ForkV10, int, error) {
	need := 1 + 31 + refBytesSize
	if len(buf) < need {
		return nil, 0, malformed("fork", "truncated header/reference")
	}
	wireLen := int(buf[0])
	continuous := false
	prefixLen := wireLen
	if wireLen > prefixCeiling10 {
		continuous = true
		prefixLen = prefixCeiling10
	}
	if prefixLen < 1 || prefixLen > prefixCeiling10 {
		return nil, 0, malformed("fork.prefixLength", "out of range")
	}
	prefix := make([]byte, prefixLen)
	copy(prefix, buf[1:1+prefixLen])

	ref := buf[32 : 32+refBytesSize]
	offset := need

	child := newNodeV10(zeroKey32())
	child.refBytesSize = refBytesSize
	child.isContinuousNode = continuous
	addr, err := NewReference(append(Reference(nil), ref...))
	if err != nil {
		return nil, 0, err
	}
	child.markClean(addr)

	if segSize > 0 {
		slot := segSize * 32
		if len(buf) < offset+slot {
			return nil, 0, malformed("fork.metadata", "truncated slot")
		}
		child.forkMetadata = metadataDeserialize(buf[offset : offset+slot])
		offset += slot
	}

	return &ForkV10{prefix: prefix, node: child}, offset, nil
}
