package mantaray

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// KeyGenerator produces fresh 32-byte obfuscation keys for newly
// allocated v1.0 descendants of a keyed parent.
type KeyGenerator func() ([32]byte, error)

// AttributesV10 bundles the entry, node metadata and fork metadata that
// AddFork may apply to the node reached by a path in a v1.0 tree.
type AttributesV10 struct {
	Entry        Reference
	EncEntry     bool
	Metadata     Metadata // node-level metadata of the resolved node
	ForkMetadata Metadata // fork-level metadata of the edge leading to it
	KeyGenerator KeyGenerator
}

// NodeV10 is a current-format mantaray trie node.
type NodeV10 struct {
	obfuscationKey [32]byte

	hasEntry   bool
	encEntry   bool
	isEdgeFlag bool

	forkMetadataSegmentSize uint8 // 0..31, property of this node as a parent

	entry        Reference
	metadata     Metadata // this node's own node-level metadata
	forkMetadata Metadata // metadata of the edge the parent used to reach this node
	forks        map[byte]*ForkV10

	isContinuousNode bool

	refBytesSize int // runtime-only; not stored on the wire

	dirty          bool
	contentAddress Reference
}

func newNodeV10(obfuscationKey [32]byte) *NodeV10 {
	return &NodeV10{
		obfuscationKey: obfuscationKey,
		refBytesSize:   ReferenceLength,
		dirty:          true,
	}
}

// NewNodeV10 constructs a fresh, empty v1.0 root.
func NewNodeV10(obfuscationKey [32]byte) *NodeV10 {
	return newNodeV10(obfuscationKey)
}

func (n *NodeV10) markDirty() {
	n.dirty = true
	n.contentAddress = nil
}

func (n *NodeV10) markClean(addr Reference) {
	n.dirty = false
	n.contentAddress = addr
}

// IsDirty reports whether this node must be re-serialized on next save.
func (n *NodeV10) IsDirty() bool { return n.dirty }

// MakeDirty forces the dirty flag.
func (n *NodeV10) MakeDirty() { n.markDirty() }

// ContentAddress returns the reference this node was last saved under.
func (n *NodeV10) ContentAddress() Reference { return n.contentAddress }

// IsEdge reports whether this node has any forks.
func (n *NodeV10) IsEdge() bool { return n.isEdgeFlag }

// HasEntry reports whether this node carries an entry.
func (n *NodeV10) HasEntry() bool { return n.hasEntry }

// EncEntry reports whether the entry is a 64-byte encrypted reference.
func (n *NodeV10) EncEntry() bool { return n.encEntry }

// IsContinuousNode reports whether this node exists purely to chain an
// over-long prefix from its parent's edge.
func (n *NodeV10) IsContinuousNode() bool { return n.isContinuousNode }

// Entry returns the node's entry reference, or nil.
func (n *NodeV10) Entry() Reference { return n.entry }

// Metadata returns the node's own (node-level) metadata.
func (n *NodeV10) Metadata() Metadata { return n.metadata }

// ForkMetadata returns the metadata of the edge the parent used to
// reach this node (logically owned by the parent's fork record, carried
// here so it survives rearrangements).
func (n *NodeV10) ForkMetadata() Metadata { return n.forkMetadata }

// ForkMetadataSegmentSize returns the 32-byte-segment count reserved for
// each of this node's forks' fork-metadata slots.
func (n *NodeV10) ForkMetadataSegmentSize() uint8 { return n.forkMetadataSegmentSize }

// SetForkMetadataSegmentSize configures the slot width used for every
// fork of this node. Changing it after forks already carry metadata
// that no longer fits will surface as a metadata-overflow error on the
// next Serialize.
func (n *NodeV10) SetForkMetadataSegmentSize(segments uint8) {
	if segments > 31 {
		segments = 31
	}
	n.forkMetadataSegmentSize = segments
	n.markDirty()
}

// ObfuscationKey returns the 32-byte XOR keystream.
func (n *NodeV10) ObfuscationKey() [32]byte { return n.obfuscationKey }

// SetObfuscationKey assigns a new key and marks the node dirty.
func (n *NodeV10) SetObfuscationKey(key [32]byte) {
	n.obfuscationKey = key
	n.markDirty()
}

// SetRefBytesSize configures the reference width (32 or 64) this node
// and its freshly created descendants use for child node references.
// v1.0 has no header bit for this; it must be set
// consistently by the caller before Save/Load.
func (n *NodeV10) SetRefBytesSize(size int) error {
	if size != ReferenceLength && size != EncryptedReferenceLength {
		return ErrInvalidReference
	}
	n.refBytesSize = size
	return nil
}

// RefBytesSize returns the currently configured reference width.
func (n *NodeV10) RefBytesSize() int { return n.refBytesSize }

// Forks returns the fork map keyed by first prefix byte.
func (n *NodeV10) Forks() map[byte]*ForkV10 { return n.forks }

// SetEntry sets the node's entry and, if encrypted, requires a 64-byte
// reference (invariant 6: encEntry ⇒ hasEntry, and length 64 iff encEntry).
func (n *NodeV10) SetEntry(entry Reference, encrypted bool) error {
	if entry != nil {
		want := ReferenceLength
		if encrypted {
			want = EncryptedReferenceLength
		}
		if len(entry) != want {
			return ErrInvalidReference
		}
	}
	n.entry = entry
	n.hasEntry = entry != nil
	n.encEntry = encrypted && entry != nil
	n.markDirty()
	return nil
}

// SetMetadata replaces the node's own (node-level) metadata.
func (n *NodeV10) SetMetadata(m Metadata) {
	n.metadata = m
	n.markDirty()
}

// SetForkMetadata replaces the metadata carried on the edge the parent
// used to reach n.
func (n *NodeV10) SetForkMetadata(m Metadata) {
	n.forkMetadata = m
	n.markDirty()
}

func (n *NodeV10) childKey(gen KeyGenerator) ([32]byte, error) {
	if isZeroKey(n.obfuscationKey[:]) {
		return [32]byte{}, nil
	}
	if gen == nil {
		return [32]byte{}, ErrMissingObfuscationGenerator
	}
	return gen()
}

// AddFork inserts path into the trie rooted at n, applying attrs to the
// node the path resolves to.
func (n *NodeV10) AddFork(path []byte, attrs AttributesV10) error {
	if len(path) == 0 {
		if attrs.Entry != nil {
			if err := n.SetEntry(attrs.Entry, attrs.EncEntry); err != nil {
				return err
			}
		}
		if attrs.Metadata != nil {
			n.metadata = attrs.Metadata
		}
		if attrs.ForkMetadata != nil {
			n.forkMetadata = attrs.ForkMetadata
		}
		n.markDirty()
		return nil
	}

	if n.forks == nil {
		n.forks = make(map[byte]*ForkV10)
	}
	first := path[0]
	existing, ok := n.forks[first]
	if !ok {
		key, err := n.childKey(attrs.KeyGenerator)
		if err != nil {
			return err
		}
		child := newNodeV10(key)
		child.refBytesSize = n.refBytesSize
		child.forkMetadataSegmentSize = n.forkMetadataSegmentSize

		if len(path) > prefixCeiling10 {
			child.isEdgeFlag = true
			child.isContinuousNode = true
			child.forks = make(map[byte]*ForkV10)
			if err := child.AddFork(path[prefixCeiling10:], attrs); err != nil {
				return err
			}
			n.forks[first] = &ForkV10{prefix: append([]byte(nil), path[:prefixCeiling10]...), node: child}
		} else {
			if err := child.AddFork(nil, attrs); err != nil {
				return err
			}
			n.forks[first] = &ForkV10{prefix: append([]byte(nil), path...), node: child}
		}
		if err := n.checkForkMetadataFits(n.forks[first]); err != nil {
			return err
		}
		n.isEdgeFlag = true
		n.markDirty()
		return nil
	}

	common := longestCommonPrefix(existing.prefix, path)
	if common == len(existing.prefix) {
		if err := existing.node.AddFork(path[common:], attrs); err != nil {
			return err
		}
		if err := n.checkForkMetadataFits(existing); err != nil {
			return err
		}
		n.markDirty()
		return nil
	}

	// Split: allocate an intermediate node keyed on the divergence byte.
	// The existing child is re-homed under it with a shortened edge
	// prefix (existing.prefix[common:], strictly less than 31 bytes
	// since common >= 1). If that child was continuous, its isContinuous
	// flag only meant "the 31-byte prefix leading to me is the sentinel-
	// encoded head of a longer run"; once its own edge is shorter than
	// 31 bytes that ambiguity no longer exists on the wire, so the flag
	// must be cleared here to keep the in-memory node consistent with
	// what a reload would decode.
	splitPrefix := append([]byte(nil), existing.prefix[common:]...)
	if existing.node.isContinuousNode && len(splitPrefix) != prefixCeiling10 {
		existing.node.isContinuousNode = false
		existing.node.markDirty()
	}

	key, err := n.childKey(attrs.KeyGenerator)
	if err != nil {
		return err
	}
	intermediate := newNodeV10(key)
	intermediate.refBytesSize = n.refBytesSize
	intermediate.forkMetadataSegmentSize = n.forkMetadataSegmentSize
	intermediate.isEdgeFlag = true
	intermediate.forks = map[byte]*ForkV10{
		existing.prefix[common]: {
			prefix: splitPrefix,
			node:   existing.node,
		},
	}
	if err := intermediate.AddFork(path[common:], attrs); err != nil {
		return err
	}
	n.forks[first] = &ForkV10{prefix: append([]byte(nil), path[:common]...), node: intermediate}
	if err := n.checkForkMetadataFits(n.forks[first]); err != nil {
		return err
	}
	n.markDirty()
	return nil
}

// checkForkMetadataFits validates that f's fork-metadata encodes within
// n's declared segment slot, without mutating segment size.
func (n *NodeV10) checkForkMetadataFits(f *ForkV10) error {
	if f.node.forkMetadata == nil {
		return nil
	}
	_, err := metadataPadInSegments(f.node.forkMetadata, int(n.forkMetadataSegmentSize))
	return err
}

// GetForkAtPath walks forks by first byte and returns the fork whose
// prefix resolves path, recursing through continuous nodes transparently.
func (n *NodeV10) GetForkAtPath(path []byte) (*ForkV10, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}
	f, ok := n.forks[path[0]]
	if !ok {
		return nil, ErrNotFound
	}
	if len(path) < len(f.prefix) || !equalBytes(f.prefix, path[:len(f.prefix)]) {
		return nil, ErrNotFound
	}
	rest := path[len(f.prefix):]
	if len(rest) == 0 {
		return f, nil
	}
	return f.node.GetForkAtPath(rest)
}

// RemovePath deletes the fork matching path exactly.
func (n *NodeV10) RemovePath(path []byte) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	f, ok := n.forks[path[0]]
	if !ok {
		return ErrNotFound
	}
	if len(path) < len(f.prefix) || !equalBytes(f.prefix, path[:len(f.prefix)]) {
		return ErrNotFound
	}
	rest := path[len(f.prefix):]
	if len(rest) == 0 {
		delete(n.forks, path[0])
		if len(n.forks) == 0 {
			n.isEdgeFlag = false
		}
		n.markDirty()
		return nil
	}
	if err := f.node.RemovePath(rest); err != nil {
		return err
	}
	n.markDirty()
	return nil
}

// nodeFeatures packs hasEntry/encEntry/isEdge/forkMetadataSegmentSize
// into the single feature byte at offset 63.
func (n *NodeV10) nodeFeatures() byte {
	var b byte
	if n.hasEntry {
		b |= 1
	}
	if n.encEntry {
		b |= 1 << 1
	}
	if n.isEdgeFlag {
		b |= 1 << 2
	}
	b |= (n.forkMetadataSegmentSize & 0x1f) << 3
	return b
}

// Serialize produces the bit-exact v1.0 wire representation of n.
func (n *NodeV10) Serialize() ([]byte, error) {
	if n.isEdgeFlag && len(n.forks) == 0 {
		return nil, ErrDirtyWithoutPayload
	}
	if !n.isEdgeFlag && !n.hasEntry {
		return nil, ErrDirtyWithoutPayload
	}

	refSize := n.refBytesSize
	if refSize != ReferenceLength && refSize != EncryptedReferenceLength {
		refSize = ReferenceLength
	}

	buf := make([]byte, 64)
	copy(buf[0:32], n.obfuscationKey[:])
	copy(buf[32:63], versionTag10[:])
	buf[63] = n.nodeFeatures()

	if n.hasEntry {
		entrySize := ReferenceLength
		if n.encEntry {
			entrySize = EncryptedReferenceLength
		}
		entryBuf := make([]byte, entrySize)
		copy(entryBuf, n.entry)
		buf = append(buf, entryBuf...)
	}

	if n.isEdgeFlag {
		var idx indexBytes
		keys := sortedForkKeys10(n.forks)
		for _, k := range keys {
			idx.setByte(k)
		}
		buf = append(buf, idx[:]...)

		segSize := int(n.forkMetadataSegmentSize)
		for _, k := range keys {
			enc, err := n.forks[k].encode(refSize, segSize)
			if err != nil {
				return nil, err
			}
			buf = append(buf, enc...)
		}
	}

	if n.metadata != nil {
		encoded, err := metadataSerialize(n.metadata)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encoded...)
	}

	xorInPlace(n.obfuscationKey[:], buf, 32, len(buf))
	return buf, nil
}

// Deserialize replaces n's state with the node encoded in data. n's
// refBytesSize (already configured, default 32) determines the width
// used to read fork node references, since v1.0 does not persist it.
func (n *NodeV10) Deserialize(data []byte) error {
	if len(data) < 64 {
		return malformed("node", "buffer shorter than v1.0 header")
	}
	var key [32]byte
	copy(key[:], data[0:32])

	body := append([]byte(nil), data...)
	xorInPlace(key[:], body, 32, len(body))

	if !equalBytes(body[32:63], versionTag10[:]) {
		return malformed("versionTag", "does not match v1.0")
	}
	features := body[63]
	hasEntry := features&1 != 0
	encEntry := features&(1<<1) != 0
	isEdge := features&(1<<2) != 0
	segSize := int((features >> 3) & 0x1f)

	if encEntry && !hasEntry {
		return malformed("nodeFeatures", "encEntry set without hasEntry")
	}

	offset := 64
	var entry Reference
	if hasEntry {
		entrySize := ReferenceLength
		if encEntry {
			entrySize = EncryptedReferenceLength
		}
		if len(body) < offset+entrySize {
			return malformed("entry", "truncated")
		}
		entry = append(Reference(nil), body[offset:offset+entrySize]...)
		offset += entrySize
	}

	refSize := n.refBytesSize
	if refSize != ReferenceLength && refSize != EncryptedReferenceLength {
		refSize = ReferenceLength
	}

	forks := make(map[byte]*ForkV10)
	if isEdge {
		if len(body) < offset+32 {
			return malformed("forksIndexBitmap", "truncated")
		}
		var idx indexBytes
		copy(idx[:], body[offset:offset+32])
		offset += 32

		var decodeErr error
		idx.forEach(func(b byte) {
			if decodeErr != nil {
				return
			}
			f, consumed, err := decodeFork10(body[offset:], refSize, segSize)
			if err != nil {
				decodeErr = err
				return
			}
			f.node.refBytesSize = refSize
			forks[b] = f
			offset += consumed
		})
		if decodeErr != nil {
			return decodeErr
		}
	}

	n.obfuscationKey = key
	n.hasEntry = hasEntry
	n.encEntry = encEntry
	n.isEdgeFlag = isEdge
	n.forkMetadataSegmentSize = uint8(segSize)
	n.entry = entry
	n.forks = forks
	n.refBytesSize = refSize
	n.metadata = metadataDeserialize(body[offset:])
	n.isContinuousNode = false // only known from the parent's fork wire flag
	n.markClean(nil)
	return nil
}

// Save writes dirty subtrees depth-first and returns n's reference.
// Independent children are saved concurrently via errgroup.
func (n *NodeV10) Save(ctx context.Context, storage Storage) (Reference, error) {
	if !n.dirty && n.contentAddress != nil {
		return n.contentAddress, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range n.forks {
		f := f
		g.Go(func() error {
			_, err := f.node.Save(gctx, storage)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := n.Serialize()
	if err != nil {
		return nil, err
	}
	ref, err := storage.Save(ctx, data)
	if err != nil {
		return nil, err
	}
	n.markClean(ref)
	return ref, nil
}

// Load fetches and deserializes the node stored at reference.
func (n *NodeV10) Load(ctx context.Context, storage Storage, reference Reference) error {
	data, err := storage.Load(ctx, reference)
	if err != nil {
		return err
	}
	if err := n.Deserialize(data); err != nil {
		return err
	}
	n.markClean(reference)
	return nil
}

// LoadAllNodes recursively loads every descendant of n.
func (n *NodeV10) LoadAllNodes(ctx context.Context, storage Storage) error {
	for _, f := range n.forks {
		if f.node.contentAddress == nil {
			continue
		}
		wasContinuous := f.node.isContinuousNode
		if err := f.node.Load(ctx, storage, f.node.contentAddress); err != nil {
			return err
		}
		f.node.isContinuousNode = wasContinuous
		if err := f.node.LoadAllNodes(ctx, storage); err != nil {
			return err
		}
	}
	return nil
}

func sortedForkKeys10(forks map[byte]*ForkV10) []byte {
	keys := make([]byte, 0, len(forks))
	for k := range forks {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// EqualV10 recursively compares two v1.0 subtrees for structural
// equality. On mismatch it returns an error naming the accumulated path
// prefix at which the trees diverged.
func EqualV10(a, b *NodeV10, pathPrefix []byte) error {
	if a.hasEntry != b.hasEntry || a.encEntry != b.encEntry || a.isEdgeFlag != b.isEdgeFlag {
		return malformed("flags", pathString(pathPrefix))
	}
	if a.isContinuousNode != b.isContinuousNode {
		return malformed("isContinuousNode", pathString(pathPrefix))
	}
	if a.forkMetadataSegmentSize != b.forkMetadataSegmentSize {
		return malformed("forkMetadataSegmentSize", pathString(pathPrefix))
	}
	if a.hasEntry && !equalBytes(a.entry, b.entry) {
		return malformed("entry", pathString(pathPrefix))
	}
	if !a.metadata.Equal(b.metadata) {
		return malformed("metadata", pathString(pathPrefix))
	}
	if !a.forkMetadata.Equal(b.forkMetadata) {
		return malformed("forkMetadata", pathString(pathPrefix))
	}
	if len(a.forks) != len(b.forks) {
		return malformed("forks", pathString(pathPrefix))
	}
	for k, fa := range a.forks {
		fb, ok := b.forks[k]
		if !ok {
			return malformed("forks", pathString(append(pathPrefix, k)))
		}
		if !equalBytes(fa.prefix, fb.prefix) {
			return malformed("fork.prefix", pathString(append(pathPrefix, k)))
		}
		if err := EqualV10(fa.node, fb.node, append(append([]byte(nil), pathPrefix...), fa.prefix...)); err != nil {
			return err
		}
	}
	return nil
}
