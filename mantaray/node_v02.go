package mantaray

import (
	"bytes"
	"context"

	"golang.org/x/sync/errgroup"
)

// pathSeparator marks a manifest path boundary. A fork whose prefix
// contains it sets withPathSeparator on the fork's child node; the bit
// is advisory metadata about the path shape and is never read back to
// alter navigation.
const pathSeparator = '/'

// AttributesV02 bundles the entry and metadata that AddFork may apply to
// the node reached by a path in a v0.2 tree.
type AttributesV02 struct {
	Entry    Reference
	Metadata Metadata
}

// NodeV02 is a legacy-format mantaray trie node.
type NodeV02 struct {
	obfuscationKey [32]byte

	hasEntry          bool
	isEdgeFlag        bool
	withPathSeparator bool

	entry    Reference
	metadata Metadata
	forks    map[byte]*ForkV02

	refBytesSize int // 32 or 64; a property of this node's own layout

	dirty          bool
	contentAddress Reference
}

func newNodeV02(obfuscationKey [32]byte) *NodeV02 {
	return &NodeV02{
		obfuscationKey: obfuscationKey,
		refBytesSize:   ReferenceLength,
		dirty:          true,
	}
}

// NewNodeV02 constructs a fresh, empty v0.2 root.
func NewNodeV02(obfuscationKey [32]byte) *NodeV02 {
	return newNodeV02(obfuscationKey)
}

func (n *NodeV02) markDirty() {
	n.dirty = true
	n.contentAddress = nil
}

func (n *NodeV02) markClean(addr Reference) {
	n.dirty = false
	n.contentAddress = addr
}

// IsDirty reports whether this node must be re-serialized on next save.
func (n *NodeV02) IsDirty() bool { return n.dirty }

// MakeDirty forces the dirty flag, e.g. after a caller-driven bulk edit.
func (n *NodeV02) MakeDirty() { n.markDirty() }

// ContentAddress returns the reference this node was last saved under,
// or nil if it has never been saved (or has since been mutated).
func (n *NodeV02) ContentAddress() Reference { return n.contentAddress }

// IsEdge reports whether this node has any forks.
func (n *NodeV02) IsEdge() bool { return n.isEdgeFlag }

// HasEntry reports whether this node carries an entry reference.
func (n *NodeV02) HasEntry() bool { return n.hasEntry }

// Entry returns the node's entry reference, or nil if none is set.
func (n *NodeV02) Entry() Reference { return n.entry }

// Metadata returns the node's metadata, or nil if none is set.
func (n *NodeV02) Metadata() Metadata { return n.metadata }

// ObfuscationKey returns the 32-byte XOR keystream used on save/load.
func (n *NodeV02) ObfuscationKey() [32]byte { return n.obfuscationKey }

// SetObfuscationKey assigns a new obfuscation key and marks the node
// dirty, since its serialized form (XOR-obfuscated from offset 32) will
// change.
func (n *NodeV02) SetObfuscationKey(key [32]byte) {
	n.obfuscationKey = key
	n.markDirty()
}

// Forks returns the fork map keyed by first prefix byte. Callers must
// not mutate the returned map.
func (n *NodeV02) Forks() map[byte]*ForkV02 { return n.forks }

// SetEntry sets the node's entry and marks it dirty.
func (n *NodeV02) SetEntry(entry Reference) error {
	if entry != nil && len(entry) != ReferenceLength && len(entry) != EncryptedReferenceLength {
		return ErrInvalidReference
	}
	n.entry = entry
	n.hasEntry = entry != nil
	n.markDirty()
	return nil
}

// SetMetadata replaces the node's metadata and marks it dirty.
func (n *NodeV02) SetMetadata(m Metadata) {
	n.metadata = m
	n.markDirty()
}

// AddFork inserts path into the trie rooted at n, applying attrs to the
// node the path resolves to.
func (n *NodeV02) AddFork(path []byte, attrs AttributesV02) error {
	if len(path) == 0 {
		if attrs.Entry != nil {
			if err := n.SetEntry(attrs.Entry); err != nil {
				return err
			}
		}
		if attrs.Metadata != nil {
			n.SetMetadata(attrs.Metadata)
		}
		n.markDirty()
		return nil
	}

	if n.forks == nil {
		n.forks = make(map[byte]*ForkV02)
	}
	first := path[0]
	existing, ok := n.forks[first]
	if !ok {
		child := newNodeV02(n.childKey())
		var prefix []byte
		if len(path) > prefixCeiling02 {
			child.isEdgeFlag = true
			child.forks = make(map[byte]*ForkV02)
			if err := child.AddFork(path[prefixCeiling02:], attrs); err != nil {
				return err
			}
			prefix = append([]byte(nil), path[:prefixCeiling02]...)
		} else {
			if err := child.AddFork(nil, attrs); err != nil {
				return err
			}
			prefix = append([]byte(nil), path...)
		}
		child.withPathSeparator = bytes.IndexByte(prefix, pathSeparator) >= 0
		n.forks[first] = &ForkV02{prefix: prefix, node: child}
		n.isEdgeFlag = true
		n.markDirty()
		return nil
	}

	common := longestCommonPrefix(existing.prefix, path)
	switch {
	case common == len(existing.prefix):
		if err := existing.node.AddFork(path[common:], attrs); err != nil {
			return err
		}
		n.markDirty()
		return nil
	default:
		// Split: push the existing child down under a fresh intermediate
		// node keyed on the byte where prefixes diverge.
		splitPrefix := append([]byte(nil), existing.prefix[common:]...)
		existing.node.withPathSeparator = bytes.IndexByte(splitPrefix, pathSeparator) >= 0

		intermediate := newNodeV02(n.childKey())
		intermediate.isEdgeFlag = true
		intermediate.forks = map[byte]*ForkV02{
			existing.prefix[common]: {
				prefix: splitPrefix,
				node:   existing.node,
			},
		}
		if err := intermediate.AddFork(path[common:], attrs); err != nil {
			return err
		}
		newPrefix := append([]byte(nil), path[:common]...)
		intermediate.withPathSeparator = bytes.IndexByte(newPrefix, pathSeparator) >= 0
		n.forks[first] = &ForkV02{prefix: newPrefix, node: intermediate}
		n.markDirty()
		return nil
	}
}

// childKey returns the key propagated to a freshly allocated descendant:
// v0.2 propagates the parent's own obfuscation key verbatim.
func (n *NodeV02) childKey() [32]byte { return n.obfuscationKey }

// GetForkAtPath walks forks by first byte and returns the fork at which
// path ends exactly. A path that ends inside a fork's prefix, or that
// misses a fork key or prefix, yields ErrNotFound.
func (n *NodeV02) GetForkAtPath(path []byte) (*ForkV02, error) {
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
func (n *NodeV02) RemovePath(path []byte) error {
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

// Serialize produces the bit-exact v0.2 wire representation of n.
func (n *NodeV02) Serialize() ([]byte, error) {
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

	buf := make([]byte, 64+refSize)
	copy(buf[0:32], n.obfuscationKey[:])
	copy(buf[32:63], versionTag02[:])
	buf[63] = byte(refSize)
	if n.hasEntry {
		copy(buf[64:64+refSize], n.entry)
	}

	var idx indexBytes
	keys := sortedForkKeys02(n.forks)
	for _, k := range keys {
		idx.setByte(k)
	}
	buf = append(buf, idx[:]...)

	for _, k := range keys {
		enc, err := n.forks[k].encode(refSize)
		if err != nil {
			return nil, err
		}
		buf = append(buf, enc...)
	}

	xorInPlace(n.obfuscationKey[:], buf, 32, len(buf))
	return buf, nil
}

// Deserialize replaces n's state with the node encoded in data.
func (n *NodeV02) Deserialize(data []byte) error {
	if len(data) < 64+32 {
		return malformed("node", "buffer shorter than v0.2 header")
	}
	var key [32]byte
	copy(key[:], data[0:32])

	body := append([]byte(nil), data...)
	xorInPlace(key[:], body, 32, len(body))

	if !equalBytes(body[32:63], versionTag02[:]) {
		return malformed("versionTag", "does not match v0.2")
	}
	refSize := int(body[63])
	if refSize != ReferenceLength && refSize != EncryptedReferenceLength {
		return malformed("refBytesSize", "must be 32 or 64")
	}
	if len(body) < 64+refSize+32 {
		return malformed("node", "truncated entry/bitmap")
	}

	entry := body[64 : 64+refSize]
	hasEntry := !isZeroKey(entry)

	offset := 64 + refSize
	var idx indexBytes
	copy(idx[:], body[offset:offset+32])
	offset += 32

	forks := make(map[byte]*ForkV02)
	var decodeErr error
	idx.forEach(func(b byte) {
		if decodeErr != nil {
			return
		}
		f, n2, err := decodeFork02(body[offset:], refSize)
		if err != nil {
			decodeErr = err
			return
		}
		forks[b] = f
		offset += n2
	})
	if decodeErr != nil {
		return decodeErr
	}

	n.obfuscationKey = key
	n.refBytesSize = refSize
	n.hasEntry = hasEntry
	if hasEntry {
		n.entry = append(Reference(nil), entry...)
	} else {
		n.entry = nil
	}
	n.forks = forks
	n.isEdgeFlag = !idx.isZero()
	n.metadata = nil
	n.markClean(nil)
	return nil
}

// Save writes dirty subtrees depth-first and returns n's reference.
// Independent edge children are saved concurrently via errgroup.
func (n *NodeV02) Save(ctx context.Context, storage Storage) (Reference, error) {
	if !n.dirty && n.contentAddress != nil {
		return n.contentAddress, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range n.forks {
		f := f
		if !f.node.isEdgeFlag {
			continue // leaf children are embedded inline, never separately saved
		}
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
func (n *NodeV02) Load(ctx context.Context, storage Storage, reference Reference) error {
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

// LoadAllNodes recursively loads every edge descendant of n.
func (n *NodeV02) LoadAllNodes(ctx context.Context, storage Storage) error {
	for _, f := range n.forks {
		if !f.node.isEdgeFlag || f.node.contentAddress == nil {
			continue
		}
		if err := f.node.Load(ctx, storage, f.node.contentAddress); err != nil {
			return err
		}
		if err := f.node.LoadAllNodes(ctx, storage); err != nil {
			return err
		}
	}
	return nil
}

func sortedForkKeys02(forks map[byte]*ForkV02) []byte {
	keys := make([]byte, 0, len(forks))
	for k := range forks {
		keys = append(keys, k)
	}
	// ascending order, at most 256 keys: simple insertion sort avoids
	// pulling in sort for a handful of bytes.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EqualV02 recursively compares two v0.2 subtrees for structural
// equality: flags, metadata, entry and, for every fork key, prefix and
// recursive child equality. On mismatch it returns an error naming the
// accumulated path prefix at which the trees diverged.
func EqualV02(a, b *NodeV02, pathPrefix []byte) error {
	if a.hasEntry != b.hasEntry {
		return malformed("hasEntry", pathString(pathPrefix))
	}
	if a.hasEntry && !equalBytes(a.entry, b.entry) {
		return malformed("entry", pathString(pathPrefix))
	}
	if a.isEdgeFlag != b.isEdgeFlag {
		return malformed("isEdge", pathString(pathPrefix))
	}
	if a.withPathSeparator != b.withPathSeparator {
		return malformed("withPathSeparator", pathString(pathPrefix))
	}
	if !Metadata(a.metadata).Equal(Metadata(b.metadata)) {
		return malformed("metadata", pathString(pathPrefix))
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
		if err := EqualV02(fa.node, fb.node, append(append([]byte(nil), pathPrefix...), fa.prefix...)); err != nil {
			return err
		}
	}
	return nil
}

func pathString(p []byte) string { return string(p) }
