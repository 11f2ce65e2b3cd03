package mantaray

import (
	"encoding/binary"

	"github.com/radiation-octopus/mantaray/internal/keccak"
)

// obfuscationKeySize is the width of the per-node XOR keystream.
const obfuscationKeySize = 32

// versionTag returns the first 31 bytes of keccak256("mantaray:" + version).
// Truncation to 31, not 32, bytes is intentional and is part of the wire
// format: it leaves room for a following 1-byte field at offset 63
// (refBytesSize in v0.2, nodeFeatures in v1.0), so that the header of
// both node layouts ends at the 32-byte-aligned offset 64.
func versionTag(version string) [31]byte {
	digest := keccak.Hash256([]byte("mantaray:" + version))
	var tag [31]byte
	copy(tag[:], digest[:31])
	return tag
}

var (
	versionTag02 = versionTag("0.2")
	versionTag10 = versionTag("1.0")
)

// isZeroKey reports whether key consists entirely of zero bytes, the
// sentinel meaning "obfuscation disabled".
func isZeroKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

// xorInPlace XORs data[from:to] against key, cycling key every len(key)
// bytes (32 for a node obfuscation key).
// An all-zero key is a documented no-op. Applying the same key twice to
// the same range restores the original bytes.
func xorInPlace(key, data []byte, from, to int) {
	if isZeroKey(key) {
		return
	}
	for i := from; i < to; i++ {
		data[i] ^= key[(i-from)%len(key)]
	}
}

// longestCommonPrefix returns the length of the maximal leading byte run
// shared by a and b.
func longestCommonPrefix(a, b []byte) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	i := 0
	for i < max && a[i] == b[i] {
		i++
	}
	return i
}

// putUint16BE and getUint16BE implement the sole on-wire numeric codec
// used by the v0.2 fork layout (the metadata length prefix).
func putUint16BE(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func getUint16BE(b []byte) uint16    { return binary.BigEndian.Uint16(b) }

// indexBytes is a 256-bit bitmap over {0..255}, stored as 32 bytes,
// little-endian within each byte: bit b lives at byte b/8, position b%8.
// It compactly represents which first-path-bytes a node's fork map
// contains, and is serialized verbatim as the forksIndexBitmap field of
// both node layouts.
type indexBytes [32]byte

func (idx *indexBytes) setByte(b byte) {
	idx[b/8] |= 1 << (b % 8)
}

func (idx *indexBytes) isSet(b byte) bool {
	return idx[b/8]&(1<<(b%8)) != 0
}

// forEach invokes cb for every set bit in strictly ascending order. This
// ascending order is required for bit-exact interoperability: it fixes
// the on-wire sequence of fork records.
func (idx *indexBytes) forEach(cb func(b byte)) {
	for i := 0; i < 256; i++ {
		b := byte(i)
		if idx.isSet(b) {
			cb(b)
		}
	}
}

func (idx *indexBytes) isZero() bool {
	for _, b := range idx {
		if b != 0 {
			return false
		}
	}
	return true
}
