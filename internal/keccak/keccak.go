// Package keccak wraps the Keccak-256/512 primitives used to derive
// mantaray version tags and to hash node payloads in tests and storage
// adapters that need a content address for arbitrary bytes.
package keccak

import (
	"hash"
	"sync"

	"golang.org/x/crypto/sha3"
)

// State wraps sha3.state to allow the caller to read variable amounts of
// data from the hash state, instead of the standard hash.Hash.Sum, which
// copies the internal state before appending the requested output.
type State interface {
	hash.Hash
	Read([]byte) (int, error)
}

var hasherPool = sync.Pool{
	New: func() interface{} { return sha3.NewLegacyKeccak256().(State) },
}

// NewState returns a fresh Keccak-256 hasher supporting Read.
func NewState() State {
	return sha3.NewLegacyKeccak256().(State)
}

// Hash256 computes the Keccak-256 digest of the concatenation of data.
func Hash256(data ...[]byte) []byte {
	sha := hasherPool.Get().(State)
	defer func() {
		sha.Reset()
		hasherPool.Put(sha)
	}()
	for _, b := range data {
		sha.Write(b)
	}
	out := make([]byte, 32)
	sha.Read(out)
	return out
}

// Hash512 computes the Keccak-512 digest of the concatenation of data.
func Hash512(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak512()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}
