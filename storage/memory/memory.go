// Package memory provides an in-process mantaray.Storage backed by a
// GC-friendly byte-slab cache, fronted by a small LRU of recently
// touched references. Payloads are snappy-compressed before they enter
// the slab.
package memory

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/VictoriaMetrics/fastcache"
	"github.com/golang/snappy"

	"github.com/radiation-octopus/mantaray/internal/keccak"
	"github.com/radiation-octopus/mantaray/mantaray"
)

// defaultHotEntries bounds the recently-loaded decompressed cache; it
// exists to skip a decompress on repeated reads of the same hot node
// (root and its immediate children during a save/load burst).
const defaultHotEntries = 1024

// Config defines the necessary options for a Storage.
type Config struct {
	CleanCacheBytes int // memory allowance for the compressed slab cache
	HotNodes        int // number of decompressed nodes kept ready in the LRU
}

// Storage is a content-addressed, process-local mantaray.Storage. The
// zero value is not usable; construct with New.
type Storage struct {
	slab *fastcache.Cache
	hot  *lru.Cache

	mu sync.Mutex
}

// New allocates a Storage from cfg. A zero HotNodes falls back to
// defaultHotEntries.
func New(cfg Config) (*Storage, error) {
	hotNodes := cfg.HotNodes
	if hotNodes <= 0 {
		hotNodes = defaultHotEntries
	}
	hot, err := lru.New(hotNodes)
	if err != nil {
		return nil, err
	}
	return &Storage{
		slab: fastcache.New(cfg.CleanCacheBytes),
		hot:  hot,
	}, nil
}

// Save compresses data and stores it under its keccak256 digest, the
// same content-addressing scheme mantaray already uses for versioning.
func (s *Storage) Save(_ context.Context, data []byte) (mantaray.Reference, error) {
	addr := keccak.Hash256(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	compressed := snappy.Encode(nil, data)
	s.slab.Set(addr, compressed)
	s.hot.Add(string(addr), append([]byte(nil), data...))

	return mantaray.NewReference(addr)
}

// Load returns the payload stored under reference, or mantaray.ErrNotFound.
func (s *Storage) Load(_ context.Context, reference mantaray.Reference) ([]byte, error) {
	key := reference.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.hot.Get(string(key)); ok {
		return append([]byte(nil), v.([]byte)...), nil
	}

	compressed, ok := s.slab.HasGet(nil, key)
	if !ok {
		return nil, mantaray.ErrNotFound
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, err
	}
	s.hot.Add(string(key), append([]byte(nil), data...))
	return data, nil
}

// Reset clears both cache tiers.
func (s *Storage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slab.Reset()
	s.hot.Purge()
}
