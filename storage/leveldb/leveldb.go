// Package leveldb provides a durable, single-node mantaray.Storage
// backed by goleveldb.
package leveldb

import (
	"context"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/radiation-octopus/mantaray/internal/keccak"
	"github.com/radiation-octopus/mantaray/mantaray"
)

const (
	minCache   = 16 // MiB
	minHandles = 16
)

// Config defines the necessary options for a Storage.
type Config struct {
	Path    string // data directory; created if it does not exist
	Cache   int    // block/write-buffer allowance in MiB, floored at minCache
	Handles int    // open file cache capacity, floored at minHandles
}

// Storage is a content-addressed mantaray.Storage persisted to a
// goleveldb data directory.
type Storage struct {
	db *leveldb.DB
}

// New opens (or creates) a goleveldb database at cfg.Path. Cache and
// Handles below their minimums are raised to a sane floor rather than
// rejected.
func New(cfg Config) (*Storage, error) {
	cache, handles := cfg.Cache, cfg.Handles
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	options := &opt.Options{
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB,
	}

	db, err := leveldb.OpenFile(cfg.Path, options)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(cfg.Path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Storage{db: db}, nil
}

// Save persists data under its keccak256 digest and returns that digest
// as the mantaray reference.
func (s *Storage) Save(_ context.Context, data []byte) (mantaray.Reference, error) {
	addr := keccak.Hash256(data)
	if err := s.db.Put(addr, data, nil); err != nil {
		return nil, err
	}
	return mantaray.NewReference(addr)
}

// Load retrieves the payload stored under reference.
func (s *Storage) Load(_ context.Context, reference mantaray.Reference) ([]byte, error) {
	data, err := s.db.Get(reference.Bytes(), nil)
	if err == leveldb.ErrNotFound {
		return nil, mantaray.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	return s.db.Close()
}
