package mantaray

import (
	"context"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"golang.org/x/sync/errgroup"
)

// Version identifies a mantaray wire format.
type Version string

const (
	VersionLegacy  Version = "0.2"
	VersionCurrent Version = "1.0"
)

// Node is the subset of NodeV02 and NodeV10's method sets that does not
// depend on their version-specific fork and attribute types. Code that
// only needs to save, load, or inspect dirty/entry/metadata state across
// both formats can depend on this instead of a concrete node type.
type Node interface {
	Save(ctx context.Context, storage Storage) (Reference, error)
	Load(ctx context.Context, storage Storage, reference Reference) error
	LoadAllNodes(ctx context.Context, storage Storage) error

	IsDirty() bool
	MakeDirty()
	ContentAddress() Reference

	IsEdge() bool
	HasEntry() bool
	Entry() Reference
	Metadata() Metadata

	ObfuscationKey() [32]byte
	SetObfuscationKey(key [32]byte)
}

var (
	_ Node = (*NodeV02)(nil)
	_ Node = (*NodeV10)(nil)
)

// New constructs a fresh, empty root node in the requested format.
func New(version Version, obfuscationKey [32]byte) (Node, error) {
	switch version {
	case VersionLegacy:
		return NewNodeV02(obfuscationKey), nil
	case VersionCurrent:
		return NewNodeV10(obfuscationKey), nil
	default:
		return nil, malformed("version", "unknown mantaray version "+string(version))
	}
}

// Equal compares a and b for structural equality. Both must be the same
// concrete version; mismatched versions are reported as unequal rather
// than silently coerced.
func Equal(a, b Node) error {
	switch va := a.(type) {
	case *NodeV02:
		vb, ok := b.(*NodeV02)
		if !ok {
			return malformed("version", "cannot compare v0.2 node against non-v0.2 node")
		}
		return EqualV02(va, vb, nil)
	case *NodeV10:
		vb, ok := b.(*NodeV10)
		if !ok {
			return malformed("version", "cannot compare v1.0 node against non-v1.0 node")
		}
		return EqualV10(va, vb, nil)
	default:
		return malformed("version", "unknown node implementation")
	}
}

// WalkFunc is invoked once per node visited by Walk, with the full path
// accumulated from the root to reach it.
type WalkFunc func(path []byte, n Node) error

// Walk performs a depth-first traversal of a fully loaded subtree,
// invoking fn for the root and then for every descendant reached
// through a fork, in ascending first-byte order. It does not fetch
// unloaded children; callers that need the whole tree should call
// LoadAllNodes first.
func Walk(n Node, fn WalkFunc) error {
	return walk(nil, n, fn)
}

func walk(path []byte, n Node, fn WalkFunc) error {
	if err := fn(path, n); err != nil {
		return err
	}
	switch v := n.(type) {
	case *NodeV02:
		for _, k := range sortedForkKeys02(v.forks) {
			f := v.forks[k]
			childPath := append(append([]byte(nil), path...), f.prefix...)
			if err := walk(childPath, f.node, fn); err != nil {
				return err
			}
		}
	case *NodeV10:
		for _, k := range sortedForkKeys10(v.forks) {
			f := v.forks[k]
			childPath := append(append([]byte(nil), path...), f.prefix...)
			if err := walk(childPath, f.node, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadAllUnique behaves like a node's own LoadAllNodes but fetches each
// distinct content address at most once, even when two forks reachable
// from n reference the same saved chunk (a shared subtree). Only the
// first fork to claim an address loads it; any other fork with the same
// address is skipped, and its node keeps only its reference. Concurrent
// branches share a set of already-claimed addresses guarded by a mutex,
// the same fan-out shape Save already uses via errgroup.
func LoadAllUnique(ctx context.Context, n Node, storage Storage) error {
	seen := mapset.NewSet()
	var mu sync.Mutex
	return loadAllUnique(ctx, n, storage, seen, &mu)
}

// claim reports whether reference has not been seen before, atomically
// marking it seen if so.
func claim(seen mapset.Set, mu *sync.Mutex, reference Reference) bool {
	if reference == nil {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	return seen.Add(reference.Hex())
}

func loadAllUnique(ctx context.Context, n Node, storage Storage, seen mapset.Set, mu *sync.Mutex) error {
	switch v := n.(type) {
	case *NodeV02:
		g, gctx := errgroup.WithContext(ctx)
		for _, f := range v.forks {
			f := f
			if !f.node.isEdgeFlag || !claim(seen, mu, f.node.contentAddress) {
				continue
			}
			g.Go(func() error {
				if err := f.node.Load(gctx, storage, f.node.contentAddress); err != nil {
					return err
				}
				return loadAllUnique(gctx, f.node, storage, seen, mu)
			})
		}
		return g.Wait()
	case *NodeV10:
		g, gctx := errgroup.WithContext(ctx)
		for _, f := range v.forks {
			f := f
			if !claim(seen, mu, f.node.contentAddress) {
				continue
			}
			g.Go(func() error {
				wasContinuous := f.node.isContinuousNode
				if err := f.node.Load(gctx, storage, f.node.contentAddress); err != nil {
					return err
				}
				f.node.isContinuousNode = wasContinuous
				return loadAllUnique(gctx, f.node, storage, seen, mu)
			})
		}
		return g.Wait()
	default:
		return malformed("version", "unknown node implementation")
	}
}

// HasPrefix reports whether some loaded path in n's subtree starts with
// prefix, without requiring an exact fork boundary match.
func HasPrefix(n Node, prefix []byte) bool {
	found := false
	_ = Walk(n, func(path []byte, _ Node) error {
		if strings.HasPrefix(string(path), string(prefix)) {
			found = true
		}
		return nil
	})
	return found
}
