package mantaray

import (
	"context"
	"sync"

	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage is an in-memory Storage keyed by a 32-byte XOR fold of the
// payload (see digest),
// standing in for a real chunk store in tests that only need round-trip
// behaviour rather than a persistence guarantee.
type fakeStorage struct {
	mu         sync.Mutex
	data       map[string][]byte
	saveCount  int
	loadCounts map[string]int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{data: make(map[string][]byte), loadCounts: make(map[string]int)}
}

func (s *fakeStorage) Save(_ context.Context, data []byte) (Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := Reference(append([]byte(nil), digest(data)...))
	s.data[addr.Hex()] = append([]byte(nil), data...)
	s.saveCount++
	return addr, nil
}

func (s *fakeStorage) Load(_ context.Context, reference Reference) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[reference.Hex()]
	if !ok {
		return nil, ErrNotFound
	}
	s.loadCounts[reference.Hex()]++
	return data, nil
}

func digest(data []byte) []byte {
	sum := make([]byte, 32)
	for i, b := range data {
		sum[i%32] ^= b
	}
	return sum
}

func TestNewSelectsImplementationByVersion(t *testing.T) {
	v02, err := New(VersionLegacy, zeroKey32())
	require.NoError(t, err)
	_, ok := v02.(*NodeV02)
	assert.True(t, ok)

	v10, err := New(VersionCurrent, zeroKey32())
	require.NoError(t, err)
	_, ok = v10.(*NodeV10)
	assert.True(t, ok)

	_, err = New(Version("9.9"), zeroKey32())
	assert.Error(t, err)
}

func TestEqualRejectsCrossVersionComparison(t *testing.T) {
	v02, _ := New(VersionLegacy, zeroKey32())
	v10, _ := New(VersionCurrent, zeroKey32())
	assert.Error(t, Equal(v02, v10))
}

func TestWalkVisitsEveryLoadedNode(t *testing.T) {
	root := NewNodeV10(zeroKey32())
	require.NoError(t, root.AddFork([]byte("dog"), AttributesV10{Entry: mustRef(t, 1)}))
	require.NoError(t, root.AddFork([]byte("dodge"), AttributesV10{Entry: mustRef(t, 2)}))
	require.NoError(t, root.AddFork([]byte("cat"), AttributesV10{Entry: mustRef(t, 3)}))

	var paths []string
	require.NoError(t, Walk(root, func(path []byte, _ Node) error {
		paths = append(paths, string(path))
		return nil
	}))

	assert.Contains(t, paths, "")
	assert.Contains(t, paths, "cat")
	assert.Contains(t, paths, "dog")
	assert.Contains(t, paths, "dodge")
}

func TestHasPrefixFindsPartialMatch(t *testing.T) {
	root := NewNodeV02(zeroKey32())
	require.NoError(t, root.AddFork([]byte("greeting"), AttributesV02{Entry: mustRef(t, 1)}))

	assert.True(t, HasPrefix(root, []byte("greet")))
	assert.False(t, HasPrefix(root, []byte("zzz")))
}

// TestContinuousNodePathV10 exercises a path long enough (>31 bytes) to
// force the v1.0 continuous-node escape hatch.
func TestContinuousNodePathV10(t *testing.T) {
	root := NewNodeV10(zeroKey32())
	path := make([]byte, 66)
	for i := range path {
		path[i] = byte('a' + i%7)
	}
	entry := mustRef(t, 42)
	require.NoError(t, root.AddFork(path, AttributesV10{Entry: entry}))

	f, err := root.GetForkAtPath(path)
	require.NoError(t, err)
	assert.Equal(t, entry, f.Node().Entry())

	store := newFakeStorage()
	ref, err := root.Save(context.Background(), store)
	require.NoError(t, err)

	loaded := NewNodeV10(zeroKey32())
	require.NoError(t, loaded.Load(context.Background(), store, ref))
	require.NoError(t, loaded.LoadAllNodes(context.Background(), store))

	got, err := loaded.GetForkAtPath(path)
	require.NoError(t, err)
	assert.Equal(t, entry, got.Node().Entry())
}

// TestContinuousNodeSplitWithinFirst31BytesV10 forces a divergent AddFork
// that splits a continuous fork's 31-byte edge partway through, and
// checks the re-homed child's isContinuousNode flag survives a
// save/load round trip instead of only matching in memory.
func TestContinuousNodeSplitWithinFirst31BytesV10(t *testing.T) {
	root := NewNodeV10(zeroKey32())
	long := make([]byte, 66)
	for i := range long {
		long[i] = byte('a' + i%7)
	}
	entryLong := mustRef(t, 1)
	require.NoError(t, root.AddFork(long, AttributesV10{Entry: entryLong}))

	diverging := append(append([]byte(nil), long[:10]...), 'Z')
	entryShort := mustRef(t, 2)
	require.NoError(t, root.AddFork(diverging, AttributesV10{Entry: entryShort}))

	store := newFakeStorage()
	ref, err := root.Save(context.Background(), store)
	require.NoError(t, err)

	loaded := NewNodeV10(zeroKey32())
	require.NoError(t, loaded.Load(context.Background(), store, ref))
	require.NoError(t, loaded.LoadAllNodes(context.Background(), store))

	require.NoError(t, EqualV10(root, loaded, nil))

	gotLong, err := loaded.GetForkAtPath(long)
	require.NoError(t, err)
	assert.Equal(t, entryLong, gotLong.Node().Entry())

	gotShort, err := loaded.GetForkAtPath(diverging)
	require.NoError(t, err)
	assert.Equal(t, entryShort, gotShort.Node().Entry())
}

// TestMetadataSlotOverflowV10 exercises the slot-overflow scenario for a
// v1.0 fork's parent-declared metadata segment size.
func TestMetadataSlotOverflowV10(t *testing.T) {
	root := NewNodeV10(zeroKey32())
	root.SetForkMetadataSegmentSize(1) // 32-byte slot

	huge := Metadata{"description": "this metadata value is deliberately far too long to fit in a single 32 byte slot no matter how it is packed"}
	err := root.AddFork([]byte("a"), AttributesV10{Entry: mustRef(t, 1), ForkMetadata: huge})
	var overflow *MetadataOverflowError
	assert.ErrorAs(t, err, &overflow)
}

// TestLoadAllUniqueFetchesSharedSubtreeOnce builds two v1.0 forks that
// point at the same saved chunk (as happens when two paths in a manifest
// share an identical subtree) and checks the shared node is only loaded
// through one of the two branches.
func TestLoadAllUniqueFetchesSharedSubtreeOnce(t *testing.T) {
	store := newFakeStorage()

	shared := NewNodeV10(zeroKey32())
	require.NoError(t, shared.AddFork([]byte("leaf"), AttributesV10{Entry: mustRef(t, 1)}))
	sharedRef, err := shared.Save(context.Background(), store)
	require.NoError(t, err)

	root := NewNodeV10(zeroKey32())
	root.forks = map[byte]*ForkV10{
		'a': {prefix: []byte("a"), node: &NodeV10{isEdgeFlag: true, contentAddress: sharedRef, refBytesSize: ReferenceLength}},
		'b': {prefix: []byte("b"), node: &NodeV10{isEdgeFlag: true, contentAddress: sharedRef, refBytesSize: ReferenceLength}},
	}
	root.isEdgeFlag = true

	before := store.saveCount
	require.NoError(t, LoadAllUnique(context.Background(), root, store))
	assert.Equal(t, before, store.saveCount, "loading must never trigger a save")
	assert.Equal(t, 1, loadCountFor(store, sharedRef), "the shared chunk must be fetched exactly once across both forks")

	if t.Failed() {
		t.Log(spew.Sdump(root))
	}
}

func loadCountFor(store *fakeStorage, ref Reference) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.loadCounts[ref.Hex()]
}
