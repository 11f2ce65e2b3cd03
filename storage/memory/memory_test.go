package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiation-octopus/mantaray/mantaray"
)

func TestStorageSaveLoadRoundTrip(t *testing.T) {
	s, err := New(Config{CleanCacheBytes: 1 << 20})
	require.NoError(t, err)

	payload := []byte("mantaray node payload")
	ref, err := s.Save(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 32, ref.Len())

	got, err := s.Load(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStorageLoadMissingReturnsNotFound(t *testing.T) {
	s, err := New(Config{CleanCacheBytes: 1 << 20})
	require.NoError(t, err)

	missing, _ := mantaray.NewReference(make([]byte, 32))
	_, err = s.Load(context.Background(), missing)
	assert.ErrorIs(t, err, mantaray.ErrNotFound)
}

func TestStorageIsContentAddressed(t *testing.T) {
	s, err := New(Config{CleanCacheBytes: 1 << 20})
	require.NoError(t, err)

	ref1, err := s.Save(context.Background(), []byte("same bytes"))
	require.NoError(t, err)
	ref2, err := s.Save(context.Background(), []byte("same bytes"))
	require.NoError(t, err)
	assert.True(t, ref1.Equal(ref2))
}

// TestStorageManyDistinctPayloads exercises Save/Load across a batch of
// fixture payloads distinguished by uuid rather than a hand-rolled byte
// counter, so a colliding fixture would be a test bug, not a fluke.
func TestStorageManyDistinctPayloads(t *testing.T) {
	s, err := New(Config{CleanCacheBytes: 1 << 20})
	require.NoError(t, err)

	type fixture struct {
		ref     mantaray.Reference
		payload []byte
	}
	fixtures := make([]fixture, 0, 50)
	for i := 0; i < 50; i++ {
		payload := []byte("fixture-" + uuid.New().String())
		ref, err := s.Save(context.Background(), payload)
		require.NoError(t, err)
		fixtures = append(fixtures, fixture{ref: ref, payload: payload})
	}

	for _, f := range fixtures {
		got, err := s.Load(context.Background(), f.ref)
		require.NoError(t, err)
		assert.Equal(t, f.payload, got)
	}
}

func TestStorageResetClearsData(t *testing.T) {
	s, err := New(Config{CleanCacheBytes: 1 << 20})
	require.NoError(t, err)

	ref, err := s.Save(context.Background(), []byte("to be cleared"))
	require.NoError(t, err)

	s.Reset()
	_, err = s.Load(context.Background(), ref)
	assert.ErrorIs(t, err, mantaray.ErrNotFound)
}
