package mantaray

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForkV02EncodeLeafInlinesEntry(t *testing.T) {
	entry, _ := NewReference([]byte("01234567890123456789012345678901"[:32]))
	leaf := newNodeV02(zeroKey32())
	require.NoError(t, leaf.SetEntry(entry))

	f := &ForkV02{prefix: []byte("abc"), node: leaf}
	out, err := f.encode(ReferenceLength)
	require.NoError(t, err)

	assert.Equal(t, byte(flagValue), out[0], "leaf fork must not carry the edge flag")
	assert.Equal(t, byte(3), out[1])
	assert.Equal(t, []byte("abc"), out[2:5])
	assert.Equal(t, entry.Bytes(), out[32:64])
}

func TestForkV02EncodeEdgeUsesContentAddress(t *testing.T) {
	child := newNodeV02(zeroKey32())
	child.isEdgeFlag = true
	addr, _ := NewReference([]byte("11111111111111111111111111111111"[:32]))
	child.markClean(addr)

	f := &ForkV02{prefix: []byte("x"), node: child}
	out, err := f.encode(ReferenceLength)
	require.NoError(t, err)
	assert.Equal(t, byte(flagEdge), out[0])
	assert.Equal(t, addr.Bytes(), out[32:64])
}

func TestForkV02EncodeRejectsOverlongPrefix(t *testing.T) {
	leaf := newNodeV02(zeroKey32())
	f := &ForkV02{prefix: make([]byte, prefixCeiling02+1), node: leaf}
	_, err := f.encode(ReferenceLength)
	assert.Error(t, err)
}

func TestForkV02RoundTripWithMetadata(t *testing.T) {
	entry, _ := NewReference([]byte("01234567890123456789012345678901"[:32]))
	leaf := newNodeV02(zeroKey32())
	require.NoError(t, leaf.SetEntry(entry))
	leaf.SetMetadata(Metadata{"lang": "en"})

	f := &ForkV02{prefix: []byte("greeting"), node: leaf}
	out, err := f.encode(ReferenceLength)
	require.NoError(t, err)

	decoded, consumed, err := decodeFork02(out, ReferenceLength)
	require.NoError(t, err)
	assert.Equal(t, len(out), consumed)
	assert.Equal(t, "greeting", string(decoded.Prefix()))
	assert.True(t, decoded.Node().HasEntry())
	assert.Equal(t, entry.Bytes(), decoded.Node().Entry().Bytes())
	assert.Equal(t, Metadata{"lang": "en"}, decoded.Node().Metadata())
}
