package mantaray

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForkV10EncodeDecodeRoundTrip(t *testing.T) {
	child := newNodeV10(zeroKey32())
	addr, _ := NewReference(bytes.Repeat([]byte{7}, 32))
	child.markClean(addr)
	child.forkMetadata = Metadata{"k": "v"}

	f := &ForkV10{prefix: bytes.Repeat([]byte{'a'}, 20), node: child}
	out, err := f.encode(ReferenceLength, 1)
	require.NoError(t, err)
	assert.Equal(t, 1+31+32+32, len(out))
	assert.Equal(t, byte(20), out[0])

	decoded, consumed, err := decodeFork10(out, ReferenceLength, 1)
	require.NoError(t, err)
	assert.Equal(t, len(out), consumed)
	assert.Equal(t, f.prefix, decoded.Prefix())
	assert.Equal(t, addr.Bytes(), decoded.Node().ContentAddress().Bytes())
	assert.Equal(t, Metadata{"k": "v"}, decoded.Node().ForkMetadata())
}

func TestForkV10EncodeContinuousPrefixSignalsWireLength32(t *testing.T) {
	child := newNodeV10(zeroKey32())
	child.isContinuousNode = true
	addr, _ := NewReference(bytes.Repeat([]byte{1}, 32))
	child.markClean(addr)

	f := &ForkV10{prefix: bytes.Repeat([]byte{'z'}, prefixCeiling10), node: child}
	out, err := f.encode(ReferenceLength, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(continuousPrefixLength), out[0])

	decoded, _, err := decodeFork10(out, ReferenceLength, 0)
	require.NoError(t, err)
	assert.True(t, decoded.Node().IsContinuousNode())
	assert.Len(t, decoded.Prefix(), prefixCeiling10)
}

func TestForkV10EncodeRejectsEmptyPrefix(t *testing.T) {
	child := newNodeV10(zeroKey32())
	f := &ForkV10{prefix: nil, node: child}
	_, err := f.encode(ReferenceLength, 0)
	assert.Error(t, err)
}

func TestForkV10EncodeMetadataOverflow(t *testing.T) {
	child := newNodeV10(zeroKey32())
	addr, _ := NewReference(bytes.Repeat([]byte{1}, 32))
	child.markClean(addr)
	child.forkMetadata = Metadata{"description": bytes.Repeat([]byte{'x'}, 200)}

	f := &ForkV10{prefix: []byte{'a'}, node: child}
	_, err := f.encode(ReferenceLength, 1)
	assert.Error(t, err)
}
