package mantaray

import (
	"encoding/json"
	"reflect"
)

// Metadata is a string-keyed JSON-serializable mapping attached either
// to a node (v1.0 node metadata) or to a fork/edge record (v0.2 always,
// v1.0 fork metadata).
type Metadata map[string]interface{}

// Clone returns a shallow copy of m; nil maps clone to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether two metadata mappings hold the same JSON values,
// treating nil and empty as distinct per JSON round-trip semantics (an
// absent metadata slot deserializes to nil, an explicit "{}" to an empty
// map). Values are compared by their JSON encodings, so an in-memory
// value such as the int 1 equals its decoded form float64(1).
func (m Metadata) Equal(o Metadata) bool {
	if m == nil || o == nil {
		return m == nil && o == nil
	}
	a, errA := json.Marshal(map[string]interface{}(m))
	b, errB := json.Marshal(map[string]interface{}(o))
	if errA != nil || errB != nil {
		return reflect.DeepEqual(map[string]interface{}(m), map[string]interface{}(o))
	}
	return string(a) == string(b)
}

// metadataSerialize JSON-encodes obj. A nil obj serializes to nil bytes.
func metadataSerialize(obj Metadata) ([]byte, error) {
	if obj == nil {
		return nil, nil
	}
	b, err := json.Marshal(map[string]interface{}(obj))
	if err != nil {
		return nil, &MalformedFormatError{Field: "metadata", Reason: err.Error()}
	}
	return b, nil
}

// metadataPadInSegments pads the JSON encoding of obj to segmentCount*32
// bytes using ASCII spaces (0x20). A nil obj emits an all-space slot.
// Returns a *MetadataOverflowError if the encoding does not fit.
func metadataPadInSegments(obj Metadata, segmentCount int) ([]byte, error) {
	slot := segmentCount * 32
	out := make([]byte, slot)
	for i := range out {
		out[i] = ' '
	}
	if obj == nil {
		return out, nil
	}
	encoded, err := metadataSerialize(obj)
	if err != nil {
		return nil, err
	}
	if len(encoded) > slot {
		return nil, &MetadataOverflowError{SlotSize: slot, Encoded: len(encoded)}
	}
	copy(out, encoded)
	return out, nil
}

// metadataDeserialize trims trailing ASCII spaces from b and attempts to
// JSON-parse the remainder. Any failure (including an empty remainder)
// yields nil: metadata is simply absent, not an error.
func metadataDeserialize(b []byte) Metadata {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	trimmed := b[:end]
	if len(trimmed) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil
	}
	return Metadata(m)
}
