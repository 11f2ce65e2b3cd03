package mantaray

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers use errors.Is against these; operations
// that need extra context wrap one of them with fmt.Errorf("...: %w", ...).
var (
	// ErrEmptyPath is returned when a path argument is required but empty.
	ErrEmptyPath = errors.New("mantaray: empty path")

	// ErrNotFound is returned when navigation misses a fork key or a
	// prefix mismatch occurs while walking toward a path.
	ErrNotFound = errors.New("mantaray: not found")

	// ErrInvalidReference is returned when a reference is neither 32 nor
	// 64 bytes long.
	ErrInvalidReference = errors.New("mantaray: invalid reference length")

	// ErrInvalidMetadata is returned when a metadata value cannot be
	// represented as a string-keyed JSON object, or fails to parse.
	ErrInvalidMetadata = errors.New("mantaray: invalid metadata")

	// ErrMissingObfuscationGenerator is returned by a v1.0 node when a
	// key must be generated for a new descendant of a keyed parent but
	// no generator was supplied.
	ErrMissingObfuscationGenerator = errors.New("mantaray: missing obfuscation key generator")

	// ErrDirtyWithoutPayload is returned by save when a dirty node has
	// neither an entry nor any forks to serialize.
	ErrDirtyWithoutPayload = errors.New("mantaray: dirty node has no entry and no forks")
)

// MetadataOverflowError reports that a metadata value could not fit in
// the slot reserved for it.
type MetadataOverflowError struct {
	SlotSize int
	Encoded  int
}

func (e *MetadataOverflowError) Error() string {
	return fmt.Sprintf("mantaray: metadata of %d bytes overflows %d-byte slot", e.Encoded, e.SlotSize)
}

// MalformedFormatError reports a structurally invalid serialized node.
type MalformedFormatError struct {
	Field  string
	Reason string
}

func (e *MalformedFormatError) Error() string {
	return fmt.Sprintf("mantaray: malformed node, field %q: %s", e.Field, e.Reason)
}

func malformed(field, reason string) error {
	return &MalformedFormatError{Field: field, Reason: reason}
}
