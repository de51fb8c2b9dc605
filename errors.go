// Package mergetree implements a block-structured tree for collaborative
// sequence editing: ordered text and marker segments with optimistic local
// edits, sequence-number reconciliation against a central ordering service,
// stable reference positions that survive mutation, and deferred reclamation
// of content no longer visible to any client.
package mergetree

import "errors"

// Operation errors
var (
	// ErrMalformedOp indicates an op with missing or structurally invalid
	// fields. Malformed ops are rejected before any tree mutation.
	ErrMalformedOp = errors.New("malformed op")

	// ErrInvalidOp indicates a well-formed op whose coordinates no longer
	// resolve, typically because concurrent edits invalidated them. The op
	// is dropped; local callers may retry with recomputed coordinates.
	ErrInvalidOp = errors.New("invalid op")

	// ErrUnsequencedOp indicates that a sequenced-op path received an op
	// without an assigned sequence number.
	ErrUnsequencedOp = errors.New("op has no sequence number")
)

// Position errors
var (
	// ErrPositionOutOfBounds indicates a position outside the visible
	// length of the sequence in the relevant perspective.
	ErrPositionOutOfBounds = errors.New("position out of bounds")

	// ErrInvalidRange indicates an empty or inverted range.
	ErrInvalidRange = errors.New("invalid range")
)

// Collaboration errors
var (
	// ErrNotCollaborating indicates an operation that requires an active
	// collaboration session.
	ErrNotCollaborating = errors.New("not collaborating")

	// ErrNoPendingOps indicates an ack or rollback with no pending
	// segment group to consume.
	ErrNoPendingOps = errors.New("no pending ops")

	// ErrSequenceRegression indicates a sequence or minimum-sequence
	// number that moved backwards. Tree correctness cannot be locally
	// re-established after this.
	ErrSequenceRegression = errors.New("sequence number regression")
)

// Reference errors
var (
	// ErrReferenceDetached indicates a reference that no longer anchors
	// to any segment.
	ErrReferenceDetached = errors.New("reference is detached")
)

// Snapshot and storage errors
var (
	// ErrChunkNotFound indicates a snapshot chunk missing from the store.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrSnapshotCorrupt indicates a snapshot that cannot be decoded.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// Tree structure errors
var (
	// ErrSegmentAtomic indicates an attempt to split a segment that has
	// no interior positions, such as a marker.
	ErrSegmentAtomic = errors.New("segment cannot be split")

	// ErrInternal indicates an internal invariant violation (ordinal
	// collision, negative length, orphaned segment). Unrecoverable.
	ErrInternal = errors.New("internal invariant violation")
)
