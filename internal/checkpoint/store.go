package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when no checkpoint exists for the requested
// (session ID, turn) key.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is durable key→blob storage for checkpoint artifacts, addressed by
// (session ID, turn).
//
// Writes are append-only, non-overlapping side effects: a checkpoint is
// created once per turn and never mutated. All implementations must be safe
// for concurrent use across sessions.
type Store interface {
	// Write persists cp and returns its storage location (a path, key, or
	// URI, depending on the implementation).
	Write(ctx context.Context, cp *Checkpoint) (string, error)

	// Read loads and validates the checkpoint for (sessionID, turn).
	// Returns [ErrNotFound] when absent and an error wrapping
	// [ErrInvalidFormat] when the stored blob is structurally invalid.
	Read(ctx context.Context, sessionID string, turn int) (*Checkpoint, error)

	// List returns the turns checkpointed for sessionID, in ascending order.
	// An unknown session yields an empty slice, not an error.
	List(ctx context.Context, sessionID string) ([]int, error)
}
