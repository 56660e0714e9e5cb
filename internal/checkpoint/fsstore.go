package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// FSStore is a filesystem-backed [Store]: one JSON file per checkpoint under
// <root>/<sessionID>/turn_<n>.json. It is the default store for single-host
// harness runs.
type FSStore struct {
	root string
}

// Compile-time interface assertion.
var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed and returns the store.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("checkpoint: fs store root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create root %q: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

// Write implements [Store]. The blob is written to a temp file and renamed
// into place so a crash mid-write never leaves a truncated checkpoint.
func (s *FSStore) Write(_ context.Context, cp *Checkpoint) (string, error) {
	data, err := cp.Encode()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, cp.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create session dir: %w", err)
	}

	path := s.path(cp.SessionID, cp.Turn)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("checkpoint: rename %q: %w", path, err)
	}
	return path, nil
}

// Read implements [Store].
func (s *FSStore) Read(_ context.Context, sessionID string, turn int) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(sessionID, turn))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, sessionID, turn)
		}
		return nil, fmt.Errorf("checkpoint: read %s/%d: %w", sessionID, turn, err)
	}
	return Decode(data)
}

// List implements [Store].
func (s *FSStore) List(_ context.Context, sessionID string) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: list %s: %w", sessionID, err)
	}

	var turns []int
	for _, e := range entries {
		var turn int
		if _, err := fmt.Sscanf(e.Name(), "turn_%d.json", &turn); err != nil {
			continue
		}
		// Sscanf matches prefixes, so stray files like an orphaned .tmp from a
		// crashed write would slip through without an exact name check.
		if e.Name() != fmt.Sprintf("turn_%05d.json", turn) {
			continue
		}
		turns = append(turns, turn)
	}
	sort.Ints(turns)
	return turns, nil
}

// path returns the checkpoint file path for (sessionID, turn).
func (s *FSStore) path(sessionID string, turn int) string {
	return filepath.Join(s.root, sessionID, fmt.Sprintf("turn_%05d.json", turn))
}
