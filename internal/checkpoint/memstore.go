package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory [Store] used by tests and dry runs. Checkpoints
// are stored as encoded blobs so that Read exercises the same decode/validate
// path as the durable stores.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string]map[int][]byte // sessionID → turn → encoded checkpoint
}

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty, ready-to-use [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string]map[int][]byte)}
}

// Write implements [Store].
func (s *MemStore) Write(_ context.Context, cp *Checkpoint) (string, error) {
	data, err := cp.Encode()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	turns, ok := s.blobs[cp.SessionID]
	if !ok {
		turns = make(map[int][]byte)
		s.blobs[cp.SessionID] = turns
	}
	turns[cp.Turn] = data
	return fmt.Sprintf("mem://%s/%d", cp.SessionID, cp.Turn), nil
}

// Read implements [Store].
func (s *MemStore) Read(_ context.Context, sessionID string, turn int) (*Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.blobs[sessionID][turn]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d", ErrNotFound, sessionID, turn)
	}
	return Decode(data)
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, sessionID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]int, 0, len(s.blobs[sessionID]))
	for turn := range s.blobs[sessionID] {
		turns = append(turns, turn)
	}
	sort.Ints(turns)
	return turns, nil
}
