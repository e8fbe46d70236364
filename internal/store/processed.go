// Package store holds the processed-message digest set backing replay
// protection. The set is insertion-only: a digest, once recorded, is never
// removed, and membership is the sole replay defense.
package store

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ProcessedSet records admitted message digests.
type ProcessedSet interface {
	// Contains reports whether digest was already admitted.
	Contains(ctx context.Context, digest common.Hash) (bool, error)
	// Insert records digest. The second return is false when the digest was
	// already present, letting callers treat concurrent duplicate commits
	// atomically.
	Insert(ctx context.Context, digest common.Hash) (bool, error)
}

// MemorySet is the in-process backend.
type MemorySet struct {
	mu      sync.RWMutex
	digests map[common.Hash]struct{}
}

// NewMemorySet creates an empty set.
func NewMemorySet() *MemorySet {
	return &MemorySet{digests: make(map[common.Hash]struct{})}
}

func (s *MemorySet) Contains(_ context.Context, digest common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.digests[digest]
	return ok, nil
}

func (s *MemorySet) Insert(_ context.Context, digest common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.digests[digest]; ok {
		return false, nil
	}
	s.digests[digest] = struct{}{}
	return true, nil
}

// Len reports the number of recorded digests.
func (s *MemorySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.digests)
}
