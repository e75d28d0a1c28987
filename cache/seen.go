package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarrylabs/quarry/chain"
)

// SeenBlocks remembers recently handled block hashes so the sync engine can
// suppress duplicate processing and re-broadcast loops between peers
type SeenBlocks struct {
	lru *lru.Cache[chain.Hash, struct{}]
	mu  sync.Mutex
}

// NewSeenBlocks creates a seen-hash cache bounded to size entries
func NewSeenBlocks(size int) (*SeenBlocks, error) {
	l, err := lru.New[chain.Hash, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &SeenBlocks{lru: l}, nil
}

// MarkSeen records h, reporting whether it was already present
func (s *SeenBlocks) MarkSeen(h chain.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lru.Get(h); ok {
		return true
	}
	s.lru.Add(h, struct{}{})
	return false
}

// Seen reports whether h has been recorded
func (s *SeenBlocks) Seen(h chain.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lru.Get(h)
	return ok
}
