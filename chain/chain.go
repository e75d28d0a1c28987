package chain

import (
	"errors"
	"fmt"
	"sync"
)

// Chain validation rejections; blocks failing them are dropped, never fatal
var (
	ErrIndexMismatch = errors.New("block index does not extend the chain")
	ErrBadLinkage    = errors.New("block prev_hash does not match chain tip")
	ErrBadHash       = errors.New("block hash does not match content")
	ErrBadDifficulty = errors.New("block hash does not meet difficulty")
)

// Chain is the ordered, mutex-guarded block sequence.
// Every mutating and tail-reading operation acquires the single mutex for its
// duration; the lock is never held across I/O or a proof-of-work search.
type Chain struct {
	mu         sync.Mutex
	difficulty uint32
	blocks     []*Block

	// Coalesced tip-change signal; the miner watches it to abandon
	// searches that extend a stale tip
	tipCh chan struct{}
}

// New creates a chain with the genesis block mined in at the given difficulty
func New(difficulty uint32) *Chain {
	c := &Chain{
		difficulty: difficulty,
		tipCh:      make(chan struct{}, 1),
	}
	c.blocks = append(c.blocks, newGenesisBlock(difficulty))
	return c
}

// Difficulty returns the configured difficulty in leading zero bits
func (c *Chain) Difficulty() uint32 {
	return c.difficulty
}

// Height returns the current block count
func (c *Chain) Height() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(len(c.blocks))
}

// Latest returns a copy of the tail block
func (c *Chain) Latest() *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[len(c.blocks)-1].Clone()
}

// TipChanged returns a channel that receives a signal whenever the tail
// advances or is replaced. Signals are coalesced: a receiver observing one
// must re-read the tip rather than count events.
func (c *Chain) TipChanged() <-chan struct{} {
	return c.tipCh
}

// AppendMined validates b against the current tip and appends it.
// Rejections leave the chain untouched.
func (c *Chain) AppendMined(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateNext(b); err != nil {
		return err
	}
	c.appendUnchecked(b)
	c.notifyTip()
	return nil
}

// validateNext checks that b extends the chain at the tip.
// Caller must hold the lock.
func (c *Chain) validateNext(b *Block) error {
	if b.Index != uint32(len(c.blocks)) {
		return fmt.Errorf("%w: got %d, height %d", ErrIndexMismatch, b.Index, len(c.blocks))
	}
	if len(c.blocks) > 0 && b.PrevHash != c.blocks[len(c.blocks)-1].Hash {
		return ErrBadLinkage
	}
	if b.Hash != b.ContentHash() {
		return ErrBadHash
	}
	if !MeetsDifficulty(b.Hash, c.difficulty) {
		return ErrBadDifficulty
	}
	return nil
}

// appendUnchecked appends without validation. Caller must hold the lock and
// have verified the block; it is unexported so no call path outside an
// already-locked critical section can reach it.
func (c *Chain) appendUnchecked(b *Block) {
	c.blocks = append(c.blocks, b)
}

// notifyTip signals the tip-change channel without blocking.
// Caller must hold the lock.
func (c *Chain) notifyTip() {
	select {
	case c.tipCh <- struct{}{}:
	default:
	}
}

// Page returns copies of up to max contiguous blocks starting at start,
// or nil if start is at or past the tip or max is not positive
func (c *Chain) Page(start uint32, max int) []*Block {
	if max <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	height := uint32(len(c.blocks))
	if start >= height {
		return nil
	}
	end := start + uint32(max)
	if end > height {
		end = height
	}
	out := make([]*Block, 0, end-start)
	for _, b := range c.blocks[start:end] {
		out = append(out, b.Clone())
	}
	return out
}

// ApplyTail resolves a peer's ResponseBlocks batch against the local chain
// under a single critical section: detect a fork at the batch boundary,
// truncate the divergent local tail, then append every batch block that
// validates in order. Returns the blocks accepted and the local blocks
// removed, so callers can update archives and emit events.
//
// Batches starting at genesis are ignored (the root is fixed on every node),
// as are batches that still leave a gap above the local tip. Truncation never
// discards genesis: a batch claiming a divergent parent at index 0 is bogus
// and dropped whole.
func (c *Chain) ApplyTail(batch []*Block) (accepted, removed []*Block) {
	if len(batch) == 0 {
		return nil, nil
	}
	first := batch[0]
	if first.Index == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	height := uint32(len(c.blocks))
	if first.Index > height {
		return nil, nil
	}

	parent := first.Index - 1
	if c.blocks[parent].Hash != first.PrevHash {
		if parent == 0 {
			return nil, nil
		}
		removed = append(removed, c.blocks[parent:]...)
		c.blocks = c.blocks[:parent]
	}

	for _, b := range batch {
		if c.validateNext(b) != nil {
			break
		}
		c.appendUnchecked(b)
		accepted = append(accepted, b)
	}

	if len(accepted) > 0 || len(removed) > 0 {
		c.notifyTip()
	}
	return accepted, removed
}

// IsStructurallyValid rescans the whole chain: hash linkage, recomputed
// content hashes, and the difficulty predicate on every block
func (c *Chain) IsStructurallyValid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, b := range c.blocks {
		if b.Index != uint32(i) {
			return false
		}
		if i > 0 && b.PrevHash != c.blocks[i-1].Hash {
			return false
		}
		if b.Hash != b.ContentHash() {
			return false
		}
		if !MeetsDifficulty(b.Hash, c.difficulty) {
			return false
		}
	}
	return true
}
