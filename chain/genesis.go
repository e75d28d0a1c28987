package chain

import "context"

// Genesis constants are fixed so every node mines an identical root block
// for a given difficulty
const (
	GenesisTimestamp int64 = 1735689600 // 2025-01-01T00:00:00Z
)

var genesisPayload = []byte("quarry genesis")

// newGenesisBlock mines the fixed index-0 block at the given difficulty
func newGenesisBlock(difficulty uint32) *Block {
	b := NewBlock(0, GenesisTimestamp, Hash{}, genesisPayload)
	// Deterministic and uncancellable: identical inputs yield the same
	// nonce and hash on every node
	Mine(context.Background(), b, difficulty)
	return b
}
