package metadata

import (
	"context"

	"github.com/quarrylabs/quarry/chain"
)

// BlockMeta is the relational index entry for an archived block.
// The block body itself lives in the blockstore keyed by hash; this table
// answers height-ordered queries without scanning the KV store.
type BlockMeta struct {
	Height    uint32
	Hash      chain.Hash
	PrevHash  chain.Hash
	Timestamp int64
}

// Store defines the interface for the chain metadata index
// Implementations use SQLite or other relational databases
type Store interface {
	// PutBlock stores block metadata, replacing any row at the same height
	PutBlock(ctx context.Context, meta *BlockMeta) error

	// GetBlock retrieves block metadata by height
	GetBlock(ctx context.Context, height uint32) (*BlockMeta, error)

	// GetBlockByHash retrieves block metadata by block hash
	GetBlockByHash(ctx context.Context, hash chain.Hash) (*BlockMeta, error)

	// DeleteBlock removes block metadata (for reorg cleanup)
	DeleteBlock(ctx context.Context, height uint32) error

	// GetLatestBlock returns the highest block stored, or nil if empty
	GetLatestBlock(ctx context.Context) (*BlockMeta, error)

	// Close releases any resources
	Close() error
}
