package blockstore

import (
	"context"
)

// Store defines a generic key-value store for archived blocks.
// Keys are variable-length byte slices to support multihash-wrapped
// block hashes (34 bytes); values are wire-encoded block bodies.
type Store interface {
	// Put stores a key-value pair
	Put(ctx context.Context, key []byte, value []byte) error

	// Get retrieves a value by key
	// Returns nil if key doesn't exist
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Delete removes a key-value pair
	Delete(ctx context.Context, key []byte) error

	// Close releases any resources
	Close() error
}
