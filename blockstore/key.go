package blockstore

import (
	"fmt"

	mh "github.com/multiformats/go-multihash"

	"github.com/quarrylabs/quarry/chain"
)

// Key wraps a block's SHA-256 hash as a multihash store key
// Format: <0x12><0x20><32 bytes> = 34 bytes total
func Key(h chain.Hash) ([]byte, error) {
	key, err := mh.Encode(h[:], mh.SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("blockstore: encode key: %w", err)
	}
	return key, nil
}

// ParseKey recovers the block hash from a multihash store key
func ParseKey(key []byte) (chain.Hash, error) {
	var h chain.Hash

	decoded, err := mh.Decode(key)
	if err != nil {
		return h, fmt.Errorf("blockstore: invalid key: %w", err)
	}
	if decoded.Code != mh.SHA2_256 {
		return h, fmt.Errorf("blockstore: expected SHA2-256 key, got 0x%x", decoded.Code)
	}
	if decoded.Length != chain.HashSize {
		return h, fmt.Errorf("blockstore: key digest length %d, expected %d", decoded.Length, chain.HashSize)
	}

	copy(h[:], decoded.Digest)
	return h, nil
}
