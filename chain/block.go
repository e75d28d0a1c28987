package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// HashSize is the size of a block hash in bytes
const HashSize = 32

// Hash is a 32-byte SHA-256 block digest
type Hash [HashSize]byte

// String returns the hex encoding of the hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Block is a single entry in the chain
// Hash and Nonce are undefined until the block has been mined;
// after a successful append the block is owned by the Chain and never mutated
type Block struct {
	Index     uint32 // position in the chain, genesis = 0
	Timestamp int64  // Unix seconds
	PrevHash  Hash   // hash of the block at Index-1, all-zero for genesis
	Payload   []byte // opaque application bytes
	Hash      Hash   // SHA-256 content hash, set by mining
	Nonce     uint64 // proof-of-work solution
}

// NewBlock creates an unmined block linked to prevHash
// The payload is copied; no aliasing with caller memory survives the call
func NewBlock(index uint32, timestamp int64, prevHash Hash, payload []byte) *Block {
	b := &Block{
		Index:     index,
		Timestamp: timestamp,
		PrevHash:  prevHash,
	}
	if len(payload) > 0 {
		b.Payload = make([]byte, len(payload))
		copy(b.Payload, payload)
	}
	return b
}

// ContentHash recomputes the block digest from its current fields
// Layout: index(4) ‖ timestamp(8) ‖ prev_hash(32) ‖ payload ‖ nonce(8),
// integers little-endian, so every node derives identical hashes
func (b *Block) ContentHash() Hash {
	return sha256.Sum256(b.hashInput())
}

// hashInput serializes the hashed byte layout
// The trailing 8 bytes are the nonce; the mining loop rewrites them in place
func (b *Block) hashInput() []byte {
	buf := make([]byte, 0, 4+8+HashSize+len(b.Payload)+8)

	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], b.Index)
	buf = append(buf, tmp[:4]...)

	binary.LittleEndian.PutUint64(tmp[:], uint64(b.Timestamp))
	buf = append(buf, tmp[:]...)

	buf = append(buf, b.PrevHash[:]...)
	buf = append(buf, b.Payload...)

	binary.LittleEndian.PutUint64(tmp[:], b.Nonce)
	buf = append(buf, tmp[:]...)

	return buf
}

// Clone returns a deep copy of the block
func (b *Block) Clone() *Block {
	c := *b
	if len(b.Payload) > 0 {
		c.Payload = make([]byte, len(b.Payload))
		copy(c.Payload, b.Payload)
	}
	return &c
}
