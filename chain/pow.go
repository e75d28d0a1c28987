package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// cancelCheckInterval is how many nonces are tried between context checks
const cancelCheckInterval = 4096

// MeetsDifficulty reports whether h has at least difficulty leading zero bits,
// counted from the most significant bit of the first byte
func MeetsDifficulty(h Hash, difficulty uint32) bool {
	fullZeroBytes := difficulty / 8
	remainderBits := difficulty % 8

	if fullZeroBytes > HashSize {
		return false
	}
	for i := uint32(0); i < fullZeroBytes; i++ {
		if h[i] != 0 {
			return false
		}
	}
	if remainderBits > 0 && fullZeroBytes < HashSize {
		if h[fullZeroBytes]>>(8-remainderBits) != 0 {
			return false
		}
	}
	return true
}

// Mine searches nonces from 0 upward until the block's content hash satisfies
// difficulty, then records the winning nonce and hash into the block.
// Returns false if ctx is cancelled first; the block is then stale and should
// be discarded. The search holds no locks and touches no chain state.
func Mine(ctx context.Context, b *Block, difficulty uint32) bool {
	b.Nonce = 0
	input := b.hashInput()
	nonceOff := len(input) - 8

	for {
		for i := 0; i < cancelCheckInterval; i++ {
			binary.LittleEndian.PutUint64(input[nonceOff:], b.Nonce)
			h := sha256.Sum256(input)
			if MeetsDifficulty(h, difficulty) {
				b.Hash = h
				return true
			}
			b.Nonce++
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
}
