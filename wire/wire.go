// Package wire implements the binary peer protocol: three message kinds,
// little-endian integers, inner length prefixes for variable fields, no
// compression. The transport layer adds an outer length frame; this package
// only sees the tag byte onward.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/chain"
)

// Wire tag bytes. These are the serialization format, fixed for
// compatibility; they are deliberately independent of any in-memory
// representation.
const (
	tagBlock          byte = 0
	tagRequestBlocks  byte = 1
	tagResponseBlocks byte = 2
)

var (
	ErrTruncated  = errors.New("wire: truncated message")
	ErrUnknownTag = errors.New("wire: unknown message tag")
	ErrTrailing   = errors.New("wire: trailing bytes after message")
)

// Message is the sum of the three peer message kinds
type Message interface {
	isMessage()
}

// BlockMsg propagates a single mined block
type BlockMsg struct {
	Block *chain.Block
}

// RequestBlocks asks a peer for its chain tail starting at Start
type RequestBlocks struct {
	Start uint32
}

// ResponseBlocks answers a RequestBlocks with an ordered, bounded batch
type ResponseBlocks struct {
	Blocks []*chain.Block
}

func (BlockMsg) isMessage()       {}
func (RequestBlocks) isMessage()  {}
func (ResponseBlocks) isMessage() {}

// Encode serializes m into an owned byte slice
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case BlockMsg:
		if msg.Block == nil {
			return nil, fmt.Errorf("wire: nil block in block message")
		}
		buf := make([]byte, 0, 1+blockSize(msg.Block))
		buf = append(buf, tagBlock)
		return appendBlock(buf, msg.Block), nil

	case RequestBlocks:
		buf := make([]byte, 5)
		buf[0] = tagRequestBlocks
		binary.LittleEndian.PutUint32(buf[1:], msg.Start)
		return buf, nil

	case ResponseBlocks:
		size := 1 + 4
		for _, b := range msg.Blocks {
			if b == nil {
				return nil, fmt.Errorf("wire: nil block in response batch")
			}
			size += blockSize(b)
		}
		buf := make([]byte, 0, size)
		buf = append(buf, tagResponseBlocks)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(msg.Blocks)))
		buf = append(buf, tmp[:]...)
		for _, b := range msg.Blocks {
			buf = appendBlock(buf, b)
		}
		return buf, nil

	default:
		return nil, fmt.Errorf("wire: unsupported message type %T", m)
	}
}

// Decode reconstructs exactly one Message from data.
// Truncated input and out-of-range tags are errors; the slice is never read
// past its bounds.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrTruncated
	}
	r := reader{buf: data[1:]}

	switch data[0] {
	case tagBlock:
		b, err := r.block()
		if err != nil {
			return nil, err
		}
		if r.remaining() > 0 {
			return nil, ErrTrailing
		}
		return BlockMsg{Block: b}, nil

	case tagRequestBlocks:
		start, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if r.remaining() > 0 {
			return nil, ErrTrailing
		}
		return RequestBlocks{Start: start}, nil

	case tagResponseBlocks:
		count, err := r.uint32()
		if err != nil {
			return nil, err
		}
		// Each block is at least its fixed-width fields; a count claiming
		// more than the remaining bytes could hold is truncated input
		if uint64(count)*blockFixedSize > uint64(r.remaining()) {
			return nil, ErrTruncated
		}
		blocks := make([]*chain.Block, 0, count)
		for i := uint32(0); i < count; i++ {
			b, err := r.block()
			if err != nil {
				// Abandon the whole batch; blocks decoded so far are
				// dropped with it
				return nil, err
			}
			blocks = append(blocks, b)
		}
		if r.remaining() > 0 {
			return nil, ErrTrailing
		}
		return ResponseBlocks{Blocks: blocks}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, data[0])
	}
}

// Per-block layout: index(4) ‖ timestamp(8) ‖ prev_hash(32) ‖ payload_len(4) ‖
// payload(N) ‖ hash(32) ‖ nonce(8)
const blockFixedSize = 4 + 8 + chain.HashSize + 4 + chain.HashSize + 8

func blockSize(b *chain.Block) int {
	return blockFixedSize + len(b.Payload)
}

func appendBlock(buf []byte, b *chain.Block) []byte {
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], b.Index)
	buf = append(buf, tmp[:4]...)

	binary.LittleEndian.PutUint64(tmp[:], uint64(b.Timestamp))
	buf = append(buf, tmp[:]...)

	buf = append(buf, b.PrevHash[:]...)

	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(b.Payload)))
	buf = append(buf, tmp[:4]...)
	buf = append(buf, b.Payload...)

	buf = append(buf, b.Hash[:]...)

	binary.LittleEndian.PutUint64(tmp[:], b.Nonce)
	buf = append(buf, tmp[:]...)

	return buf
}

// MarshalBlock serializes a single block in the wire's per-block layout,
// without a leading tag. The archive stores blocks in this encoding.
func MarshalBlock(b *chain.Block) []byte {
	return appendBlock(make([]byte, 0, blockSize(b)), b)
}

// UnmarshalBlock decodes a single block serialized by MarshalBlock
func UnmarshalBlock(data []byte) (*chain.Block, error) {
	r := reader{buf: data}
	b, err := r.block()
	if err != nil {
		return nil, err
	}
	if r.remaining() > 0 {
		return nil, ErrTrailing
	}
	return b, nil
}

// reader is a bounds-checked cursor over an immutable byte slice
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) hash() (chain.Hash, error) {
	var h chain.Hash
	b, err := r.take(chain.HashSize)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

func (r *reader) block() (*chain.Block, error) {
	index, err := r.uint32()
	if err != nil {
		return nil, err
	}
	ts, err := r.uint64()
	if err != nil {
		return nil, err
	}
	prevHash, err := r.hash()
	if err != nil {
		return nil, err
	}
	payloadLen, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if uint64(payloadLen) > uint64(r.remaining()) {
		return nil, ErrTruncated
	}
	payload, err := r.take(int(payloadLen))
	if err != nil {
		return nil, err
	}
	hash, err := r.hash()
	if err != nil {
		return nil, err
	}
	nonce, err := r.uint64()
	if err != nil {
		return nil, err
	}

	b := chain.NewBlock(index, int64(ts), prevHash, payload)
	b.Hash = hash
	b.Nonce = nonce
	return b, nil
}
