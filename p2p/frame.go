package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Every transmitted message is wrapped in an outer 4-byte little-endian
// length prefix so message boundaries never depend on read chunking.

// WriteFrame writes one length-framed payload to w
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("p2p: empty frame")
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("p2p: frame too large: %d > %d", len(payload), MaxFrameSize)
	}

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-framed payload from r
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("p2p: invalid frame length: %d", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
