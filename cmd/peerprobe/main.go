package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/quarrylabs/quarry/p2p"
	"github.com/quarrylabs/quarry/wire"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: peerprobe <node-addr> [start-index]")
		fmt.Println("Example: peerprobe 127.0.0.1:9820 0")
		os.Exit(1)
	}

	addr := os.Args[1]
	start := uint64(0)
	if len(os.Args) > 2 {
		var err error
		start, err = strconv.ParseUint(os.Args[2], 10, 32)
		if err != nil {
			log.Fatalf("Invalid start index %q: %v", os.Args[2], err)
		}
	}

	conn, err := net.DialTimeout("tcp", addr, 7*time.Second)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", addr, err)
	}
	defer conn.Close()

	req, err := wire.Encode(wire.RequestBlocks{Start: uint32(start)})
	if err != nil {
		log.Fatalf("Failed to encode request: %v", err)
	}
	if err := p2p.WriteFrame(conn, req); err != nil {
		log.Fatalf("Failed to send request: %v", err)
	}
	log.Printf("Requested blocks from %s starting at %d...", addr, start)

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	payload, err := p2p.ReadFrame(conn)
	if err != nil {
		log.Fatalf("No response (node at height <= %d, or unreachable): %v", start, err)
	}

	msg, err := wire.Decode(payload)
	if err != nil {
		log.Fatalf("Failed to decode response: %v", err)
	}

	resp, ok := msg.(wire.ResponseBlocks)
	if !ok {
		log.Fatalf("Unexpected message type %T", msg)
	}

	log.Printf("Received %d blocks", len(resp.Blocks))
	for _, b := range resp.Blocks {
		fmt.Printf("%6d  %s  nonce=%-12d payload=%q\n", b.Index, b.Hash, b.Nonce, truncate(string(b.Payload), 40))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
