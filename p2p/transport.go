// Package p2p manages the set of peer byte-stream connections. It is
// independent of message semantics: inbound frames are handed to a Handler as
// raw bytes, outbound frames are written verbatim under an outer length
// prefix.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	// MaxFrameSize caps a single framed message. A peer announcing a larger
	// frame is dropped before any allocation happens.
	MaxFrameSize = 1 << 20 // 1 MiB

	frameHeaderSize = 4
)

var ErrClosed = errors.New("p2p: transport closed")

// Handler consumes one framed message from a peer
type Handler func(p *Peer, payload []byte)

// Config holds transport configuration
type Config struct {
	ListenAddr  string        // TCP listen address, empty disables listening
	DialTimeout time.Duration // per-attempt outbound dial timeout
	MaxPeers    int           // connection cap, inbound and outbound combined
}

// Transport owns the peer connection registry. Readers are tracked so Close
// joins every connection task deterministically instead of leaking them.
type Transport struct {
	cfg     Config
	log     *slog.Logger
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	ln    net.Listener
	peers map[string]*Peer
}

// Peer is a single bidirectional peer connection
type Peer struct {
	conn    net.Conn
	addr    string
	inbound bool

	// Serializes frame writes so concurrent broadcasts cannot interleave
	writeMu sync.Mutex
}

// Addr returns the peer's remote address
func (p *Peer) Addr() string {
	return p.addr
}

// Inbound reports whether the peer connected to us
func (p *Peer) Inbound() bool {
	return p.inbound
}

// Send writes one length-framed message to the peer
func (p *Peer) Send(payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteFrame(p.conn, payload)
}

// New creates a transport. OnMessage must be called before Start or Connect.
func New(cfg Config, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 7 * time.Second
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		log:    log.With("component", "p2p"),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*Peer),
	}
}

// OnMessage sets the inbound frame handler.
// Must be called before any connection exists.
func (t *Transport) OnMessage(h Handler) {
	t.handler = h
}

// Start begins listening and accepting inbound connections
func (t *Transport) Start() error {
	if t.cfg.ListenAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("p2p: listen on %s: %w", t.cfg.ListenAddr, err)
	}

	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()

	t.log.Info("listening", "addr", ln.Addr().String())

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// ListenAddr returns the bound listen address, or "" before Start
func (t *Transport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return ""
	}
	return t.ln.Addr().String()
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			t.log.Warn("accept failed", "error", err)
			continue
		}
		if err := t.register(conn, true); err != nil {
			t.log.Warn("rejecting inbound peer", "addr", conn.RemoteAddr().String(), "error", err)
			conn.Close()
		}
	}
}

// Connect dials an outbound peer, retrying with exponential backoff until the
// connection succeeds, the retry budget runs out, or the transport closes
func (t *Transport) Connect(addr string) error {
	dial := func() error {
		conn, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
		if err != nil {
			return err
		}
		if err := t.register(conn, false); err != nil {
			conn.Close()
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), t.ctx)
	if err := backoff.Retry(dial, bo); err != nil {
		return fmt.Errorf("p2p: connect to %s: %w", addr, err)
	}

	t.log.Info("peer connected", "addr", addr, "inbound", false)
	return nil
}

// register adds the connection to the registry and spawns its reader
func (t *Transport) register(conn net.Conn, inbound bool) error {
	addr := conn.RemoteAddr().String()

	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.ctx.Done():
		return ErrClosed
	default:
	}
	if len(t.peers) >= t.cfg.MaxPeers {
		return fmt.Errorf("p2p: peer limit reached (%d)", t.cfg.MaxPeers)
	}
	if _, ok := t.peers[addr]; ok {
		return fmt.Errorf("p2p: already connected to %s", addr)
	}

	p := &Peer{conn: conn, addr: addr, inbound: inbound}
	t.peers[addr] = p

	t.wg.Add(1)
	go t.readLoop(p)
	return nil
}

// readLoop blocks on the connection, delivering one frame at a time to the
// handler. Any read error retires the peer.
func (t *Transport) readLoop(p *Peer) {
	defer t.wg.Done()
	defer t.retire(p)

	if p.inbound {
		t.log.Info("peer connected", "addr", p.addr, "inbound", true)
	}

	for {
		payload, err := ReadFrame(p.conn)
		if err != nil {
			t.logReadEnd(p, err)
			return
		}
		if t.handler != nil {
			t.handler(p, payload)
		}
	}
}

func (t *Transport) logReadEnd(p *Peer, err error) {
	select {
	case <-t.ctx.Done():
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		t.log.Info("peer disconnected", "addr", p.addr)
	} else {
		t.log.Warn("peer read failed", "addr", p.addr, "error", err)
	}
}

// retire closes the connection and removes it from the registry
func (t *Transport) retire(p *Peer) {
	p.conn.Close()

	t.mu.Lock()
	delete(t.peers, p.addr)
	t.mu.Unlock()
}

// Broadcast writes payload to every connected peer except the one at
// exceptAddr (empty excludes nobody). Individual write failures are
// swallowed; the failing peer is left to its reader to retire.
func (t *Transport) Broadcast(payload []byte, exceptAddr string) {
	t.mu.Lock()
	targets := make([]*Peer, 0, len(t.peers))
	for addr, p := range t.peers {
		if exceptAddr != "" && addr == exceptAddr {
			continue
		}
		targets = append(targets, p)
	}
	t.mu.Unlock()

	for _, p := range targets {
		if err := p.Send(payload); err != nil {
			t.log.Warn("broadcast write failed", "addr", p.addr, "error", err)
		}
	}
}

// PeerCount returns the number of connected peers
func (t *Transport) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// PeerAddrs returns the addresses of all connected peers
func (t *Transport) PeerAddrs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	addrs := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Close shuts the transport down: stops accepting, closes every connection,
// and joins all reader tasks before returning
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	if t.ln != nil {
		t.ln.Close()
	}
	for _, p := range t.peers {
		p.conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
