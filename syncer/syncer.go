// Package syncer mediates between inbound peer messages and the chain,
// implementing longest-chain adoption: single-block propagation, range-based
// chain sync, and fork reorganization.
package syncer

import (
	"context"
	"log/slog"

	"github.com/quarrylabs/quarry/archive"
	"github.com/quarrylabs/quarry/cache"
	"github.com/quarrylabs/quarry/chain"
	"github.com/quarrylabs/quarry/wire"
)

// PageSize bounds how many blocks a single ResponseBlocks carries.
// Peers needing more issue further requests with an advanced start index.
const PageSize = 10

// Peer is one connected remote endpoint the engine can reply to
type Peer interface {
	Addr() string
	Send(payload []byte) error
}

// Network fans a message out to every connected peer except the one at
// exceptAddr (empty excludes nobody)
type Network interface {
	Broadcast(payload []byte, exceptAddr string)
}

// EventSink receives node status events for external observers
type EventSink interface {
	Publish(event string, data any)
}

// Engine drives the chain's fork-resolution and range-request logic
type Engine struct {
	chain   *chain.Chain
	network Network
	log     *slog.Logger

	seen    *cache.SeenBlocks
	archive *archive.Archiver // optional
	events  EventSink         // optional
}

// Option configures optional engine collaborators
type Option func(*Engine)

// WithArchive records accepted blocks and reorg rollbacks into an archive
func WithArchive(a *archive.Archiver) Option {
	return func(e *Engine) { e.archive = a }
}

// WithEvents publishes engine events to sink
func WithEvents(sink EventSink) Option {
	return func(e *Engine) { e.events = sink }
}

// New creates a sync engine over the given chain and network
func New(c *chain.Chain, network Network, seen *cache.SeenBlocks, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		chain:   c,
		network: network,
		log:     log.With("component", "syncer"),
		seen:    seen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleMessage decodes and dispatches one raw inbound frame.
// Malformed input is dropped; the connection stays open and no peer is
// ever penalized.
func (e *Engine) HandleMessage(from Peer, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		e.log.Warn("dropping undecodable message", "peer", from.Addr(), "error", err)
		return
	}

	switch m := msg.(type) {
	case wire.BlockMsg:
		e.handleBlock(from, m.Block)
	case wire.RequestBlocks:
		e.handleRequest(from, m.Start)
	case wire.ResponseBlocks:
		e.handleResponse(from, m.Blocks)
	}
}

// handleBlock processes a single propagated block
func (e *Engine) handleBlock(from Peer, b *chain.Block) {
	if e.seen != nil && e.seen.Seen(b.Hash) {
		return
	}

	height := e.chain.Height()
	switch {
	case b.Index == height:
		if err := e.chain.AppendMined(b); err != nil {
			// Lost a race or failed validation; either way the block
			// is silently discarded
			e.log.Debug("rejected block", "index", b.Index, "peer", from.Addr(), "error", err)
			return
		}
		if e.seen != nil {
			e.seen.MarkSeen(b.Hash)
		}
		e.log.Info("block received", "index", b.Index, "hash", b.Hash, "peer", from.Addr())
		e.record(b)
		e.publish("block_received", blockEvent(b, from.Addr()))
		e.propagate(b, from.Addr())

	case b.Index > height:
		// We are behind; ask the sender for its tail from our height
		e.log.Info("behind peer, requesting blocks", "local_height", height, "remote_index", b.Index, "peer", from.Addr())
		e.publish("sync_request", map[string]any{"start": height, "peer": from.Addr()})
		e.request(from, height)

	default:
		// Stale or duplicate
		e.log.Debug("dropping stale block", "index", b.Index, "height", height, "peer", from.Addr())
	}
}

// handleRequest answers a RequestBlocks with at most one page
func (e *Engine) handleRequest(from Peer, start uint32) {
	blocks := e.chain.Page(start, PageSize)
	if len(blocks) == 0 {
		// Nothing to give; the requester is not behind us
		return
	}

	data, err := wire.Encode(wire.ResponseBlocks{Blocks: blocks})
	if err != nil {
		e.log.Warn("encoding response failed", "error", err)
		return
	}
	if err := from.Send(data); err != nil {
		e.log.Warn("sending response failed", "peer", from.Addr(), "error", err)
		return
	}
	e.log.Info("served blocks", "start", start, "count", len(blocks), "peer", from.Addr())
	e.publish("sync_response", map[string]any{"start": start, "count": len(blocks), "peer": from.Addr()})
}

// handleResponse applies a peer's chain tail, reorganizing on fork
func (e *Engine) handleResponse(from Peer, blocks []*chain.Block) {
	if len(blocks) == 0 {
		return
	}

	accepted, removed := e.chain.ApplyTail(blocks)

	for _, b := range removed {
		e.rollback(b)
	}
	if len(removed) > 0 {
		e.log.Info("fork detected, chain reorganized",
			"fork_index", removed[0].Index, "discarded", len(removed), "adopted", len(accepted))
		e.publish("fork_reorg", map[string]any{
			"fork_index": removed[0].Index,
			"discarded":  len(removed),
			"adopted":    len(accepted),
		})
	}
	for _, b := range accepted {
		if e.seen != nil {
			e.seen.MarkSeen(b.Hash)
		}
		e.record(b)
	}
	if len(accepted) > 0 {
		e.log.Info("applied synced blocks", "count", len(accepted), "height", e.chain.Height())
	}

	// A truncating reorg leaves the tail to be rebuilt, and a fully applied
	// full page suggests the peer has more; one follow-up request per
	// response keeps multi-round sync converging without timers.
	if (len(removed) > 0 && len(accepted) == 0) ||
		(len(accepted) == len(blocks) && len(blocks) == PageSize) {
		e.request(from, e.chain.Height())
	}
}

// AnnounceMined broadcasts a locally mined, already appended block
func (e *Engine) AnnounceMined(b *chain.Block) {
	if e.seen != nil {
		e.seen.MarkSeen(b.Hash)
	}
	e.record(b)
	e.publish("block_mined", blockEvent(b, ""))
	e.propagate(b, "")
}

// propagate broadcasts b to every peer except the one it came from
func (e *Engine) propagate(b *chain.Block, exceptAddr string) {
	data, err := wire.Encode(wire.BlockMsg{Block: b})
	if err != nil {
		e.log.Warn("encoding block failed", "index", b.Index, "error", err)
		return
	}
	e.network.Broadcast(data, exceptAddr)
}

// request asks a single peer for its tail starting at start
func (e *Engine) request(to Peer, start uint32) {
	data, err := wire.Encode(wire.RequestBlocks{Start: start})
	if err != nil {
		e.log.Warn("encoding request failed", "error", err)
		return
	}
	if err := to.Send(data); err != nil {
		e.log.Warn("sending request failed", "peer", to.Addr(), "error", err)
	}
}

func (e *Engine) record(b *chain.Block) {
	if e.archive != nil {
		e.archive.Record(context.Background(), b)
	}
}

func (e *Engine) rollback(b *chain.Block) {
	if e.archive != nil {
		e.archive.Rollback(context.Background(), b)
	}
}

func (e *Engine) publish(event string, data any) {
	if e.events != nil {
		e.events.Publish(event, data)
	}
}

func blockEvent(b *chain.Block, peer string) map[string]any {
	ev := map[string]any{
		"index":     b.Index,
		"hash":      b.Hash.String(),
		"timestamp": b.Timestamp,
	}
	if peer != "" {
		ev["peer"] = peer
	}
	return ev
}
