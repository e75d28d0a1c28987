// Package miner runs the local proof-of-work loop: read the tip, build a
// candidate, search for a nonce, append, announce. The search runs outside
// every lock and aborts as soon as the tip it extends is gone.
package miner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/chain"
)

// Announcer hands a freshly appended local block to the network
type Announcer interface {
	AnnounceMined(b *chain.Block)
}

// PayloadSource produces the payload for the next candidate block
type PayloadSource func(index uint32) []byte

// Miner is the local mining loop
type Miner struct {
	chain    *chain.Chain
	announce Announcer
	payload  PayloadSource
	log      *slog.Logger
}

// New creates a miner; payload may be nil for a default source
func New(c *chain.Chain, announce Announcer, payload PayloadSource, log *slog.Logger) *Miner {
	if log == nil {
		log = slog.Default()
	}
	if payload == nil {
		payload = func(index uint32) []byte {
			return fmt.Appendf(nil, "quarry block %d", index)
		}
	}
	return &Miner{
		chain:    c,
		announce: announce,
		payload:  payload,
		log:      log.With("component", "miner"),
	}
}

// Run mines until ctx is cancelled. Each round extends the current tip; if
// the tip changes mid-search the candidate is abandoned and the loop restarts
// from the new tip. Lost append races are discarded the same way.
func (m *Miner) Run(ctx context.Context) {
	for ctx.Err() == nil {
		m.mineOne(ctx)
	}
}

// mineOne runs a single candidate round
func (m *Miner) mineOne(ctx context.Context) {
	tip := m.chain.Latest()
	candidate := chain.NewBlock(tip.Index+1, time.Now().Unix(), tip.Hash, m.payload(tip.Index+1))

	// Cancelled when the tip advances under us or the node shuts down
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Signals are coalesced, so one may be left over from a round that
	// already happened; only a tip that actually moved off our parent
	// preempts the search
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-m.chain.TipChanged():
				if m.chain.Latest().Hash != tip.Hash {
					cancel()
					return
				}
			case <-done:
				return
			}
		}
	}()

	start := time.Now()
	if !chain.Mine(searchCtx, candidate, m.chain.Difficulty()) {
		// Preempted; the candidate extends a stale tip and is discarded
		m.log.Debug("search preempted", "index", candidate.Index)
		return
	}

	if err := m.chain.AppendMined(candidate); err != nil {
		// Lost the race to a peer's block at the same index
		m.log.Debug("mined block lost race", "index", candidate.Index, "error", err)
		return
	}

	m.log.Info("block mined",
		"index", candidate.Index,
		"hash", candidate.Hash,
		"nonce", candidate.Nonce,
		"elapsed", time.Since(start))

	if m.announce != nil {
		m.announce.AnnounceMined(candidate)
	}
}
