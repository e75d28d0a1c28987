// Package archive records the chain's accepted blocks into a key-value
// blockstore and an optional relational metadata index. Archival is
// best-effort: failures are logged and never surface into consensus.
package archive

import (
	"context"
	"log/slog"

	"github.com/quarrylabs/quarry/blockstore"
	"github.com/quarrylabs/quarry/chain"
	"github.com/quarrylabs/quarry/metadata"
	"github.com/quarrylabs/quarry/wire"
)

// Archiver mirrors chain appends and reorg truncations into storage
type Archiver struct {
	store blockstore.Store
	meta  metadata.Store // optional
	log   *slog.Logger
}

// New creates an archiver; meta may be nil to skip relational indexing
func New(store blockstore.Store, meta metadata.Store, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		store: store,
		meta:  meta,
		log:   log.With("component", "archive"),
	}
}

// Record stores an accepted block
func (a *Archiver) Record(ctx context.Context, b *chain.Block) {
	key, err := blockstore.Key(b.Hash)
	if err != nil {
		a.log.Warn("archive key failed", "index", b.Index, "error", err)
		return
	}
	if err := a.store.Put(ctx, key, wire.MarshalBlock(b)); err != nil {
		a.log.Warn("archive put failed", "index", b.Index, "error", err)
		return
	}

	if a.meta != nil {
		err := a.meta.PutBlock(ctx, &metadata.BlockMeta{
			Height:    b.Index,
			Hash:      b.Hash,
			PrevHash:  b.PrevHash,
			Timestamp: b.Timestamp,
		})
		if err != nil {
			a.log.Warn("archive index failed", "index", b.Index, "error", err)
		}
	}
}

// Rollback removes a block discarded during a reorg
func (a *Archiver) Rollback(ctx context.Context, b *chain.Block) {
	key, err := blockstore.Key(b.Hash)
	if err != nil {
		a.log.Warn("rollback key failed", "index", b.Index, "error", err)
		return
	}
	if err := a.store.Delete(ctx, key); err != nil {
		a.log.Warn("rollback delete failed", "index", b.Index, "error", err)
	}

	if a.meta != nil {
		if err := a.meta.DeleteBlock(ctx, b.Index); err != nil {
			a.log.Warn("rollback index failed", "index", b.Index, "error", err)
		}
	}
}

// Load retrieves an archived block by hash, or nil if absent
func (a *Archiver) Load(ctx context.Context, h chain.Hash) (*chain.Block, error) {
	key, err := blockstore.Key(h)
	if err != nil {
		return nil, err
	}
	data, err := a.store.Get(ctx, key)
	if err != nil || data == nil {
		return nil, err
	}
	return wire.UnmarshalBlock(data)
}
