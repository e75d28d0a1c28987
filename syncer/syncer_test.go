package syncer

import (
	"context"
	"fmt"
	"testing"

	"github.com/quarrylabs/quarry/cache"
	"github.com/quarrylabs/quarry/chain"
	"github.com/quarrylabs/quarry/wire"
)

// fakePeer records everything sent to it
type fakePeer struct {
	addr string
	sent [][]byte
}

func (p *fakePeer) Addr() string           { return p.addr }
func (p *fakePeer) Send(data []byte) error { p.sent = append(p.sent, data); return nil }

func (p *fakePeer) decoded(t *testing.T) []wire.Message {
	t.Helper()
	out := make([]wire.Message, 0, len(p.sent))
	for _, data := range p.sent {
		msg, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("peer received undecodable frame: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// fakeNetwork records broadcasts with their exclusion
type fakeNetwork struct {
	broadcasts []broadcast
}

type broadcast struct {
	data   []byte
	except string
}

func (n *fakeNetwork) Broadcast(data []byte, exceptAddr string) {
	n.broadcasts = append(n.broadcasts, broadcast{data: data, except: exceptAddr})
}

func newEngine(t *testing.T, difficulty uint32) (*Engine, *chain.Chain, *fakeNetwork) {
	t.Helper()
	c := chain.New(difficulty)
	net := &fakeNetwork{}
	seen, err := cache.NewSeenBlocks(64)
	if err != nil {
		t.Fatalf("seen cache: %v", err)
	}
	return New(c, net, seen, nil), c, net
}

func minedChild(t *testing.T, parent *chain.Block, payload string) *chain.Block {
	t.Helper()
	b := chain.NewBlock(parent.Index+1, int64(1700000000+parent.Index), parent.Hash, []byte(payload))
	if !chain.Mine(context.Background(), b, 0) {
		t.Fatal("mining failed")
	}
	return b
}

func grow(t *testing.T, c *chain.Chain, n int, tag string) {
	t.Helper()
	for i := 0; i < n; i++ {
		b := minedChild(t, c.Latest(), fmt.Sprintf("%s-%d", tag, c.Height()))
		if err := c.AppendMined(b); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func frame(t *testing.T, m wire.Message) []byte {
	t.Helper()
	data, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestBlockAtHeightIsAppendedAndPropagated(t *testing.T) {
	e, c, net := newEngine(t, 0)
	from := &fakePeer{addr: "10.0.0.2:9820"}
	b := minedChild(t, c.Latest(), "next")

	e.HandleMessage(from, frame(t, wire.BlockMsg{Block: b}))

	if c.Height() != 2 {
		t.Fatalf("height = %d, want 2", c.Height())
	}
	if len(net.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(net.broadcasts))
	}
	if net.broadcasts[0].except != from.Addr() {
		t.Errorf("broadcast excludes %q, want sender %q", net.broadcasts[0].except, from.Addr())
	}
	msg, err := wire.Decode(net.broadcasts[0].data)
	if err != nil {
		t.Fatalf("broadcast frame undecodable: %v", err)
	}
	bm, ok := msg.(wire.BlockMsg)
	if !ok || bm.Block.Hash != b.Hash {
		t.Error("broadcast does not carry the accepted block")
	}
}

func TestDuplicateBlockIsNotRebroadcast(t *testing.T) {
	e, c, net := newEngine(t, 0)
	b := minedChild(t, c.Latest(), "next")
	data := frame(t, wire.BlockMsg{Block: b})

	e.HandleMessage(&fakePeer{addr: "a:1"}, data)
	e.HandleMessage(&fakePeer{addr: "b:1"}, data)

	if len(net.broadcasts) != 1 {
		t.Errorf("broadcasts = %d, want 1 (duplicate suppressed)", len(net.broadcasts))
	}
	if c.Height() != 2 {
		t.Errorf("height = %d, want 2", c.Height())
	}
}

func TestAheadBlockTriggersRangeRequest(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	grow(t, c, 2, "local") // height 3
	from := &fakePeer{addr: "10.0.0.3:9820"}

	far := chain.NewBlock(9, 1700000099, chain.Hash{1}, []byte("way ahead"))
	chain.Mine(context.Background(), far, 0)

	e.HandleMessage(from, frame(t, wire.BlockMsg{Block: far}))

	if c.Height() != 3 {
		t.Errorf("height changed to %d", c.Height())
	}
	msgs := from.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	req, ok := msgs[0].(wire.RequestBlocks)
	if !ok {
		t.Fatalf("sent %T, want RequestBlocks", msgs[0])
	}
	if req.Start != 3 {
		t.Errorf("request start = %d, want local height 3", req.Start)
	}
}

func TestStaleBlockIsDropped(t *testing.T) {
	e, c, net := newEngine(t, 0)
	grow(t, c, 3, "local") // height 4
	from := &fakePeer{addr: "10.0.0.4:9820"}

	stale := chain.NewBlock(1, 1700000001, chain.Hash{2}, []byte("old news"))
	chain.Mine(context.Background(), stale, 0)

	e.HandleMessage(from, frame(t, wire.BlockMsg{Block: stale}))

	if c.Height() != 4 {
		t.Errorf("height changed to %d", c.Height())
	}
	if len(from.sent) != 0 || len(net.broadcasts) != 0 {
		t.Error("stale block caused traffic")
	}
}

func TestRequestServedAsOnePage(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	grow(t, c, 14, "local") // height 15
	from := &fakePeer{addr: "10.0.0.5:9820"}

	e.HandleMessage(from, frame(t, wire.RequestBlocks{Start: 3}))

	msgs := from.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	resp, ok := msgs[0].(wire.ResponseBlocks)
	if !ok {
		t.Fatalf("sent %T, want ResponseBlocks", msgs[0])
	}
	if len(resp.Blocks) != PageSize {
		t.Fatalf("page carries %d blocks, want %d", len(resp.Blocks), PageSize)
	}
	for i, b := range resp.Blocks {
		if b.Index != uint32(3+i) {
			t.Errorf("blocks[%d].Index = %d, want %d", i, b.Index, 3+i)
		}
	}
}

func TestRequestAtOrPastHeightGetsNoReply(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	grow(t, c, 2, "local") // height 3
	from := &fakePeer{addr: "10.0.0.6:9820"}

	e.HandleMessage(from, frame(t, wire.RequestBlocks{Start: 3}))
	e.HandleMessage(from, frame(t, wire.RequestBlocks{Start: 50}))

	if len(from.sent) != 0 {
		t.Errorf("sent %d messages, want none", len(from.sent))
	}
}

func TestResponseExtendsChain(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	from := &fakePeer{addr: "10.0.0.7:9820"}

	// Another node ahead of us by three blocks
	remote := chain.New(0)
	grow(t, remote, 3, "remote")
	batch := remote.Page(1, PageSize)

	e.HandleMessage(from, frame(t, wire.ResponseBlocks{Blocks: batch}))

	if c.Height() != 4 {
		t.Errorf("height = %d, want 4", c.Height())
	}
	if !c.IsStructurallyValid() {
		t.Error("chain invalid after sync")
	}
	// Partial page, no follow-up needed
	if len(from.sent) != 0 {
		t.Errorf("sent %d follow-ups, want none", len(from.sent))
	}
}

func TestFullPageTriggersFollowUpRequest(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	from := &fakePeer{addr: "10.0.0.8:9820"}

	remote := chain.New(0)
	grow(t, remote, PageSize+4, "remote")
	batch := remote.Page(1, PageSize)

	e.HandleMessage(from, frame(t, wire.ResponseBlocks{Blocks: batch}))

	if c.Height() != uint32(1+PageSize) {
		t.Fatalf("height = %d, want %d", c.Height(), 1+PageSize)
	}
	msgs := from.decoded(t)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1 follow-up", len(msgs))
	}
	req, ok := msgs[0].(wire.RequestBlocks)
	if !ok {
		t.Fatalf("sent %T, want RequestBlocks", msgs[0])
	}
	if req.Start != uint32(1+PageSize) {
		t.Errorf("follow-up start = %d, want %d", req.Start, 1+PageSize)
	}
}

// TestForkResolutionConverges drives two engines sharing a genesis but with
// divergent tails until the shorter fork adopts the longer one, exchanging
// messages the way connected nodes would.
func TestForkResolutionConverges(t *testing.T) {
	local := chain.New(0)
	remote := chain.New(0)
	grow(t, local, 4, "local")   // height 5
	grow(t, remote, 7, "remote") // height 8

	e := New(local, &fakeNetwork{}, nil, nil)
	remotePeer := &fakePeer{addr: "remote:9820"}

	// The remote announces its tip; we fall behind and start requesting
	e.HandleMessage(remotePeer, frame(t, wire.BlockMsg{Block: remote.Latest()}))

	for rounds := 0; ; rounds++ {
		if rounds > 10 {
			t.Fatal("fork resolution did not converge")
		}
		if len(remotePeer.sent) == 0 {
			break
		}
		out := remotePeer.sent
		remotePeer.sent = nil
		for _, data := range out {
			msg, err := wire.Decode(data)
			if err != nil {
				t.Fatalf("undecodable frame: %v", err)
			}
			req, ok := msg.(wire.RequestBlocks)
			if !ok {
				t.Fatalf("local sent %T, want RequestBlocks", msg)
			}
			page := remote.Page(req.Start, PageSize)
			e.HandleMessage(remotePeer, frame(t, wire.ResponseBlocks{Blocks: page}))
		}
	}

	if local.Height() != remote.Height() {
		t.Fatalf("heights diverge: local %d, remote %d", local.Height(), remote.Height())
	}
	if local.Latest().Hash != remote.Latest().Hash {
		t.Error("tips diverge after convergence")
	}
	if !local.IsStructurallyValid() {
		t.Error("local chain invalid after reorg")
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	e, c, net := newEngine(t, 0)
	from := &fakePeer{addr: "10.0.0.9:9820"}

	e.HandleMessage(from, []byte{0xFF, 0x01, 0x02})
	e.HandleMessage(from, nil)

	if c.Height() != 1 {
		t.Errorf("height changed to %d", c.Height())
	}
	if len(from.sent) != 0 || len(net.broadcasts) != 0 {
		t.Error("malformed input caused traffic")
	}
}

func TestAnnounceMinedBroadcastsToAll(t *testing.T) {
	e, c, net := newEngine(t, 0)
	b := minedChild(t, c.Latest(), "ours")
	if err := c.AppendMined(b); err != nil {
		t.Fatal(err)
	}

	e.AnnounceMined(b)

	if len(net.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(net.broadcasts))
	}
	if net.broadcasts[0].except != "" {
		t.Errorf("mined broadcast excludes %q, want nobody", net.broadcasts[0].except)
	}

	// The same block echoed back is now seen and not re-broadcast
	e.HandleMessage(&fakePeer{addr: "echo:1"}, frame(t, wire.BlockMsg{Block: b}))
	if len(net.broadcasts) != 1 {
		t.Error("echoed own block was re-broadcast")
	}
}
