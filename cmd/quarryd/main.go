package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quarrylabs/quarry/archive"
	"github.com/quarrylabs/quarry/blockstore"
	badgerstore "github.com/quarrylabs/quarry/blockstore/badger"
	"github.com/quarrylabs/quarry/blockstore/memory"
	"github.com/quarrylabs/quarry/cache"
	"github.com/quarrylabs/quarry/chain"
	"github.com/quarrylabs/quarry/identity"
	"github.com/quarrylabs/quarry/metadata"
	"github.com/quarrylabs/quarry/metadata/sqlite"
	"github.com/quarrylabs/quarry/miner"
	"github.com/quarrylabs/quarry/p2p"
	"github.com/quarrylabs/quarry/statusfeed"
	"github.com/quarrylabs/quarry/syncer"
)

const seenCacheSize = 1024

// splitAndTrim splits a string by delimiter and trims whitespace from each part
func splitAndTrim(s, delim string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, delim)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func main() {
	// Parse flags
	listenAddr := flag.String("listen", ":9820", "P2P listen address (ip:port)")
	peers := flag.String("peers", "", "Comma-separated peer addresses to dial")
	difficulty := flag.Uint("difficulty", 24, "Proof-of-work difficulty in leading zero bits (0-256)")
	mine := flag.Bool("mine", true, "Run the local mining loop")
	storageType := flag.String("storage", "memory", "Archive storage type: memory or badger")
	dataDir := flag.String("data-dir", "./data", "Data directory for BadgerDB and SQLite")
	sqliteIndex := flag.Bool("sqlite-index", false, "Maintain a SQLite height index alongside the archive")
	keyPath := flag.String("key", "quarry.key", "Path to node identity private key")
	feedAddr := flag.String("feed", "", "Status feed listen address (ip:port), empty disables")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	// Set up slog with the specified level
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *difficulty > 256 {
		log.Fatalf("Difficulty out of range: %d (max 256)", *difficulty)
	}

	log.Println("Starting quarry node...")

	// Node identity
	ident, err := identity.LoadOrCreate(*keyPath)
	if err != nil {
		log.Fatalf("Failed to load node identity: %v", err)
	}
	logger.Info("node identity", "peer_id", ident.ID())

	// Archive storage
	var store blockstore.Store
	switch *storageType {
	case "memory":
		log.Println("Using in-memory archive")
		store = memory.New()
	case "badger":
		log.Printf("Using BadgerDB archive at %s", *dataDir)
		store, err = badgerstore.Open(filepath.Join(*dataDir, "blocks"))
		if err != nil {
			log.Fatalf("Failed to open BadgerDB: %v", err)
		}
	default:
		log.Fatalf("Unknown storage type: %s (use 'memory' or 'badger')", *storageType)
	}
	defer store.Close()

	var meta metadata.Store
	if *sqliteIndex {
		if err := os.MkdirAll(*dataDir, 0755); err != nil {
			log.Fatalf("Failed to create data dir: %v", err)
		}
		meta, err = sqlite.Open(filepath.Join(*dataDir, "chain.db"))
		if err != nil {
			log.Fatalf("Failed to open SQLite index: %v", err)
		}
		defer meta.Close()
	}
	arc := archive.New(store, meta, logger)

	// Chain with mined-in genesis; at real difficulties this takes a moment
	log.Printf("Mining genesis block at difficulty %d...", *difficulty)
	c := chain.New(uint32(*difficulty))
	logger.Info("genesis ready", "hash", c.Latest().Hash)
	arc.Record(context.Background(), c.Latest())

	seen, err := cache.NewSeenBlocks(seenCacheSize)
	if err != nil {
		log.Fatalf("Failed to create seen cache: %v", err)
	}

	// Optional status feed
	var feedOpts []syncer.Option
	feedOpts = append(feedOpts, syncer.WithArchive(arc))
	var feed *statusfeed.Feed
	if *feedAddr != "" {
		feed = statusfeed.New(logger)
		feed.Start(*feedAddr)
		defer feed.Close()
		feedOpts = append(feedOpts, syncer.WithEvents(feed))
	}

	// Transport and sync engine
	transport := p2p.New(p2p.Config{
		ListenAddr:  *listenAddr,
		DialTimeout: 7 * time.Second,
	}, logger)

	engine := syncer.New(c, transport, seen, logger, feedOpts...)
	transport.OnMessage(func(p *p2p.Peer, data []byte) {
		engine.HandleMessage(p, data)
	})

	if err := transport.Start(); err != nil {
		log.Fatalf("Failed to start P2P transport: %v", err)
	}
	defer transport.Close()

	for _, addr := range splitAndTrim(*peers, ",") {
		if err := transport.Connect(addr); err != nil {
			logger.Warn("failed to connect to peer", "addr", addr, "error", err)
		}
	}

	// Mining loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *mine {
		m := miner.New(c, engine, nil, logger)
		go m.Run(ctx)
	}

	log.Printf("Node started | Height: %d | Peers: %d", c.Height(), transport.PeerCount())

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Status ticker to show we're alive, chain height, and peer count
	statusTicker := time.NewTicker(1 * time.Minute)
	defer statusTicker.Stop()

	for {
		select {
		case <-sigCh:
			log.Println("Shutting down...")
			return

		case <-statusTicker.C:
			logger.Info("status", "height", c.Height(), "peers", transport.PeerCount(), "valid", c.IsStructurallyValid())
		}
	}
}
