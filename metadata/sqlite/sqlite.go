package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quarrylabs/quarry/chain"
	"github.com/quarrylabs/quarry/metadata"
)

// Store is a SQLite-backed implementation of metadata.Store
type Store struct {
	db *sql.DB
}

// Open creates a SQLite-backed metadata store at path
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS blocks (
		height     INTEGER PRIMARY KEY,
		hash       BLOB NOT NULL,
		prev_hash  BLOB NOT NULL,
		timestamp  INTEGER NOT NULL,
		created_at INTEGER DEFAULT (strftime('%s', 'now'))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_hash ON blocks(hash);
	`

	_, err := s.db.Exec(schema)
	return err
}

// PutBlock stores block metadata, replacing any row at the same height
func (s *Store) PutBlock(ctx context.Context, meta *metadata.BlockMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blocks (height, hash, prev_hash, timestamp)
		 VALUES (?, ?, ?, ?)`,
		meta.Height, meta.Hash[:], meta.PrevHash[:], meta.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert block %d: %w", meta.Height, err)
	}
	return nil
}

// GetBlock retrieves block metadata by height
func (s *Store) GetBlock(ctx context.Context, height uint32) (*metadata.BlockMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT height, hash, prev_hash, timestamp FROM blocks WHERE height = ?`, height)
	return scanBlock(row)
}

// GetBlockByHash retrieves block metadata by block hash
func (s *Store) GetBlockByHash(ctx context.Context, hash chain.Hash) (*metadata.BlockMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT height, hash, prev_hash, timestamp FROM blocks WHERE hash = ?`, hash[:])
	return scanBlock(row)
}

// GetLatestBlock returns the highest block stored, or nil if empty
func (s *Store) GetLatestBlock(ctx context.Context) (*metadata.BlockMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT height, hash, prev_hash, timestamp FROM blocks ORDER BY height DESC LIMIT 1`)
	return scanBlock(row)
}

// DeleteBlock removes block metadata for reorg cleanup
func (s *Store) DeleteBlock(ctx context.Context, height uint32) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE height = ?`, height)
	if err != nil {
		return fmt.Errorf("sqlite: delete block %d: %w", height, err)
	}
	return nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func scanBlock(row *sql.Row) (*metadata.BlockMeta, error) {
	var meta metadata.BlockMeta
	var hash, prevHash []byte

	err := row.Scan(&meta.Height, &hash, &prevHash, &meta.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan block: %w", err)
	}

	copy(meta.Hash[:], hash)
	copy(meta.PrevHash[:], prevHash)
	return &meta, nil
}
