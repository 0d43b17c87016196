// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the easyswap backend. It is the
// single owner of orders, chunks, trades, filler accounts, the used-txid
// index, admin events, and block headers.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "easyswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- Process state: persistent counters, cached prices, flags.
	-- Single-row table; each counter increment is persisted before its id
	-- is handed out, so a restart never reissues an id.
	-- =========================================================================
	CREATE TABLE IF NOT EXISTS app_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		next_order_id INTEGER NOT NULL DEFAULT 1,
		next_chunk_id INTEGER NOT NULL DEFAULT 1,
		next_trade_id INTEGER NOT NULL DEFAULT 1,
		next_admin_event_id INTEGER NOT NULL DEFAULT 1,
		cached_bsv_price REAL NOT NULL DEFAULT 0,
		last_price_update INTEGER NOT NULL DEFAULT 0,
		new_orders_enabled INTEGER NOT NULL DEFAULT 1,
		last_sync_time INTEGER NOT NULL DEFAULT 0
	);

	INSERT OR IGNORE INTO app_state (id) VALUES (1);

	-- =========================================================================
	-- Orders and chunks
	-- =========================================================================
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY,
		maker TEXT NOT NULL,
		amount_usd INTEGER NOT NULL,

		deposit_owner TEXT NOT NULL,
		deposit_subaccount TEXT NOT NULL,

		total_deposited INTEGER NOT NULL DEFAULT 0,
		activation_fee INTEGER NOT NULL DEFAULT 0,
		incentive_reserve INTEGER NOT NULL DEFAULT 0,

		max_bsv_price REAL NOT NULL,
		bsv_address TEXT NOT NULL,

		status TEXT NOT NULL,

		created_at INTEGER NOT NULL,
		funded_at INTEGER NOT NULL DEFAULT 0,

		total_filled INTEGER NOT NULL DEFAULT 0,
		total_locked INTEGER NOT NULL DEFAULT 0,
		total_idle INTEGER NOT NULL DEFAULT 0,
		total_refunded INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_maker ON orders(maker);
	CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);

	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		amount_usd INTEGER NOT NULL,
		status TEXT NOT NULL,
		locked_by INTEGER,
		bsv_address TEXT NOT NULL,
		max_bsv_price REAL NOT NULL,
		filled_at INTEGER,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_order ON chunks(order_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_status ON chunks(status);

	-- =========================================================================
	-- Trades and locked chunk snapshots
	-- =========================================================================
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		filler TEXT NOT NULL,
		amount_usd INTEGER NOT NULL,

		agreed_bsv_price REAL NOT NULL,
		min_bsv_price REAL NOT NULL,

		status TEXT NOT NULL,
		bsv_tx_hex TEXT NOT NULL DEFAULT '',

		created_at INTEGER NOT NULL,
		lock_expires_at INTEGER NOT NULL,
		tx_submitted_at INTEGER,
		release_at INTEGER,
		claim_expires_at INTEGER,

		payout_block_index INTEGER,
		payout_at INTEGER,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_filler ON trades(filler);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
	CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);

	-- Satoshi-resolved chunk snapshots, one row per locked chunk in order.
	CREATE TABLE IF NOT EXISTS trade_chunks (
		trade_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		chunk_id INTEGER NOT NULL,
		order_id INTEGER NOT NULL,
		amount_usd INTEGER NOT NULL,
		bsv_address TEXT NOT NULL,
		satoshis INTEGER NOT NULL,

		PRIMARY KEY (trade_id, position),
		FOREIGN KEY (trade_id) REFERENCES trades(id)
	);

	-- =========================================================================
	-- Filler accounts and the used-txid index
	-- =========================================================================
	CREATE TABLE IF NOT EXISTS filler_accounts (
		principal TEXT PRIMARY KEY,
		total_trades INTEGER NOT NULL DEFAULT 0,
		successful_trades INTEGER NOT NULL DEFAULT 0,
		penalties_paid INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	-- Prevents a BSV transaction being reused across trades.
	CREATE TABLE IF NOT EXISTS used_txids (
		txid TEXT PRIMARY KEY,
		trade_id INTEGER NOT NULL
	);

	-- =========================================================================
	-- Admin audit log
	-- =========================================================================
	CREATE TABLE IF NOT EXISTS admin_events (
		id INTEGER PRIMARY KEY,
		type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		trade_id INTEGER,
		order_id INTEGER,
		height INTEGER,
		amount INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_admin_events_ts ON admin_events(timestamp);

	-- =========================================================================
	-- BSV block headers, keyed by height
	-- =========================================================================
	CREATE TABLE IF NOT EXISTS block_headers (
		height INTEGER PRIMARY KEY,
		hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		merkle_root TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		bits INTEGER NOT NULL DEFAULT 0,
		nonce INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		raw_header TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_block_headers_hash ON block_headers(hash);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
