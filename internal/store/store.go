// SPDX-License-Identifier: MIT

// Package store is the SQLite persistence layer. One database file holds all
// marketplace state; schema changes bump schemaVersion and migrate through
// PRAGMA user_version inside a single transaction.
//
// Uniqueness invariants that must survive crashes and races live here as
// partial unique indexes, not in service code: one open session per PC, one
// open session per client, one open queue entry per (pc, user).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/nuvemplay/core/internal/log"
)

const schemaVersion = 1

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns pool settings suitable for WAL-mode readers with a
// single writer.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Store wraps the database handle with typed accessors for every entity.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite pool with mandatory PRAGMAs and runs pending
// migrations. The parent directory is created if missing.
func Open(dbPath string, cfg Config) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	// PRAGMAs go in the DSN so they apply to every connection in the pool.
	// _txlock=immediate makes write transactions take the lock up front,
	// converting mid-transaction SQLITE_BUSY into a retryable begin.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	logger := log.WithComponent("store")
	logger.Info().
		Str("event", "store.opened").
		Str("path", dbPath).
		Msg("sqlite store ready")
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT 'CLIENT',
		auth_provider TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		user_id TEXT PRIMARY KEY REFERENCES users(id),
		balance REAL NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS host_profiles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE REFERENCES users(id),
		last_seen_at_ms INTEGER,
		sessions_total INTEGER NOT NULL DEFAULT 0,
		sessions_completed INTEGER NOT NULL DEFAULT 0,
		sessions_dropped INTEGER NOT NULL DEFAULT 0,
		last_drop_at_ms INTEGER,
		reliability_score INTEGER NOT NULL DEFAULT 100
	);

	CREATE TABLE IF NOT EXISTS pcs (
		id TEXT PRIMARY KEY,
		host_id TEXT NOT NULL REFERENCES host_profiles(id),
		name TEXT NOT NULL,
		cpu TEXT NOT NULL DEFAULT '',
		gpu TEXT NOT NULL DEFAULT '',
		ram_gb INTEGER NOT NULL DEFAULT 0,
		storage_gb INTEGER NOT NULL DEFAULT 0,
		uplink_mbps INTEGER NOT NULL DEFAULT 0,
		price_per_hour REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		connection_host TEXT NOT NULL DEFAULT '',
		connection_port INTEGER NOT NULL DEFAULT 47990,
		connect_address TEXT NOT NULL DEFAULT '',
		categories_json TEXT NOT NULL DEFAULT '[]',
		software_json TEXT NOT NULL DEFAULT '[]',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pcs_host ON pcs(host_id);
	CREATE INDEX IF NOT EXISTS idx_pcs_status ON pcs(status);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		-- no FK on pc_id: billing history outlives a delisted machine
		pc_id TEXT NOT NULL,
		client_user_id TEXT NOT NULL REFERENCES users(id),
		status TEXT NOT NULL,
		minutes_purchased INTEGER NOT NULL,
		minutes_used INTEGER NOT NULL DEFAULT 0,
		price_per_hour REAL NOT NULL,
		start_at_ms INTEGER,
		end_at_ms INTEGER,
		failure_reason TEXT NOT NULL DEFAULT 'NONE',
		client_ip TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	-- Slot invariants: at most one open session per PC and per client.
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_sessions_open_pc
		ON sessions(pc_id) WHERE status IN ('PENDING','ACTIVE');
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_sessions_open_client
		ON sessions(client_user_id) WHERE status IN ('PENDING','ACTIVE');
	CREATE INDEX IF NOT EXISTS idx_sessions_expiry
		ON sessions(status, end_at_ms);
	CREATE INDEX IF NOT EXISTS idx_sessions_pc ON sessions(pc_id);

	CREATE TABLE IF NOT EXISTS queue_entries (
		id TEXT PRIMARY KEY,
		pc_id TEXT NOT NULL REFERENCES pcs(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'WAITING',
		minutes_purchased INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL,
		promoted_at_ms INTEGER,
		session_id TEXT NOT NULL DEFAULT ''
	);

	-- One live queue entry per (pc, user).
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_queue_open_slot
		ON queue_entries(pc_id, user_id) WHERE status IN ('WAITING','PROMOTED','ACTIVE');
	CREATE INDEX IF NOT EXISTS idx_queue_waiting
		ON queue_entries(pc_id, status, created_at_ms);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		pc_id TEXT NOT NULL REFERENCES pcs(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		start_at_ms INTEGER NOT NULL,
		end_at_ms INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'SCHEDULED',
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_pc
		ON reservations(pc_id, status, start_at_ms);

	CREATE TABLE IF NOT EXISTS stream_connect_tokens (
		token TEXT PRIMARY KEY,
		pc_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		consumed_at_ms INTEGER,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_expiry ON stream_connect_tokens(expires_at_ms);
	CREATE INDEX IF NOT EXISTS idx_tokens_session ON stream_connect_tokens(session_id);

	CREATE TABLE IF NOT EXISTS reliability_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		host_id TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reliability_host
		ON reliability_events(host_id, created_at_ms);

	CREATE TABLE IF NOT EXISTS host_online_minutes (
		host_id TEXT NOT NULL,
		minute INTEGER NOT NULL,
		PRIMARY KEY (host_id, minute)
	) WITHOUT ROWID;
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
