// Package store provides durable, per-account, encrypted-at-rest storage for
// history, the pending-outgoing queue, trust pins, identity key material,
// and attachment blobs. It owns the on-disk SQLite
// database lifecycle the same way server/store/store.go owns
// its database: an ordered migrations slice applied once each, tracked in a
// schema_migrations table — generalized here from voice-chat room/channel
// state to the E2EE client's conversation/trust/queue state.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1. Append only — never edit
// or reorder existing entries, matching server/store/store.go's migration contract.
var migrations = []string{
	// v1 — identity key envelope (single row, wrapped by the platform
	// secure-store envelope).
	`CREATE TABLE IF NOT EXISTS identity (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		device_id  TEXT NOT NULL,
		envelope   BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — server trust pins: at most one entry per endpoint.
	`CREATE TABLE IF NOT EXISTS server_pins (
		endpoint    TEXT PRIMARY KEY,
		fingerprint BLOB NOT NULL,
		trusted_at  INTEGER NOT NULL
	)`,
	// v3 — peer identity pins, keyed by username.
	`CREATE TABLE IF NOT EXISTS peer_identities (
		username              TEXT PRIMARY KEY,
		identity_pub          BLOB NOT NULL,
		fingerprint           BLOB NOT NULL,
		trusted_at            INTEGER NOT NULL,
		last_seen_fingerprint BLOB NOT NULL DEFAULT ''
	)`,
	// v4 — pin event log (pin_added | pin_replaced | pin_revoked), append-only.
	`CREATE TABLE IF NOT EXISTS pin_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		subject    TEXT NOT NULL,
		fingerprint BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v5 — normalized message history.
	`CREATE TABLE IF NOT EXISTS history (
		message_id      TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		is_group        INTEGER NOT NULL,
		outgoing        INTEGER NOT NULL,
		kind            INTEGER NOT NULL,
		payload_json    TEXT NOT NULL,
		status          INTEGER NOT NULL,
		timestamp_sec   INTEGER NOT NULL,
		sender          TEXT NOT NULL DEFAULT ''
	)`,
	// v6 — index for per-conversation history paging.
	`CREATE INDEX IF NOT EXISTS idx_history_conv ON history(conversation_id, is_group, timestamp_sec)`,
	// v7 — durable outgoing retry queue.
	`CREATE TABLE IF NOT EXISTS pending_outgoing (
		message_id      TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		is_group        INTEGER NOT NULL,
		kind            INTEGER NOT NULL,
		body            BLOB NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_attempt_ms INTEGER NOT NULL DEFAULT 0,
		inserted_seq    INTEGER NOT NULL
	)`,
	// v8 — attachment manifest, sibling to the attachments/<file_id> blobs.
	`CREATE TABLE IF NOT EXISTS attachments (
		file_id    TEXT PRIMARY KEY,
		conv_id    TEXT NOT NULL,
		message_id TEXT NOT NULL,
		file_name  TEXT NOT NULL,
		file_size  INTEGER NOT NULL,
		preview    BLOB,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v9 — history-enabled flag, persisted so set_history_enabled(false)
	// survives restart.
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v10 — WAL mode for concurrent readers while the poller/send pipeline
	// both touch the database.
	`PRAGMA journal_mode=WAL`,
	// v11 — friend roster: remark names and blocklist, keyed by username.
	`CREATE TABLE IF NOT EXISTS friends (
		username   TEXT PRIMARY KEY,
		remark     TEXT NOT NULL DEFAULT '',
		blocked    INTEGER NOT NULL DEFAULT 0,
		added_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v12 — device roster for the local account (device_id -> label/last_seen).
	`CREATE TABLE IF NOT EXISTS devices (
		device_id   TEXT PRIMARY KEY,
		label       TEXT NOT NULL DEFAULT '',
		last_seen_ms INTEGER NOT NULL DEFAULT 0
	)`,
	// v13 — group membership and per-member roles.
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		username TEXT NOT NULL,
		role     TEXT NOT NULL,
		PRIMARY KEY (group_id, username)
	)`,
}

// Store wraps the SQLite database for one account directory.
type Store struct {
	db      *sql.DB
	dir     string // account directory, e.g. $MI_E2EE_DATA_DIR/<username>
	seq     int64  // monotonic insertion counter for pending_outgoing fairness ordering
	histOn  bool
}

// Open opens (or creates) the SQLite database under dir/account.db and
// applies any pending migrations. dir must already exist with
// owner-restricted permissions; Open does not create it (the caller — the
// Facade's init() path — is responsible for directory layout).
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "account.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db, dir: dir, histOn: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.loadSettings(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: load settings: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

func (s *Store) loadSettings() error {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = 'history_enabled'`).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		s.histOn = true
	case err != nil:
		return err
	default:
		s.histOn = v == "1"
	}
	return nil
}

// SetHistoryEnabled toggles whether record_outgoing/record_incoming persist
// to history. When false, in-memory callers still function but nothing new
// is written.
func (s *Store) SetHistoryEnabled(enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES('history_enabled', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, val)
	if err != nil {
		return err
	}
	s.histOn = enabled
	return nil
}

func (s *Store) HistoryEnabled() bool { return s.histOn }

// Dir returns the account's base directory, used by attachment helpers.
func (s *Store) Dir() string { return s.dir }

// EnsureAccountDir creates dir with owner-only permissions if it does not
// already exist, with directory permissions restricted to owner.
func EnsureAccountDir(dir string) error {
	return os.MkdirAll(dir, 0o700)
}
