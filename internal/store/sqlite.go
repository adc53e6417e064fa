package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the shared connection + cache behind every Store
// implementation in this package, consolidated so RoomStore, UserStore,
// etc. share one pooled connection and one LRU front.
type SQLiteStore struct {
	db      *sql.DB
	log     *zap.Logger
	cache   *lru
	cacheMu sync.Mutex
}

// Open creates (or reuses) the SQLite database at dbPath, applies the
// idempotent migrations, and returns a
// SQLiteStore implementing RoomStore, UserStore, MessageStore, EventStore,
// DeadLetterStore and MediaStore.
func Open(dbPath string, maxOpenConns int, log *zap.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	s := &SQLiteStore{db: db, log: log, cache: newLRU(1000)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS room_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			matrix_room_id TEXT NOT NULL UNIQUE,
			feishu_chat_id TEXT NOT NULL UNIQUE,
			feishu_chat_name TEXT NOT NULL DEFAULT '',
			feishu_chat_type TEXT NOT NULL DEFAULT 'group',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			matrix_user_id TEXT NOT NULL UNIQUE,
			feishu_user_id TEXT NOT NULL UNIQUE,
			feishu_username TEXT NOT NULL DEFAULT '',
			feishu_avatar TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			matrix_event_id TEXT NOT NULL UNIQUE,
			feishu_message_id TEXT NOT NULL UNIQUE,
			thread_id TEXT NOT NULL DEFAULT '',
			root_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			room_id TEXT NOT NULL,
			sender_mxid TEXT NOT NULL DEFAULT '',
			sender_feishu_id TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_mappings_room_id ON message_mappings(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_mappings_content_hash ON message_mappings(content_hash)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			processed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at ON processed_events(processed_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			replay_count INTEGER NOT NULL DEFAULT 0,
			last_replayed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters(status)`,
		`CREATE TABLE IF NOT EXISTS media_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_hash TEXT NOT NULL,
			media_kind TEXT NOT NULL,
			resource_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(content_hash, media_kind)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %s: %w", stmt, err)
		}
	}
	return nil
}

const rfc3339 = "2006-01-02T15:04:05.999999999Z07:00"
