// Package store provides SQLite-backed persistence for conversation
// sessions, so a session can be resumed, listed, or rewound across process
// restarts.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // register sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id      TEXT PRIMARY KEY,
	title   TEXT NOT NULL DEFAULT '',
	created INTEGER NOT NULL,
	updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	reasoning     TEXT NOT NULL DEFAULT '',
	tool_calls    TEXT NOT NULL DEFAULT '[]',
	tool_call_id  TEXT NOT NULL DEFAULT '',
	created       INTEGER NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
`

// SessionStore is a SQLite-backed store of sessions and their messages.
type SessionStore struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens a session store database at the given path.
func Open(dbPath string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session store db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SessionStore{db: db}, nil
}

// Close closes the database.
func (c *SessionStore) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// DB returns the underlying database handle, so other stores (e.g. the
// checkpoint store) can share this connection rather than opening their own.
func (c *SessionStore) DB() *sql.DB {
	return c.db
}
