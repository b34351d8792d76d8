package chatlog

import (
	"database/sql"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteMirror is an optional on-disk copy of the message log. It is never
// the source of truth: Log only writes to it, and nothing in this module
// loads its rows back into a Log, so a missing or wiped database file is
// never a correctness failure.
type SQLiteMirror struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenSQLiteMirror opens (or creates) a sqlite database at path to mirror a
// chat log.
func OpenSQLiteMirror(path string) (*SQLiteMirror, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS messages (
		idx      INTEGER PRIMARY KEY,
		username TEXT NOT NULL,
		text     TEXT NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteMirror{db: db}, nil
}

// Put writes msg, replacing whatever was previously stored at msg.Index.
func (m *SQLiteMirror) Put(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.db.Exec(`INSERT INTO messages (idx, username, text) VALUES (?, ?, ?)
		ON CONFLICT(idx) DO UPDATE SET username=excluded.username, text=excluded.text`,
		msg.Index, msg.Username, msg.Text)
	return err
}

// All returns every mirrored message, unordered; callers sort as needed.
func (m *SQLiteMirror) All() ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.Query(`SELECT idx, username, text FROM messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.Index, &msg.Username, &msg.Text); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (m *SQLiteMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Close()
}
