package database

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	schema: `CREATE TABLE IF NOT EXISTS chat_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	origin_id TEXT NOT NULL,
	sent_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_events_conversation_sent_at ON chat_events (conversation_id, sent_at DESC);`,
	insert: "INSERT INTO chat_events (event_id, conversation_id, sender_id, payload, origin_id, sent_at, created_at) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (event_id) DO NOTHING",
	list: "SELECT id, event_id, conversation_id, sender_id, payload, origin_id, sent_at, created_at FROM chat_events " +
		"WHERE conversation_id = ? AND sent_at < ? ORDER BY sent_at DESC, id DESC LIMIT ?",
}

// NewSqliteEventRepository opens the archive at path, for single-node
// deployments without Postgres.
func NewSqliteEventRepository(path string) (*SQLEventRepository, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLEventRepository{conn: db, dialect: sqliteDialect, now: time.Now}, nil
}
