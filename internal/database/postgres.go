package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type dialect struct {
	schema string
	insert string
	list   string
}

var postgresDialect = dialect{
	schema: `CREATE TABLE IF NOT EXISTS chat_events (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	payload JSONB NOT NULL,
	origin_id TEXT NOT NULL,
	sent_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_events_conversation_sent_at ON chat_events (conversation_id, sent_at DESC);`,
	insert: "INSERT INTO chat_events (event_id, conversation_id, sender_id, payload, origin_id, sent_at, created_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (event_id) DO NOTHING",
	list: "SELECT id, event_id, conversation_id, sender_id, payload, origin_id, sent_at, created_at FROM chat_events " +
		"WHERE conversation_id = $1 AND sent_at < $2 ORDER BY sent_at DESC, id DESC LIMIT $3",
}

// SQLEventRepository archives chat events in Postgres or SQLite.
type SQLEventRepository struct {
	conn    *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewPgEventRepository(dsn string) (*SQLEventRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLEventRepository{conn: db, dialect: postgresDialect, now: time.Now}, nil
}

// Migrate creates the archive table if it does not exist.
func (db *SQLEventRepository) Migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, db.dialect.schema)
	return err
}

func (db *SQLEventRepository) Ping() error {
	return db.conn.Ping()
}

func (db *SQLEventRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
