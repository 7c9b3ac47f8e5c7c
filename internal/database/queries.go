package database

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SaveEvent stores ev once. Redelivered events with a known event id are
// ignored.
func (db *SQLEventRepository) SaveEvent(ctx context.Context, ev Event) error {
	_, err := db.conn.ExecContext(ctx,
		db.dialect.insert,
		ev.EventId,
		ev.ConversationId,
		ev.SenderId,
		string(ev.Payload),
		ev.OriginId,
		ev.SentAt.UTC(),
		db.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save event %s: %w", ev.EventId, err)
	}

	return nil
}

// ListEvents returns a conversation's events newest first.
func (db *SQLEventRepository) ListEvents(ctx context.Context, params ListEventsParams) ([]Event, error) {
	before := params.Before
	if before.IsZero() {
		before = db.now().Add(time.Hour)
	}

	limit := params.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	rows, err := db.conn.QueryContext(ctx,
		db.dialect.list,
		params.ConversationId,
		before.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events = make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev      Event
			payload string
		)
		if err = rows.Scan(&ev.Id, &ev.EventId, &ev.ConversationId, &ev.SenderId,
			&payload, &ev.OriginId, &ev.SentAt, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = []byte(payload)

		events = append(events, ev)
	}

	return events, rows.Err()
}
