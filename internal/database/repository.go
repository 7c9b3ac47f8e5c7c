package database

import "context"

type EventRepository interface {
	Ping() error
	SaveEvent(ctx context.Context, ev Event) error
	ListEvents(ctx context.Context, params ListEventsParams) ([]Event, error)
}
