package database

import (
	"time"

	"github.com/npezzotti/go-chatfleet/internal/types"
)

type Event struct {
	Id             int64
	EventId        string
	ConversationId string
	SenderId       string
	Payload        []byte
	OriginId       string
	SentAt         time.Time
	CreatedAt      time.Time
}

func EventFromChat(ev types.ChatEvent) Event {
	return Event{
		EventId:        ev.EventId,
		ConversationId: string(ev.ConversationId),
		SenderId:       string(ev.SenderId),
		Payload:        []byte(ev.Payload),
		OriginId:       ev.OriginId,
		SentAt:         ev.SentAt,
	}
}

func (e Event) ChatEvent() types.ChatEvent {
	return types.ChatEvent{
		EventId:        e.EventId,
		ConversationId: types.ConversationId(e.ConversationId),
		SenderId:       types.Identity(e.SenderId),
		Payload:        e.Payload,
		OriginId:       e.OriginId,
		SentAt:         e.SentAt,
	}
}

type ListEventsParams struct {
	ConversationId string
	// Before excludes events sent at or after it when non-zero.
	Before time.Time
	Limit  int
}
