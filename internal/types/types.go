package types

import (
	"encoding/json"
	"time"
)

// Identity is an authenticated user id supplied by the auth layer at
// handshake time. The core never validates it.
type Identity string

// ConversationId names a chat room or DM pair.
type ConversationId string

type ChatEvent struct {
	EventId        string          `json:"event_id"`
	ConversationId ConversationId  `json:"conversation_id"`
	SenderId       Identity        `json:"sender_id"`
	Payload        json.RawMessage `json:"payload"`
	OriginId       string          `json:"origin_id"`
	SentAt         time.Time       `json:"sent_at"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusTyping  PresenceStatus = "typing"
)

type PresenceState struct {
	Identity Identity       `json:"identity"`
	Status   PresenceStatus `json:"status"`
	// ConversationId is only set for typing updates.
	ConversationId ConversationId `json:"conversation_id,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
	OriginId       string         `json:"origin_id"`
}

// Newer reports whether p should replace other under last-write-wins.
func (p PresenceState) Newer(other PresenceState) bool {
	return p.UpdatedAt.After(other.UpdatedAt)
}
