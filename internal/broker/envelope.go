package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

type Kind string

const (
	KindChat     Kind = "chat"
	KindPresence Kind = "presence"
)

const (
	chatKeyPrefix     = "chat."
	presenceKeyPrefix = "presence."

	// PresenceBinding matches every presence and typing update.
	PresenceBinding = presenceKeyPrefix + "#"
)

var errMalformedEnvelope = errors.New("malformed envelope")

type Meta struct {
	Id       string    `json:"id"`
	Type     Kind      `json:"type"`
	OriginId string    `json:"origin_id"`
	Time     time.Time `json:"time"`
}

// Envelope is the unit carried across the broker between processes.
type Envelope struct {
	Meta     Meta                 `json:"meta"`
	Event    *types.ChatEvent     `json:"event,omitempty"`
	Presence *types.PresenceState `json:"presence,omitempty"`
}

func ChatEnvelope(ev types.ChatEvent) Envelope {
	return Envelope{
		Meta: Meta{
			Id:       ev.EventId,
			Type:     KindChat,
			OriginId: ev.OriginId,
			Time:     ev.SentAt,
		},
		Event: &ev,
	}
}

func PresenceEnvelope(p types.PresenceState) Envelope {
	return Envelope{
		Meta: Meta{
			Id:       uuid.NewString(),
			Type:     KindPresence,
			OriginId: p.OriginId,
			Time:     p.UpdatedAt,
		},
		Presence: &p,
	}
}

// ConversationKey is the routing key of a conversation's chat channel.
func ConversationKey(id types.ConversationId) string {
	return chatKeyPrefix + string(id)
}

func PresenceKey(id types.Identity) string {
	return presenceKeyPrefix + string(id)
}

func (e Envelope) RoutingKey() string {
	if e.Meta.Type == KindPresence && e.Presence != nil {
		return PresenceKey(e.Presence.Identity)
	}
	if e.Event != nil {
		return ConversationKey(e.Event.ConversationId)
	}
	return ""
}

func (e Envelope) validate() error {
	if e.Meta.Id == "" {
		return fmt.Errorf("%w: missing id", errMalformedEnvelope)
	}

	switch e.Meta.Type {
	case KindChat:
		if e.Event == nil || e.Event.ConversationId == "" {
			return fmt.Errorf("%w: chat envelope without event", errMalformedEnvelope)
		}
	case KindPresence:
		if e.Presence == nil || e.Presence.Identity == "" {
			return fmt.Errorf("%w: presence envelope without state", errMalformedEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", errMalformedEnvelope, e.Meta.Type)
	}

	return nil
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func DecodeEnvelope(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformedEnvelope, err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
