package broker

import (
	"testing"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoutingKey(t *testing.T) {
	assert.Equal(t, "chat.room-1", chatEnvelope("room-1", "e1").RoutingKey())

	p := PresenceEnvelope(types.PresenceState{Identity: "alice", Status: types.StatusTyping, ConversationId: "room-1"})
	assert.Equal(t, "presence.alice", p.RoutingKey())
	assert.NotEmpty(t, p.Meta.Id, "expected presence envelope to get an id")
}

func TestChatEnvelope_UsesEventId(t *testing.T) {
	env := chatEnvelope("room", "123-p1-1")
	assert.Equal(t, "123-p1-1", env.Meta.Id)
	assert.Equal(t, KindChat, env.Meta.Type)
	assert.Equal(t, "p1", env.Meta.OriginId)

	body, err := EncodeEnvelope(env)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, env.Event.EventId, decoded.Event.EventId)
	assert.JSONEq(t, `"hi"`, string(decoded.Event.Payload))
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing id", `{"meta":{"type":"chat"},"event":{"conversation_id":"c"}}`},
		{"chat without event", `{"meta":{"id":"x","type":"chat"}}`},
		{"presence without state", `{"meta":{"id":"x","type":"presence"}}`},
		{"unknown type", `{"meta":{"id":"x","type":"other"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.body))
			assert.ErrorIs(t, err, errMalformedEnvelope)
		})
	}
}

func TestEncodeEnvelope_RejectsInvalid(t *testing.T) {
	_, err := EncodeEnvelope(Envelope{Meta: Meta{Type: KindChat, Time: time.Now()}})
	assert.ErrorIs(t, err, errMalformedEnvelope)
}
