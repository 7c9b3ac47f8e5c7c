package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/types"
)

var conversationIdPattern = regexp.MustCompile(`^[A-Za-z0-9_:-]{1,128}$`)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a tagged union: exactly one of the kind fields is set.
type ClientMessage struct {
	BaseMessage
	Submit      *Submit      `json:"submit,omitempty"`
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Ping        *Ping        `json:"ping,omitempty"`
	Typing      *Typing      `json:"typing,omitempty"`
}

type Submit struct {
	ConversationId types.ConversationId `json:"conversation_id"`
	Payload        json.RawMessage      `json:"payload"`
}

type Subscribe struct {
	ConversationId types.ConversationId `json:"conversation_id"`
}

type Unsubscribe struct {
	ConversationId types.ConversationId `json:"conversation_id"`
}

type Ping struct{}

type Typing struct {
	ConversationId types.ConversationId `json:"conversation_id"`
}

type ServerMessage struct {
	BaseMessage
	Response *Response            `json:"response,omitempty"`
	Event    *types.ChatEvent     `json:"event,omitempty"`
	Presence *types.PresenceState `json:"presence,omitempty"`
	Pong     *Pong                `json:"pong,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Pong struct{}

// ParseClientMessage decodes raw into a ClientMessage. Any failure is a
// *ProtocolError; the decoded message is still returned when the JSON was
// well formed so the caller can correlate the error response.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &ProtocolError{Reason: "invalid json", Err: errMalformedMessage}
	}

	if err := msg.validate(); err != nil {
		return &msg, err
	}

	msg.Timestamp = Now()
	return &msg, nil
}

func (m *ClientMessage) validate() error {
	kinds := 0
	for _, set := range []bool{m.Submit != nil, m.Subscribe != nil, m.Unsubscribe != nil, m.Ping != nil, m.Typing != nil} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return &ProtocolError{Reason: "invalid message kind", Err: errAmbiguousMessage}
	}

	switch {
	case m.Submit != nil:
		if len(m.Submit.Payload) == 0 || string(m.Submit.Payload) == "null" {
			return &ProtocolError{Reason: "invalid submit", Err: errMissingPayload}
		}
		return validConversation(m.Submit.ConversationId)
	case m.Subscribe != nil:
		return validConversation(m.Subscribe.ConversationId)
	case m.Unsubscribe != nil:
		return validConversation(m.Unsubscribe.ConversationId)
	case m.Typing != nil:
		return validConversation(m.Typing.ConversationId)
	}

	return nil
}

// ValidConversationId reports whether id is usable as a routing key segment.
func ValidConversationId(id types.ConversationId) bool {
	return conversationIdPattern.MatchString(string(id))
}

func validConversation(id types.ConversationId) error {
	if !ValidConversationId(id) {
		return &ProtocolError{Reason: "invalid conversation id " + strconv.Quote(string(id)), Err: errInvalidConversation}
	}
	return nil
}

func EventMessage(ev types.ChatEvent) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       &ev,
	}
}

func PresenceMessage(p types.PresenceState) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Presence:    &p,
	}
}

func PongMessage(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		Pong:        &Pong{},
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Data:         data,
		},
	}
}

func ErrNotSubscribed(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "not subscribed to conversation",
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidMessage(id int, err error) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if err != nil {
		msg.Response.Error = err.Error()
	}
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
