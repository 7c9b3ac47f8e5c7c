package server

import (
	"errors"
	"fmt"
)

var (
	ErrBackpressureExceeded = errors.New("backpressure exceeded")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrShuttingDown         = errors.New("server shutting down")

	errMalformedMessage    = errors.New("malformed message")
	errInvalidConversation = errors.New("invalid conversation id")
	errAmbiguousMessage    = errors.New("message must carry exactly one kind")
	errMissingPayload      = errors.New("submit without payload")
)

// ProtocolError reports client input that cannot be handled. The
// connection that sent it is closed.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
