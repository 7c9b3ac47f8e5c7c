package broker

import (
	"context"
	"errors"
)

var ErrSessionClosed = errors.New("broker session closed")

// Transport opens sessions against a publish/subscribe broker. Every
// session starts with no channel membership.
type Transport interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is one live broker connection. Deliveries is closed when the
// session dies, which is how callers learn they must reconnect.
type Session interface {
	Bind(ctx context.Context, key string) error
	Unbind(ctx context.Context, key string) error
	Publish(ctx context.Context, key, msgId string, body []byte) error
	Deliveries() <-chan Delivery
	Close() error
}

type Delivery struct {
	RoutingKey string
	MessageId  string
	Body       []byte
	ack        func() error
}

func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}
