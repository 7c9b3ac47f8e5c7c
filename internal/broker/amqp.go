package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPConfig struct {
	URL      string
	Exchange string
	Prefetch int
	// Dialer overrides amqp.Dial, mainly for tests.
	Dialer func(ctx context.Context, url string) (*amqp.Connection, error)
}

// AMQPTransport connects to RabbitMQ. Each session declares one
// server-named exclusive queue, so membership does not survive a
// reconnect.
type AMQPTransport struct {
	cfg AMQPConfig
	log *slog.Logger
}

func NewAMQPTransport(cfg AMQPConfig, logger *slog.Logger) *AMQPTransport {
	if cfg.Exchange == "" {
		cfg.Exchange = "chat.fanout"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 64
	}
	return &AMQPTransport{cfg: cfg, log: logger}
}

func (t *AMQPTransport) Connect(ctx context.Context) (Session, error) {
	const op = "amqp.Connect"

	host := ""
	if u, err := url.Parse(t.cfg.URL); err == nil {
		host = u.Host
	}
	t.log.With("op", op).Info("connecting to rabbitmq", slog.String("host", host))

	dial := t.cfg.Dialer
	if dial == nil {
		dial = func(_ context.Context, u string) (*amqp.Connection, error) { return amqp.Dial(u) }
	}
	conn, err := dial(ctx, t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if err := consumeCh.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := consumeCh.Qos(t.cfg.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	q, err := consumeCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	msgs, err := consumeCh.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := publishCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	s := &amqpSession{
		conn:       conn,
		consumeCh:  consumeCh,
		publishCh:  publishCh,
		exchange:   t.cfg.Exchange,
		queue:      q.Name,
		deliveries: make(chan Delivery),
		done:       make(chan struct{}),
	}
	go s.forward(msgs)

	t.log.With("op", op).Info("rabbitmq session ready", slog.String("queue", q.Name))
	return s, nil
}

type amqpSession struct {
	conn      *amqp.Connection
	consumeCh *amqp.Channel
	publishCh *amqp.Channel
	exchange  string
	queue     string

	deliveries chan Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *amqpSession) Bind(ctx context.Context, key string) error {
	return s.consumeCh.QueueBind(s.queue, key, s.exchange, false, nil)
}

func (s *amqpSession) Unbind(ctx context.Context, key string) error {
	return s.consumeCh.QueueUnbind(s.queue, key, s.exchange, nil)
}

func (s *amqpSession) Publish(ctx context.Context, key, msgId string, body []byte) error {
	dc, err := s.publishCh.PublishWithDeferredConfirmWithContext(ctx, s.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    msgId,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("publish %s: nacked by broker", msgId)
	}
	return nil
}

func (s *amqpSession) Deliveries() <-chan Delivery {
	return s.deliveries
}

func (s *amqpSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if !s.conn.IsClosed() {
			err = s.conn.Close()
		}
	})
	return err
}

func (s *amqpSession) forward(msgs <-chan amqp.Delivery) {
	defer close(s.deliveries)

	for {
		select {
		case <-s.done:
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			delivery := Delivery{
				RoutingKey: d.RoutingKey,
				MessageId:  d.MessageId,
				Body:       d.Body,
				ack:        func() error { return d.Ack(false) },
			}
			select {
			case s.deliveries <- delivery:
			case <-s.done:
				_ = d.Nack(false, true)
				return
			}
		}
	}
}
