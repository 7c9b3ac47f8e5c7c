package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var errBrokerDown = errors.New("memory broker: connection refused")

// MemoryBroker is an in-process broker shared by every ChatServer in the
// process. It backs single-node mode and lets tests run several
// "processes" against one broker. Like AMQP exclusive queues, bindings
// belong to a session and vanish with it.
type MemoryBroker struct {
	mu       sync.Mutex
	sessions map[*memorySession]struct{}
	down     bool
	binds    map[string]int
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		sessions: make(map[*memorySession]struct{}),
		binds:    make(map[string]int),
	}
}

func (b *MemoryBroker) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, errBrokerDown
	}

	s := &memorySession{
		broker:     b,
		bindings:   make(map[string]struct{}),
		notify:     make(chan struct{}, 1),
		deliveries: make(chan Delivery),
		done:       make(chan struct{}),
	}
	b.sessions[s] = struct{}{}
	go s.pump()

	return s, nil
}

// Disconnect drops every session and refuses new ones until Restore.
func (b *MemoryBroker) Disconnect() {
	b.mu.Lock()
	b.down = true
	sessions := make([]*memorySession, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (b *MemoryBroker) Restore() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = false
}

// BindCount reports how many times key has been bound across all sessions.
func (b *MemoryBroker) BindCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binds[key]
}

// Bound reports whether any live session is bound to key.
func (b *MemoryBroker) Bound(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for s := range b.sessions {
		if s.hasBinding(key) {
			return true
		}
	}
	return false
}

func (b *MemoryBroker) publish(key, msgId string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return errBrokerDown
	}

	for s := range b.sessions {
		if s.matches(key) {
			s.enqueue(Delivery{RoutingKey: key, MessageId: msgId, Body: body})
		}
	}
	return nil
}

func (b *MemoryBroker) remove(s *memorySession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s)
}

type memorySession struct {
	broker *MemoryBroker

	mu       sync.Mutex
	bindings map[string]struct{}
	pending  []Delivery

	notify     chan struct{}
	deliveries chan Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

func (s *memorySession) Bind(ctx context.Context, key string) error {
	if s.closed() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	s.bindings[key] = struct{}{}
	s.mu.Unlock()

	s.broker.mu.Lock()
	s.broker.binds[key]++
	s.broker.mu.Unlock()
	return nil
}

func (s *memorySession) Unbind(ctx context.Context, key string) error {
	if s.closed() {
		return ErrSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, key)
	return nil
}

func (s *memorySession) Publish(ctx context.Context, key, msgId string, body []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}
	return s.broker.publish(key, msgId, body)
}

func (s *memorySession) Deliveries() <-chan Delivery {
	return s.deliveries
}

func (s *memorySession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.broker.remove(s)
	})
	return nil
}

func (s *memorySession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *memorySession) hasBinding(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bindings[key]
	return ok
}

// matches supports exact keys and a trailing "#" wildcard.
func (s *memorySession) matches(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for binding := range s.bindings {
		if binding == key {
			return true
		}
		if prefix, ok := strings.CutSuffix(binding, "#"); ok && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (s *memorySession) enqueue(d Delivery) {
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySession) pump() {
	defer close(s.deliveries)

	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		d := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.deliveries <- d:
		case <-s.done:
			return
		}
	}
}
