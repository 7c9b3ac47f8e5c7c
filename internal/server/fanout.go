package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/broker"
	"github.com/npezzotti/go-chatfleet/internal/cache"
	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

type publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// Archiver takes committed events for durable storage. Archive must not
// block.
type Archiver interface {
	Archive(ev types.ChatEvent)
}

// Fanout publishes submitted events to the broker and delivers everything
// the broker hands back, including this process's own events, to local
// subscribers.
type Fanout struct {
	log      *slog.Logger
	origin   string
	bridge   publisher
	registry *Registry
	view     *PresenceView
	seen     *cache.RecentSet
	archiver Archiver
	stats    stats.StatsProvider

	// mu orders id assignment and publish so local subscribers observe
	// this origin's events in submit order.
	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

func NewFanout(logger *slog.Logger, origin string, bridge publisher, registry *Registry, view *PresenceView,
	seen *cache.RecentSet, archiver Archiver, su stats.StatsProvider) *Fanout {
	return &Fanout{
		log:      logger.With(slog.String("origin", origin)),
		origin:   origin,
		bridge:   bridge,
		registry: registry,
		view:     view,
		seen:     seen,
		archiver: archiver,
		stats:    su,
		now:      Now,
	}
}

// Submit stamps a new event from sender and publishes it. It returns once
// the broker has accepted (or buffered) the event, not after delivery.
func (f *Fanout) Submit(ctx context.Context, sender *Client, conversation types.ConversationId, payload json.RawMessage) (types.ChatEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	sentAt := f.now()
	ev := types.ChatEvent{
		EventId:        fmt.Sprintf("%013d-%s-%d", sentAt.UnixMilli(), f.origin, f.seq),
		ConversationId: conversation,
		SenderId:       sender.identity,
		Payload:        payload,
		OriginId:       f.origin,
		SentAt:         sentAt,
	}

	if err := f.bridge.Publish(ctx, broker.ChatEnvelope(ev)); err != nil {
		return types.ChatEvent{}, fmt.Errorf("publish event %s: %w", ev.EventId, err)
	}

	f.stats.Incr(stats.EventsSubmitted)
	return ev, nil
}

// Dispatch handles one envelope from the broker. It never blocks on a
// client: sends are queued and a client with a full queue is evicted.
func (f *Fanout) Dispatch(ctx context.Context, env broker.Envelope) {
	if err := f.seen.Observe(env.Meta.Id); errors.Is(err, cache.ErrDuplicateEvent) {
		f.stats.Incr(stats.DuplicateEvents)
		f.log.Debug("duplicate delivery absorbed", slog.String("id", env.Meta.Id))
		return
	}

	switch env.Meta.Type {
	case broker.KindChat:
		f.dispatchEvent(*env.Event)
	case broker.KindPresence:
		f.dispatchPresence(*env.Presence)
	}
}

func (f *Fanout) dispatchEvent(ev types.ChatEvent) {
	msg := EventMessage(ev)
	for _, c := range f.registry.ConnectionsForConversation(ev.ConversationId) {
		if f.deliver(c, msg) {
			f.stats.Incr(stats.EventsDelivered)
		}
	}
}

// committed archives this process's own chat events once the broker has
// accepted them. It runs whether or not anything here is still subscribed.
func (f *Fanout) committed(env broker.Envelope) {
	if f.archiver == nil || env.Meta.Type != broker.KindChat || env.Event == nil {
		return
	}
	if env.Event.OriginId != f.origin {
		return
	}
	f.archiver.Archive(*env.Event)
}

func (f *Fanout) dispatchPresence(p types.PresenceState) {
	if p.Status == types.StatusTyping {
		msg := PresenceMessage(p)
		for _, c := range f.registry.ConnectionsForConversation(p.ConversationId) {
			if c.identity != p.Identity {
				f.deliver(c, msg)
			}
		}
		return
	}

	merged, changed := f.view.Merge(p)
	if !changed {
		return
	}

	msg := PresenceMessage(merged)
	for _, c := range f.registry.Connections() {
		f.deliver(c, msg)
	}
}

func (f *Fanout) deliver(c *Client, msg *ServerMessage) bool {
	err := c.Send(msg)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrBackpressureExceeded):
		f.log.Warn("evicting slow client",
			slog.String("conn_id", c.id),
			slog.String("identity", string(c.identity)),
			slog.Int("queue_depth", c.QueueDepth()))
		f.stats.Incr(stats.BackpressureEvictions)
		c.Close(err)
	}
	return false
}
