package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/broker"
	"github.com/npezzotti/go-chatfleet/internal/cache"
	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

type Options struct {
	ProcessId     string
	SendQueueSize int
	DedupWindow   time.Duration
	DedupCapacity int
}

// ChatServer owns this process's connections and ties the registry,
// fanout, presence tracking and broker bridge together.
type ChatServer struct {
	log      *slog.Logger
	stats    stats.StatsProvider
	origin   string
	opts     Options
	bridge   *broker.Bridge
	registry *Registry
	fanout   *Fanout
	presence *PresenceTracker
	view     *PresenceView

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown atomic.Bool
}

func NewChatServer(logger *slog.Logger, bridge *broker.Bridge, archiver Archiver, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if opts.ProcessId == "" {
		return nil, errors.New("process id is required")
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 2 * time.Minute
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 65536
	}

	for _, m := range []string{
		stats.NumActiveClients,
		stats.NumSubscriptions,
		stats.EventsSubmitted,
		stats.EventsDelivered,
		stats.DuplicateEvents,
		stats.BackpressureEvictions,
		stats.ProtocolErrors,
	} {
		su.RegisterMetric(m)
	}

	logger = logger.With(slog.String("origin", opts.ProcessId))
	registry := NewRegistry(bridge, su)
	view := NewPresenceView()
	ctx, cancel := context.WithCancel(context.Background())

	cs := &ChatServer{
		log:      logger,
		stats:    su,
		origin:   opts.ProcessId,
		opts:     opts,
		bridge:   bridge,
		registry: registry,
		view:     view,
		presence: NewPresenceTracker(logger, opts.ProcessId, bridge),
		fanout: NewFanout(logger, opts.ProcessId, bridge, registry, view,
			cache.NewRecentSet(opts.DedupWindow, opts.DedupCapacity), archiver, su),
		ctx:    ctx,
		cancel: cancel,
	}
	bridge.OnPublished(cs.fanout.committed)

	return cs, nil
}

// Run drains the broker into the fanout until ctx ends.
func (cs *ChatServer) Run(ctx context.Context) error {
	cs.log.Info("chat server running")
	go cs.prunePresence(ctx)

	err := cs.bridge.Run(ctx, cs.fanout.Dispatch)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// prunePresence drops offline presence entries once they are older than
// the dedup window, so origins that have gone away do not accumulate.
func (cs *ChatServer) prunePresence(ctx context.Context) {
	ticker := time.NewTicker(cs.opts.DedupWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cs.view.Prune(Now().Add(-cs.opts.DedupWindow)); n > 0 {
				cs.log.Debug("pruned offline presence", slog.Int("entries", n))
			}
		}
	}
}

// Connect accepts an authenticated websocket and starts its pumps. An
// empty identity is refused before any client exists.
func (cs *ChatServer) Connect(identity types.Identity, conn *websocket.Conn) (*Client, error) {
	c, err := cs.register(identity, conn)
	if err != nil {
		return nil, err
	}

	go c.Write()
	go c.Read(cs.ctx)

	return c, nil
}

func (cs *ChatServer) register(identity types.Identity, conn *websocket.Conn) (*Client, error) {
	if identity == "" {
		return nil, ErrUnauthenticated
	}
	if cs.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	c := NewClient(identity, conn, cs, cs.opts.SendQueueSize)
	cs.registry.AddConnection(c)
	cs.stats.Incr(stats.NumActiveClients)
	c.log.Info("client connected")

	if err := cs.presence.Opened(cs.ctx, identity); err != nil {
		c.log.Warn("online presence not published", slog.Any("error", err))
	}

	return c, nil
}

// disconnect runs the registry cascade for c and then updates presence.
func (cs *ChatServer) disconnect(c *Client) {
	if !cs.registry.RemoveConnection(cs.ctx, c) {
		return
	}
	cs.stats.Decr(stats.NumActiveClients)
	c.log.Info("client disconnected", slog.Any("reason", c.closeReason))

	if err := cs.presence.Closed(cs.ctx, c.identity); err != nil {
		c.log.Warn("offline presence not published", slog.Any("error", err))
	}
}

func (cs *ChatServer) handleMessage(ctx context.Context, c *Client, msg *ClientMessage) {
	switch {
	case msg.Submit != nil:
		cs.submit(ctx, c, msg)
	case msg.Subscribe != nil:
		if _, err := cs.registry.Subscribe(ctx, c, msg.Subscribe.ConversationId); err != nil {
			return
		}
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"conversation_id": msg.Subscribe.ConversationId}))
	case msg.Unsubscribe != nil:
		cs.registry.Unsubscribe(ctx, c, msg.Unsubscribe.ConversationId)
		c.queueMessage(NoErrOK(msg.Id, map[string]any{"conversation_id": msg.Unsubscribe.ConversationId}))
	case msg.Ping != nil:
		c.queueMessage(PongMessage(msg.Id))
	case msg.Typing != nil:
		if !cs.registry.IsSubscribed(c, msg.Typing.ConversationId) {
			c.queueMessage(ErrNotSubscribed(msg.Id))
			return
		}
		cs.presence.PublishTyping(ctx, c.identity, msg.Typing.ConversationId)
	}
}

func (cs *ChatServer) submit(ctx context.Context, c *Client, msg *ClientMessage) {
	conversation := msg.Submit.ConversationId
	if !cs.registry.IsSubscribed(c, conversation) {
		c.queueMessage(ErrNotSubscribed(msg.Id))
		return
	}

	ev, err := cs.fanout.Submit(ctx, c, conversation, msg.Submit.Payload)
	if err != nil {
		c.log.Warn("submit failed",
			slog.String("conversation_id", string(conversation)),
			slog.Any("error", err))
		if errors.Is(err, broker.ErrBrokerUnavailable) || errors.Is(err, context.Canceled) {
			c.queueMessage(ErrServiceUnavailable(msg.Id))
		} else {
			c.queueMessage(ErrInternalError(msg.Id))
		}
		return
	}

	c.queueMessage(NoErrAccepted(msg.Id, map[string]any{"event_id": ev.EventId}))
}

// Presence returns the fleet-wide merged state of id as seen here.
func (cs *ChatServer) Presence(id types.Identity) (types.PresenceState, bool) {
	return cs.view.Get(id)
}

func (cs *ChatServer) Healthy() bool {
	return cs.bridge.Healthy()
}

func (cs *ChatServer) NumClients() int {
	return cs.registry.Len()
}

// Shutdown refuses new connections, waits for buffered broker publishes
// within ctx, then closes every remaining client. The caller stops the
// bridge by cancelling the context given to Run.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("received shutdown signal")
	cs.shuttingDown.Store(true)

	drainErr := cs.bridge.Drain(ctx)
	if drainErr != nil {
		cs.log.Warn("buffered publishes not drained", slog.Any("error", drainErr))
	}

	for _, c := range cs.registry.Connections() {
		c.Close(ErrShuttingDown)
	}
	cs.cancel()

	if drainErr != nil {
		return fmt.Errorf("shutdown: %w", drainErr)
	}
	return nil
}
