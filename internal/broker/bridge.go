package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	errAlreadyRunning    = errors.New("bridge already running")
)

// Handler receives every decoded envelope from the inbound stream, one at
// a time, in broker order.
type Handler func(ctx context.Context, env Envelope)

type Config struct {
	// BufferSize bounds publishes held while the broker is unreachable.
	BufferSize     int
	// PublishTimeout bounds the wait for the broker to accept one publish.
	PublishTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	JitterPercent  int
}

type pendingPublish struct {
	env  Envelope
	key  string
	id   string
	body []byte
}

// Bridge maps local conversation interest onto broker channel membership
// and carries envelopes both ways over a single shared session.
//
// Lock order is subMu then pubMu. session is written only with both held.
type Bridge struct {
	log       *slog.Logger
	transport Transport
	cfg       Config
	stats     stats.StatsProvider

	subMu sync.Mutex
	refs  map[types.ConversationId]int

	pubMu     sync.Mutex
	pending   []pendingPublish
	published func(Envelope)

	session Session
	healthy atomic.Bool
	running atomic.Bool
}

func NewBridge(logger *slog.Logger, transport Transport, cfg Config, su stats.StatsProvider) *Bridge {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BufferSize < 0 {
		cfg.BufferSize = 0
	}

	for _, m := range []string{stats.BrokerReconnects, stats.PublishesBuffered, stats.PublishesRejected} {
		su.RegisterMetric(m)
	}

	return &Bridge{
		log:       logger,
		transport: transport,
		cfg:       cfg,
		stats:     su,
		refs:      make(map[types.ConversationId]int),
	}
}

// JoinIfNeeded records one more local subscriber for id and binds the
// broker channel when the count goes from zero to one. With no live
// session the membership is applied on the next reconnect.
func (b *Bridge) JoinIfNeeded(ctx context.Context, id types.ConversationId) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.refs[id]++
	if b.refs[id] > 1 || b.session == nil {
		return
	}

	if err := b.session.Bind(ctx, ConversationKey(id)); err != nil {
		b.log.Error("bind failed", slog.String("conversation_id", string(id)), slog.Any("error", err))
		b.fail(b.session)
	}
}

// LeaveIfNeeded drops one local subscriber for id and unbinds the broker
// channel when none remain.
func (b *Bridge) LeaveIfNeeded(ctx context.Context, id types.ConversationId) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	n, ok := b.refs[id]
	if !ok {
		return
	}
	if n > 1 {
		b.refs[id] = n - 1
		return
	}
	delete(b.refs, id)

	if b.session == nil {
		return
	}
	if err := b.session.Unbind(ctx, ConversationKey(id)); err != nil {
		b.log.Error("unbind failed", slog.String("conversation_id", string(id)), slog.Any("error", err))
		b.fail(b.session)
	}
}

func (b *Bridge) Refcount(id types.ConversationId) int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	return b.refs[id]
}

func (b *Bridge) Healthy() bool {
	return b.healthy.Load()
}

// OnPublished registers fn to run for every envelope the broker accepts,
// whether sent directly or flushed from the outage buffer. fn runs with
// the publish lock held and must not block.
func (b *Bridge) OnPublished(fn func(Envelope)) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.published = fn
}

// Publish sends env to the broker. While disconnected, publishes are held
// in order up to BufferSize and then rejected with ErrBrokerUnavailable.
func (b *Bridge) Publish(ctx context.Context, env Envelope) error {
	body, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	p := pendingPublish{env: env, key: env.RoutingKey(), id: env.Meta.Id, body: body}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.healthy.Load() && b.session != nil {
		err := b.sendLocked(ctx, b.session, p)
		if err == nil {
			return nil
		}
		b.log.Error("publish failed", slog.String("key", p.key), slog.Any("error", err))
		b.fail(b.session)
	}

	return b.bufferLocked(p)
}

// sendLocked publishes p on sess, giving up after PublishTimeout so a
// flow-blocked broker surfaces as a failed session.
func (b *Bridge) sendLocked(ctx context.Context, sess Session, p pendingPublish) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	if err := sess.Publish(ctx, p.key, p.id, p.body); err != nil {
		return err
	}
	if b.published != nil {
		b.published(p.env)
	}
	return nil
}

func (b *Bridge) bufferLocked(p pendingPublish) error {
	if len(b.pending) >= b.cfg.BufferSize {
		b.stats.Incr(stats.PublishesRejected)
		return ErrBrokerUnavailable
	}

	b.pending = append(b.pending, p)
	b.stats.Incr(stats.PublishesBuffered)
	b.log.Warn("broker unavailable, publish buffered", slog.String("key", p.key), slog.Int("buffered", len(b.pending)))
	return nil
}

func (b *Bridge) Buffered() int {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return len(b.pending)
}

// Drain waits until buffered publishes have been flushed or ctx ends.
func (b *Bridge) Drain(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.Buffered() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain with %d buffered: %w", b.Buffered(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// fail marks the bridge unhealthy and closes sess so Run reconnects.
func (b *Bridge) fail(sess Session) {
	b.healthy.Store(false)
	_ = sess.Close()
}

// Run owns the broker session: it connects, restores membership, drains
// the inbound stream into h and reconnects with jittered exponential
// backoff until ctx ends. Only one Run may be active, so only one
// reconnect is ever in flight.
func (b *Bridge) Run(ctx context.Context, h Handler) error {
	if !b.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer b.running.Store(false)

	backoff := b.cfg.BackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, err := b.transport.Connect(ctx)
		if err == nil {
			if err = b.attach(ctx, sess); err != nil {
				_ = sess.Close()
			}
		}
		if err != nil {
			wait := JitteredDelay(backoff, b.cfg.BackoffCap, b.cfg.JitterPercent)
			b.log.Error("broker connect failed", slog.Any("error", err), slog.Duration("retry_in", wait))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, b.cfg.BackoffCap)
			continue
		}

		backoff = b.cfg.BackoffBase
		b.consume(ctx, sess, h)
		b.detach(sess)

		if ctx.Err() == nil {
			b.stats.Incr(stats.BrokerReconnects)
			b.log.Warn("broker session lost, reconnecting")
		}
	}
}

// attach rebinds presence and every conversation with local subscribers,
// flushes buffered publishes in order, and only then reports healthy.
func (b *Bridge) attach(ctx context.Context, sess Session) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if err := sess.Bind(ctx, PresenceBinding); err != nil {
		return fmt.Errorf("bind presence: %w", err)
	}
	for id := range b.refs {
		if err := sess.Bind(ctx, ConversationKey(id)); err != nil {
			return fmt.Errorf("rejoin %q: %w", id, err)
		}
	}

	for len(b.pending) > 0 {
		p := b.pending[0]
		if err := b.sendLocked(ctx, sess, p); err != nil {
			return fmt.Errorf("flush buffered publish: %w", err)
		}
		b.pending = b.pending[1:]
	}

	b.session = sess
	b.healthy.Store(true)
	b.log.Info("broker connected", slog.Int("conversations", len(b.refs)))
	return nil
}

func (b *Bridge) detach(sess Session) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.healthy.Store(false)
	if b.session == sess {
		b.session = nil
	}
	_ = sess.Close()
}

func (b *Bridge) consume(ctx context.Context, sess Session, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sess.Deliveries():
			if !ok {
				return
			}

			env, err := DecodeEnvelope(d.Body)
			if err != nil {
				b.log.Warn("dropping undecodable delivery", slog.String("key", d.RoutingKey), slog.Any("error", err))
				_ = d.Ack()
				continue
			}

			h(ctx, env)
			if err := d.Ack(); err != nil {
				b.log.Error("ack failed", slog.String("id", env.Meta.Id), slog.Any("error", err))
			}
		}
	}
}
