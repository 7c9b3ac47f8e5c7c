package server

import (
	"context"
	"sync"

	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

// membership is the part of the broker bridge the registry drives.
type membership interface {
	JoinIfNeeded(ctx context.Context, id types.ConversationId)
	LeaveIfNeeded(ctx context.Context, id types.ConversationId)
}

// Registry indexes the connections held by this process. Every mutation
// runs under one lock, including the bridge notification it triggers, so
// refcount transitions are observed in the same order as the mutations.
type Registry struct {
	bridge membership
	stats  stats.StatsProvider

	mu             sync.Mutex
	conns          map[*Client]map[types.ConversationId]struct{}
	byIdentity     map[types.Identity]map[*Client]struct{}
	byConversation map[types.ConversationId]map[*Client]struct{}
}

func NewRegistry(bridge membership, su stats.StatsProvider) *Registry {
	return &Registry{
		bridge:         bridge,
		stats:          su,
		conns:          make(map[*Client]map[types.ConversationId]struct{}),
		byIdentity:     make(map[types.Identity]map[*Client]struct{}),
		byConversation: make(map[types.ConversationId]map[*Client]struct{}),
	}
}

// AddConnection reports false if c was already registered.
func (r *Registry) AddConnection(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; ok {
		return false
	}

	r.conns[c] = make(map[types.ConversationId]struct{})
	if _, ok := r.byIdentity[c.identity]; !ok {
		r.byIdentity[c.identity] = make(map[*Client]struct{})
	}
	r.byIdentity[c.identity][c] = struct{}{}

	return true
}

// RemoveConnection unsubscribes c from everything it held, asking the
// bridge to leave every conversation that drops to zero local interest,
// and only then forgets c. It reports false if c was not registered.
func (r *Registry) RemoveConnection(ctx context.Context, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.conns[c]
	if !ok {
		return false
	}

	for id := range subs {
		r.unsubscribeLocked(ctx, c, id)
	}

	delete(r.conns, c)
	if set, ok := r.byIdentity[c.identity]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byIdentity, c.identity)
		}
	}

	return true
}

// Subscribe reports whether c was newly subscribed to id. It fails with
// ErrConnectionClosed if c is no longer registered.
func (r *Registry) Subscribe(ctx context.Context, c *Client, id types.ConversationId) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.conns[c]
	if !ok {
		return false, ErrConnectionClosed
	}
	if _, ok := subs[id]; ok {
		return false, nil
	}

	subs[id] = struct{}{}
	if _, ok := r.byConversation[id]; !ok {
		r.byConversation[id] = make(map[*Client]struct{})
	}
	r.byConversation[id][c] = struct{}{}
	r.stats.Incr(stats.NumSubscriptions)

	r.bridge.JoinIfNeeded(ctx, id)
	return true, nil
}

// Unsubscribe reports whether c had been subscribed to id.
func (r *Registry) Unsubscribe(ctx context.Context, c *Client, id types.ConversationId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.conns[c]
	if !ok {
		return false
	}
	if _, ok := subs[id]; !ok {
		return false
	}

	r.unsubscribeLocked(ctx, c, id)
	return true
}

func (r *Registry) unsubscribeLocked(ctx context.Context, c *Client, id types.ConversationId) {
	delete(r.conns[c], id)
	if set, ok := r.byConversation[id]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byConversation, id)
		}
	}
	r.stats.Decr(stats.NumSubscriptions)

	r.bridge.LeaveIfNeeded(ctx, id)
}

func (r *Registry) IsSubscribed(c *Client, id types.ConversationId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.conns[c][id]
	return ok
}

// Subscriptions returns the conversations c is subscribed to.
func (r *Registry) Subscriptions(c *Client) []types.ConversationId {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]types.ConversationId, 0, len(r.conns[c]))
	for id := range r.conns[c] {
		ids = append(ids, id)
	}
	return ids
}

// ConnectionsForConversation returns a snapshot of the local subscribers
// of id.
func (r *Registry) ConnectionsForConversation(id types.ConversationId) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	return snapshot(r.byConversation[id])
}

// ConnectionsForIdentity returns a snapshot of the local connections of id.
func (r *Registry) ConnectionsForIdentity(id types.Identity) []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	return snapshot(r.byIdentity[id])
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Client, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func snapshot(set map[*Client]struct{}) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
