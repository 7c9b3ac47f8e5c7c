package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/broker"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

// PresenceTracker counts this process's connections per identity and
// publishes ONLINE on the first open and OFFLINE on the last close.
type PresenceTracker struct {
	log    *slog.Logger
	origin string
	bridge publisher
	now    func() time.Time

	mu     sync.Mutex
	counts map[types.Identity]int
	// last is the latest UpdatedAt issued by this process for any identity.
	last   time.Time
}

func NewPresenceTracker(logger *slog.Logger, origin string, bridge publisher) *PresenceTracker {
	return &PresenceTracker{
		log:    logger,
		origin: origin,
		bridge: bridge,
		now:    Now,
		counts: make(map[types.Identity]int),
	}
}

func (t *PresenceTracker) Opened(ctx context.Context, id types.Identity) error {
	t.mu.Lock()
	t.counts[id]++
	if t.counts[id] > 1 {
		t.mu.Unlock()
		return nil
	}
	state := t.stampLocked(id, types.StatusOnline)
	t.mu.Unlock()

	return t.publish(ctx, state)
}

func (t *PresenceTracker) Closed(ctx context.Context, id types.Identity) error {
	t.mu.Lock()
	n, ok := t.counts[id]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	if n > 1 {
		t.counts[id] = n - 1
		t.mu.Unlock()
		return nil
	}
	delete(t.counts, id)
	state := t.stampLocked(id, types.StatusOffline)
	t.mu.Unlock()

	return t.publish(ctx, state)
}

// Online reports whether id has a live connection on this process.
func (t *PresenceTracker) Online(id types.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id] > 0
}

// PublishTyping announces that id is typing in conversation. It does not
// touch the online count.
func (t *PresenceTracker) PublishTyping(ctx context.Context, id types.Identity, conversation types.ConversationId) error {
	return t.publish(ctx, types.PresenceState{
		Identity:       id,
		Status:         types.StatusTyping,
		ConversationId: conversation,
		UpdatedAt:      t.now(),
		OriginId:       t.origin,
	})
}

// stampLocked builds the next state for id with an UpdatedAt strictly
// after every earlier stamp from this process.
func (t *PresenceTracker) stampLocked(id types.Identity, status types.PresenceStatus) types.PresenceState {
	at := t.now()
	if !at.After(t.last) {
		at = t.last.Add(time.Millisecond)
	}
	t.last = at

	return types.PresenceState{
		Identity:  id,
		Status:    status,
		UpdatedAt: at,
		OriginId:  t.origin,
	}
}

func (t *PresenceTracker) publish(ctx context.Context, state types.PresenceState) error {
	if err := t.bridge.Publish(ctx, broker.PresenceEnvelope(state)); err != nil {
		t.log.Warn("presence publish failed",
			slog.String("identity", string(state.Identity)),
			slog.String("status", string(state.Status)),
			slog.Any("error", err))
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// PresenceView merges presence updates from every process. Each origin's
// latest state per identity wins by UpdatedAt, and an identity is online
// while any origin last reported it online.
type PresenceView struct {
	mu     sync.RWMutex
	states map[types.Identity]map[string]types.PresenceState
}

func NewPresenceView() *PresenceView {
	return &PresenceView{
		states: make(map[types.Identity]map[string]types.PresenceState),
	}
}

// Merge applies p and returns the merged state for its identity, reporting
// whether the merged online/offline status changed. Typing updates are
// ignored.
func (v *PresenceView) Merge(p types.PresenceState) (types.PresenceState, bool) {
	if p.Status == types.StatusTyping {
		return types.PresenceState{}, false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	origins, ok := v.states[p.Identity]
	if !ok {
		origins = make(map[string]types.PresenceState)
		v.states[p.Identity] = origins
	}

	before, known := merge(p.Identity, origins)
	if cur, ok := origins[p.OriginId]; ok && !p.Newer(cur) {
		return before, false
	}
	origins[p.OriginId] = p

	after, _ := merge(p.Identity, origins)
	if !known {
		return after, after.Status == types.StatusOnline
	}
	return after, after.Status != before.Status
}

// Prune removes offline origin entries last updated before cutoff and
// forgets identities with nothing left. It returns the number of entries
// removed.
func (v *PresenceView) Prune(cutoff time.Time) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	removed := 0
	for id, origins := range v.states {
		for origin, s := range origins {
			if s.Status == types.StatusOffline && s.UpdatedAt.Before(cutoff) {
				delete(origins, origin)
				removed++
			}
		}
		if len(origins) == 0 {
			delete(v.states, id)
		}
	}
	return removed
}

func (v *PresenceView) Get(id types.Identity) (types.PresenceState, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	origins, ok := v.states[id]
	if !ok {
		return types.PresenceState{}, false
	}
	return merge(id, origins)
}

func merge(id types.Identity, origins map[string]types.PresenceState) (types.PresenceState, bool) {
	if len(origins) == 0 {
		return types.PresenceState{}, false
	}

	out := types.PresenceState{Identity: id, Status: types.StatusOffline}
	for _, s := range origins {
		if s.Status == types.StatusOnline {
			out.Status = types.StatusOnline
		}
		if s.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = s.UpdatedAt
			out.OriginId = s.OriginId
		}
	}
	return out, true
}
