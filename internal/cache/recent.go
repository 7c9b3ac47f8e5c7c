// Package cache holds the bounded recent-id set used to absorb broker
// redeliveries.
package cache

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var ErrDuplicateEvent = errors.New("duplicate event")

type entry struct {
	id     string
	seenAt time.Time
}

// RecentSet remembers ids for a retention window, bounded by capacity.
// Ids are evicted oldest first once they age past the window or the set
// is full.
type RecentSet struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	order    *list.List
	index    map[string]*list.Element
	now      func() time.Time
}

func NewRecentSet(window time.Duration, capacity int) *RecentSet {
	if capacity <= 0 {
		capacity = 1
	}

	return &RecentSet{
		window:   window,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Observe records id and returns ErrDuplicateEvent if it was already seen
// inside the window.
func (s *RecentSet) Observe(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictExpired(now)

	if _, ok := s.index[id]; ok {
		return ErrDuplicateEvent
	}

	for s.order.Len() >= s.capacity {
		s.removeOldest()
	}

	s.index[id] = s.order.PushBack(entry{id: id, seenAt: now})
	return nil
}

func (s *RecentSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpired(s.now())
	_, ok := s.index[id]
	return ok
}

func (s *RecentSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.order.Len()
}

func (s *RecentSet) evictExpired(now time.Time) {
	for {
		front := s.order.Front()
		if front == nil {
			return
		}
		if now.Sub(front.Value.(entry).seenAt) < s.window {
			return
		}
		s.removeOldest()
	}
}

func (s *RecentSet) removeOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	s.order.Remove(front)
	delete(s.index, front.Value.(entry).id)
}
