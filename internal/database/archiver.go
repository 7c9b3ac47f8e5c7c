package database

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

const saveTimeout = 5 * time.Second

// Archiver hands committed events to the repository from a single
// background goroutine. Archive never blocks: when the queue is full the
// event is dropped and counted.
type Archiver struct {
	log   *slog.Logger
	repo  EventRepository
	stats stats.StatsProvider

	mu     sync.RWMutex
	closed bool
	queue  chan types.ChatEvent
	done   chan struct{}
}

func NewArchiver(logger *slog.Logger, repo EventRepository, size int, su stats.StatsProvider) *Archiver {
	if size <= 0 {
		size = 1024
	}
	su.RegisterMetric(stats.ArchiveDropped)

	return &Archiver{
		log:   logger,
		repo:  repo,
		stats: su,
		queue: make(chan types.ChatEvent, size),
		done:  make(chan struct{}),
	}
}

func (a *Archiver) Archive(ev types.ChatEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return
	}

	select {
	case a.queue <- ev:
	default:
		a.stats.Incr(stats.ArchiveDropped)
		a.log.Warn("archive queue full, dropping event", slog.String("event_id", ev.EventId))
	}
}

func (a *Archiver) Run() {
	go func() {
		defer close(a.done)

		for ev := range a.queue {
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			if err := a.repo.SaveEvent(ctx, EventFromChat(ev)); err != nil {
				a.log.Error("failed to archive event", slog.String("event_id", ev.EventId), slog.Any("error", err))
			}
			cancel()
		}
	}()
}

// Stop refuses new events and waits for queued ones to be saved, or for
// ctx to end.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
