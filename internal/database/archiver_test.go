package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/testutil"
	"github.com/npezzotti/go-chatfleet/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testChatEvent(id string) types.ChatEvent {
	return types.ChatEvent{
		EventId:        id,
		ConversationId: "room",
		SenderId:       "alice",
		Payload:        []byte(`{"text":"hi"}`),
		OriginId:       "p1",
		SentAt:         time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestArchiver_SavesQueuedEvents(t *testing.T) {
	repo := &MockEventRepository{}
	defer repo.AssertExpectations(t)
	repo.On("SaveEvent", mock.Anything, EventFromChat(testChatEvent("e1"))).Return(nil).Once()
	repo.On("SaveEvent", mock.Anything, EventFromChat(testChatEvent("e2"))).Return(errors.New("db down")).Once()

	a := NewArchiver(testutil.TestLogger(t), repo, 4, stats.NewPermissiveMock())
	a.Run()

	a.Archive(testChatEvent("e1"))
	a.Archive(testChatEvent("e2"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))

	a.Archive(testChatEvent("e3")) // after stop: ignored
}

func TestArchiver_DropsWhenFull(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.ArchiveDropped).Return().Once()
	su.On("Incr", stats.ArchiveDropped).Return().Once()

	a := NewArchiver(testutil.TestLogger(t), &MockEventRepository{}, 1, su)

	// not running, so the queue stays full
	a.Archive(testChatEvent("e1"))
	a.Archive(testChatEvent("e2"))

	assert.Len(t, a.queue, 1)
}

func TestArchiver_StopTimesOut(t *testing.T) {
	release := make(chan struct{})
	repo := &MockEventRepository{}
	repo.On("SaveEvent", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)

	a := NewArchiver(testutil.TestLogger(t), repo, 4, stats.NewPermissiveMock())
	a.Run()
	a.Archive(testChatEvent("e1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Stop(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, a.Stop(context.Background()), "expected second stop to wait for the drain")
}

func TestEventConversion(t *testing.T) {
	ev := testChatEvent("e1")
	row := EventFromChat(ev)

	assert.Equal(t, "room", row.ConversationId)
	assert.Equal(t, "alice", row.SenderId)
	assert.Equal(t, ev, row.ChatEvent())
}
