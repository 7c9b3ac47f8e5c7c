package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *SQLEventRepository {
	t.Helper()

	repo, err := NewSqliteEventRepository(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.Migrate(context.Background()))
	require.NoError(t, repo.Migrate(context.Background()), "expected migrate to be repeatable")
	return repo
}

func TestSQLEventRepository_SaveAndList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"e1", "e2", "e3"} {
		ev := EventFromChat(testChatEvent(id))
		ev.SentAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.SaveEvent(ctx, ev))
	}
	other := EventFromChat(testChatEvent("x1"))
	other.ConversationId = "other"
	require.NoError(t, repo.SaveEvent(ctx, other))

	events, err := repo.ListEvents(ctx, ListEventsParams{ConversationId: "room"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e3", events[0].EventId, "expected newest first")
	assert.Equal(t, "e1", events[2].EventId)
	assert.JSONEq(t, `{"text":"hi"}`, string(events[0].Payload))
	assert.True(t, events[0].SentAt.Equal(base.Add(2*time.Second)))

	page, err := repo.ListEvents(ctx, ListEventsParams{ConversationId: "room", Before: base.Add(2 * time.Second), Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "e2", page[0].EventId)
}

func TestSQLEventRepository_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	ev := EventFromChat(testChatEvent("e1"))
	require.NoError(t, repo.SaveEvent(ctx, ev))
	require.NoError(t, repo.SaveEvent(ctx, ev), "expected redelivered event to be ignored")

	events, err := repo.ListEvents(ctx, ListEventsParams{ConversationId: "room"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSQLEventRepository_Ping(t *testing.T) {
	repo := newTestRepository(t)
	assert.NoError(t, repo.Ping())
}
