package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/broker"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/server"
	"github.com/npezzotti/go-chatfleet/internal/stats"
	"github.com/npezzotti/go-chatfleet/internal/testutil"
	"github.com/npezzotti/go-chatfleet/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		healthy    bool
		wantCode   int
		wantStatus string
	}{
		{"connected", true, http.StatusOK, "ok"},
		{"broker down", false, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := newTestApp(t, &fakeChatService{healthy: tt.healthy, clients: 3}, nil)

			rr := serve(app, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			assert.Equal(t, tt.wantCode, rr.Code)
			var resp healthResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, 3, resp.Clients)
		})
	}
}

func TestPresence(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cs := &fakeChatService{presence: map[types.Identity]types.PresenceState{
		"alice": {Identity: "alice", Status: types.StatusOnline, UpdatedAt: at, OriginId: "p1"},
	}}
	app, _ := newTestApp(t, cs, nil)

	t.Run("known identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/presence?identity=alice", nil)
		authenticate(t, req, "bob")
		rr := serve(app, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var got types.PresenceState
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		assert.Equal(t, types.StatusOnline, got.Status)
		assert.Equal(t, "p1", got.OriginId)
		assert.True(t, at.Equal(got.UpdatedAt))
	})

	t.Run("unknown identity is offline", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/presence?identity=carol", nil)
		authenticate(t, req, "bob")
		rr := serve(app, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var got types.PresenceState
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		assert.Equal(t, types.Identity("carol"), got.Identity)
		assert.Equal(t, types.StatusOffline, got.Status)
	})

	t.Run("missing identity", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/presence", nil)
		authenticate(t, req, "bob")
		assert.Equal(t, http.StatusBadRequest, serve(app, req).Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/presence?identity=alice", nil)
		assert.Equal(t, http.StatusUnauthorized, serve(app, req).Code)
	})
}

func TestListEvents(t *testing.T) {
	sentAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	stored := []database.Event{
		{Id: 2, EventId: "e2", ConversationId: "room", SenderId: "alice", Payload: []byte(`"b"`), OriginId: "p1", SentAt: sentAt.Add(time.Second)},
		{Id: 1, EventId: "e1", ConversationId: "room", SenderId: "alice", Payload: []byte(`"a"`), OriginId: "p1", SentAt: sentAt},
	}

	t.Run("lists events", func(t *testing.T) {
		repo := &database.MockEventRepository{}
		repo.On("ListEvents", mock.Anything, database.ListEventsParams{
			ConversationId: "room",
			Before:         sentAt.Add(time.Minute),
			Limit:          10,
		}).Return(stored, nil)
		app, _ := newTestApp(t, &fakeChatService{}, repo)

		req := httptest.NewRequest(http.MethodGet,
			"/api/conversations/room/events?limit=10&before="+sentAt.Add(time.Minute).Format(time.RFC3339Nano), nil)
		authenticate(t, req, "alice")
		rr := serve(app, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var got []types.ChatEvent
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
		require.Len(t, got, 2)
		assert.Equal(t, "e2", got[0].EventId)
		assert.JSONEq(t, `"a"`, string(got[1].Payload))
		repo.AssertExpectations(t)
	})

	t.Run("repository error", func(t *testing.T) {
		repo := &database.MockEventRepository{}
		repo.On("ListEvents", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))
		app, _ := newTestApp(t, &fakeChatService{}, repo)

		req := httptest.NewRequest(http.MethodGet, "/api/conversations/room/events", nil)
		authenticate(t, req, "alice")
		assert.Equal(t, http.StatusInternalServerError, serve(app, req).Code)
	})

	t.Run("invalid input", func(t *testing.T) {
		repo := &database.MockEventRepository{}
		app, _ := newTestApp(t, &fakeChatService{}, repo)

		for _, target := range []string{
			"/api/conversations/a.b/events",
			"/api/conversations/room/events?limit=0",
			"/api/conversations/room/events?limit=x",
			"/api/conversations/room/events?before=yesterday",
		} {
			req := httptest.NewRequest(http.MethodGet, target, nil)
			authenticate(t, req, "alice")
			assert.Equal(t, http.StatusBadRequest, serve(app, req).Code, target)
		}
		repo.AssertNotCalled(t, "ListEvents", mock.Anything, mock.Anything)
	})

	t.Run("history disabled", func(t *testing.T) {
		app, _ := newTestApp(t, &fakeChatService{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/conversations/room/events", nil)
		authenticate(t, req, "alice")
		assert.Equal(t, http.StatusNotFound, serve(app, req).Code)
	})
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func authHeader(t *testing.T, identity string) http.Header {
	token := createJwt(t, testSigningKey, identity, time.Now().Add(time.Hour))
	return http.Header{"Cookie": []string{tokenCookieKey + "=" + token}}
}

func TestServeWs_Handshake(t *testing.T) {
	t.Run("refuses without identity", func(t *testing.T) {
		cs := &fakeChatService{}
		app, _ := newTestApp(t, cs, nil)
		srv := httptest.NewServer(app.srv.Handler)
		defer srv.Close()

		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Empty(t, cs.identities(), "expected no connection to be created")
	})

	t.Run("refuses disallowed origin", func(t *testing.T) {
		cs := &fakeChatService{}
		app, _ := newTestApp(t, cs, nil)
		srv := httptest.NewServer(app.srv.Handler)
		defer srv.Close()

		h := authHeader(t, "alice")
		h.Set("Origin", "http://evil.example")
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), h)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Empty(t, cs.identities())
	})

	t.Run("passes identity to the chat server", func(t *testing.T) {
		cs := &fakeChatService{}
		app, _ := newTestApp(t, cs, nil)
		srv := httptest.NewServer(app.srv.Handler)
		defer srv.Close()

		h := authHeader(t, "alice")
		h.Set("Origin", "http://localhost:3000")
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), h)
		require.NoError(t, err)
		defer conn.Close()

		assert.Eventually(t, func() bool {
			ids := cs.identities()
			return len(ids) == 1 && ids[0] == "alice"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("closes when the server refuses", func(t *testing.T) {
		cs := &fakeChatService{connErr: server.ErrShuttingDown}
		app, _ := newTestApp(t, cs, nil)
		srv := httptest.NewServer(app.srv.Handler)
		defer srv.Close()

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), authHeader(t, "alice"))
		require.NoError(t, err)
		defer conn.Close()

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected a close frame, got %v", err)
		assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	})
}

func TestServeWs_EndToEnd(t *testing.T) {
	logger := testutil.TestLogger(t)
	su := stats.NewPermissiveMock()
	bridge := broker.NewBridge(logger, broker.NewMemoryBroker(), broker.Config{
		BufferSize:  16,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}, su)
	cs, err := server.NewChatServer(logger, bridge, nil, su, server.Options{ProcessId: "p1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		cs.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, cs.Healthy, time.Second, 5*time.Millisecond)

	app, _ := newTestApp(t, cs, nil)
	srv := httptest.NewServer(app.srv.Handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), authHeader(t, "alice"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":1,"subscribe":{"conversation_id":"room"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":2,"submit":{"conversation_id":"room","payload":{"text":"hi"}}}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg server.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event != nil {
			assert.Equal(t, types.Identity("alice"), msg.Event.SenderId)
			assert.JSONEq(t, `{"text":"hi"}`, string(msg.Event.Payload))
			break
		}
	}

	state, ok := cs.Presence("alice")
	require.True(t, ok)
	assert.Equal(t, types.StatusOnline, state.Status)
}
