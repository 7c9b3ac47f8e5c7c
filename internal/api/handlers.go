package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/server"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

func (s *ChatApp) writeJson(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("failed to encode response", slog.Any("error", err))
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Broker  string `json:"broker"`
	Clients int    `json:"clients"`
}

func (s *ChatApp) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Broker: "connected", Clients: s.cs.NumClients()}
	status := http.StatusOK
	if !s.cs.Healthy() {
		resp.Status = "degraded"
		resp.Broker = "disconnected"
		status = http.StatusServiceUnavailable
	}

	s.writeJson(w, status, resp)
}

func (s *ChatApp) presence(w http.ResponseWriter, r *http.Request) {
	identity := types.Identity(r.URL.Query().Get("identity"))
	if identity == "" {
		errResp := NewBadRequestError()
		errResp.Message = "identity is required"
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	state, ok := s.cs.Presence(identity)
	if !ok {
		state = types.PresenceState{Identity: identity, Status: types.StatusOffline}
	}

	s.writeJson(w, http.StatusOK, state)
}

func (s *ChatApp) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		errResp := NewNotFoundError()
		errResp.Message = "history is not enabled"
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conv := types.ConversationId(r.PathValue("id"))
	if !server.ValidConversationId(conv) {
		errResp := NewBadRequestError()
		errResp.Message = "invalid conversation id"
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params := database.ListEventsParams{ConversationId: string(conv)}

	q := r.URL.Query()
	if v := q.Get("before"); v != "" {
		before, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			errResp := NewBadRequestError()
			errResp.Message = "invalid before timestamp"
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		params.Before = before
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			errResp := NewBadRequestError()
			errResp.Message = "invalid limit"
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		params.Limit = limit
	}

	events, err := s.history.ListEvents(r.Context(), params)
	if err != nil {
		s.log.Error("failed to list events", slog.String("conversation_id", string(conv)), slog.Any("error", err))
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	out := make([]types.ChatEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ChatEvent())
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade connection", slog.Any("error", err))
		return
	}

	if _, err := s.cs.Connect(identity, conn); err != nil {
		s.log.Warn("refused connection", slog.String("identity", string(identity)), slog.Any("error", err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
	}
}
