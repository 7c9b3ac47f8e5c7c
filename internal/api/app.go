package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/config"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/server"
	"github.com/npezzotti/go-chatfleet/internal/types"
)

// ChatService is the part of the chat server the HTTP layer needs.
type ChatService interface {
	Connect(identity types.Identity, conn *websocket.Conn) (*server.Client, error)
	Presence(id types.Identity) (types.PresenceState, bool)
	Healthy() bool
	NumClients() int
}

type ChatApp struct {
	log            *slog.Logger
	cs             ChatService
	history        database.EventRepository
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

// NewChatApp wires the HTTP routes onto mux. history may be nil when
// archiving is disabled.
func NewChatApp(mux *http.ServeMux, logger *slog.Logger, cs ChatService, history database.EventRepository, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		cs:             cs,
		history:        history,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /api/health", s.health)
	mux.Handle("GET /api/presence", s.authMiddleware(s.presence))
	mux.Handle("GET /api/conversations/{id}/events", s.authMiddleware(s.listEvents))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Start() error {
	s.log.Info("starting server", slog.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
