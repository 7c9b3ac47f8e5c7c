package api

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatfleet/internal/config"
	"github.com/npezzotti/go-chatfleet/internal/database"
	"github.com/npezzotti/go-chatfleet/internal/server"
	"github.com/npezzotti/go-chatfleet/internal/testutil"
	"github.com/npezzotti/go-chatfleet/internal/types"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

type fakeChatService struct {
	mu        sync.Mutex
	healthy   bool
	clients   int
	presence  map[types.Identity]types.PresenceState
	connected []types.Identity
	connErr   error
}

func (f *fakeChatService) Connect(identity types.Identity, conn *websocket.Conn) (*server.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connErr != nil {
		return nil, f.connErr
	}
	f.connected = append(f.connected, identity)
	return nil, nil
}

func (f *fakeChatService) Presence(id types.Identity) (types.PresenceState, bool) {
	s, ok := f.presence[id]
	return s, ok
}

func (f *fakeChatService) Healthy() bool {
	return f.healthy
}

func (f *fakeChatService) NumClients() int {
	return f.clients
}

func (f *fakeChatService) identities() []types.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Identity(nil), f.connected...)
}

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

func newTestApp(t *testing.T, cs ChatService, history database.EventRepository) (*ChatApp, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	return NewChatApp(mux, testutil.TestLogger(t), cs, history, testConfig()), mux
}

func createJwt(t *testing.T, key []byte, sub string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func authenticate(t *testing.T, r *http.Request, identity string) {
	t.Helper()
	r.AddCookie(&http.Cookie{
		Name:  tokenCookieKey,
		Value: createJwt(t, testSigningKey, identity, time.Now().Add(time.Hour)),
	})
}

func serve(app *ChatApp, r *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	app.srv.Handler.ServeHTTP(rr, r)
	return rr
}
