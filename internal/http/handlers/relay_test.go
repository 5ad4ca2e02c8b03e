package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipcast/internal/config"
	"clipcast/internal/relay"
	"clipcast/pkg/logger"
)

func newWSServer(t *testing.T) (*httptest.Server, *relay.Relay) {
	t.Helper()

	log := logger.New("error", "text")
	rly, err := relay.New(relay.Options{
		Config: config.RelayConfig{
			ChannelScoped:    true,
			MaxMessageLength: 500,
			SendBuffer:       16,
		},
		Logger: log,
	})
	require.NoError(t, err)
	go rly.Run()
	t.Cleanup(rly.Close)

	h := NewRelayHandler(rly, nil, nil, nil,
		config.CORSConfig{AllowedOrigins: []string{"*"}}, log, validator.New())

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)
	return srv, rly
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	welcome := readWSFrame(t, conn)
	require.Equal(t, relay.EventWelcome, welcome.Kind)
	require.NotEmpty(t, welcome.ConnectionID)
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) relay.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frame relay.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketChatSession(t *testing.T) {
	srv, rly := newWSServer(t)

	alice := dialWS(t, srv)
	require.NoError(t, alice.WriteJSON(map[string]string{
		"kind": "join", "channel": "stream:1", "username": "alice",
	}))

	presence := readWSFrame(t, alice)
	require.Equal(t, relay.EventPresence, presence.Kind)
	assert.Equal(t, 1, presence.Presence.ViewerCount)

	bob := dialWS(t, srv)
	require.NoError(t, bob.WriteJSON(map[string]string{
		"kind": "join", "channel": "stream:1", "username": "bob",
	}))

	system := readWSFrame(t, alice)
	require.Equal(t, relay.EventSystem, system.Kind)
	assert.Equal(t, "bob joined", system.Content)
	presence = readWSFrame(t, alice)
	assert.Equal(t, 2, presence.Presence.ViewerCount)
	readWSFrame(t, bob) // bob's own roster

	require.NoError(t, alice.WriteJSON(map[string]string{
		"kind": "chat", "content": "hello bob",
	}))

	chat := readWSFrame(t, bob)
	require.Equal(t, relay.EventChat, chat.Kind)
	assert.Equal(t, "hello bob", chat.Content)
	require.NotNil(t, chat.Sender)
	assert.Equal(t, "alice", chat.Sender.Username)

	// Bob hangs up; alice sees the roster shrink and the relay forgets him.
	bob.Close()
	presence = readWSFrame(t, alice)
	require.Equal(t, relay.EventPresence, presence.Kind)
	assert.Equal(t, 1, presence.Presence.ViewerCount)
	assert.Equal(t, []string{"alice"}, presence.Presence.OnlineUsers)

	require.Eventually(t, func() bool { return rly.Stats().Connections == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsInvalidEvents(t *testing.T) {
	srv, _ := newWSServer(t)

	conn := dialWS(t, srv)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"warp"}`)))

	frame := readWSFrame(t, conn)
	require.Equal(t, relay.EventError, frame.Kind)
	assert.Equal(t, http.StatusBadRequest, frame.Code)

	// The connection survives the bad frame.
	require.NoError(t, conn.WriteJSON(map[string]string{
		"kind": "join", "channel": "stream:1", "username": "alice",
	}))
	frame = readWSFrame(t, conn)
	assert.Equal(t, relay.EventPresence, frame.Kind)
}
