package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readUntil(t *testing.T, conn *websocket.Conn, want string) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == want {
			return msg
		}
	}
}

func TestSessionWebSocketStreamsUpdates(t *testing.T) {
	s := newTestServer(t)
	id := s.createCampaign(t)
	view, err := s.sessions.CreateSession(context.Background(), id, map[string]interface{}{"your_name": "Ada"})
	require.NoError(t, err)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + view.ID + "?vars=score"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	connected := readUntil(t, conn, "connected")
	assert.Equal(t, []interface{}{"score"}, connected["variables"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "set_values",
		"values": map[string]interface{}{"your_name": "Grace"},
	}))

	update := readUntil(t, conn, "variable_update")
	assert.Equal(t, "score", update["variable"])
	assert.Equal(t, 5.0, update["value"])

	evaluation := readUntil(t, conn, "evaluation")
	assert.Contains(t, evaluation["data"], "evaluation")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	readUntil(t, conn, "pong")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "set_values", "values": map[string]interface{}{"bogus": 1}}))
	errMsg := readUntil(t, conn, "error")
	assert.Contains(t, errMsg["error"], "unknown input variables")

	assert.Equal(t, 1, s.handler.ws.GetStatus()["total_connections"])
}

func TestSessionWebSocketUnknownSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWebSocketManagerBroadcastAndCleanup(t *testing.T) {
	manager := NewWebSocketManager(nil)
	a := newWebSocketClient(nil, "s1", "a")
	b := newWebSocketClient(nil, "s1", "b")
	other := newWebSocketClient(nil, "s2", "c")
	manager.Register(a)
	manager.Register(b)
	manager.Register(other)

	assert.Equal(t, 2, manager.BroadcastToSession("s1", map[string]interface{}{"type": "x"}))
	assert.Len(t, a.send, 1)
	assert.Len(t, other.send, 0)

	b.Close()
	assert.Equal(t, 1, manager.CleanupExpired())
	assert.Equal(t, 2, manager.GetStatus()["total_connections"])

	manager.CloseSession("s1")
	assert.True(t, a.IsClosed())
	assert.False(t, other.IsClosed())

	manager.Shutdown()
	assert.True(t, other.IsClosed())
	assert.Equal(t, 0, manager.GetStatus()["total_connections"])
}
