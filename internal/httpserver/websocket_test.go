package httpserver

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/go2rtc-signaling-relay/internal/config"
)

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		typ, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(typ, msg)
	})
	baseURL := startTestServer(t, config.Config{}, Deps{Signaling: echo})

	c, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("ping")))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ping", string(msg))
}
