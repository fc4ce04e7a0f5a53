package alpaca

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

// fakeStreamServer upgrades the connection, performs the auth/listen
// handshake, then sends the given raw messages and closes.
func fakeStreamServer(t *testing.T, authorize bool, messages []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var auth streamCommand
		require.NoError(t, conn.ReadJSON(&auth))
		assert.Equal(t, "auth", auth.Action)
		assert.Equal(t, "key", auth.Key)

		status := "unauthorized"
		if authorize {
			status = "authorized"
		}
		require.NoError(t, conn.WriteJSON(map[string]any{
			"stream": "authorization",
			"data":   map[string]any{"status": status},
		}))
		if !authorize {
			return
		}

		var listen streamCommand
		require.NoError(t, conn.ReadJSON(&listen))
		assert.Equal(t, "listen", listen.Action)

		for _, msg := range messages {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		}
		// Give the client a moment to drain before the deferred close.
		time.Sleep(100 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func streamClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:   "https://paper-api.example.com",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:    "key",
		APISecret: "secret",
	}, testLogger())
	require.NoError(t, err)
	return c
}

func TestSubscribeOrderEventsDeliversWatchedUpdates(t *testing.T) {
	srv := fakeStreamServer(t, true, []string{
		`{"stream":"trade_updates","data":{"event":"fill","order":{"id":"ord-1","status":"filled","filled_qty":"10","filled_avg_price":"100.5"}}}`,
		`{"stream":"trade_updates","data":{"event":"fill","order":{"id":"other","status":"filled"}}}`,
		`{"stream":"listening","data":{"streams":["trade_updates"]}}`,
	})
	c := streamClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, err := c.SubscribeOrderEvents(ctx, []string{"ord-1"})
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, "ord-1", u.OrderID)
		assert.Equal(t, "filled", u.Status)
		assert.Equal(t, 10.0, u.FilledQty)
		assert.Equal(t, 100.5, u.AvgPrice)
		assert.False(t, u.At.IsZero())
	case <-ctx.Done():
		t.Fatal("no update received")
	}

	// The unwatched order and the control message are dropped; the channel
	// closes when the server hangs up.
	for range updates {
		t.Fatal("unexpected extra update")
	}
}

func TestSubscribeOrderEventsAuthRejected(t *testing.T) {
	srv := fakeStreamServer(t, false, nil)
	c := streamClient(t, srv)

	_, err := c.SubscribeOrderEvents(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth rejected")
}
