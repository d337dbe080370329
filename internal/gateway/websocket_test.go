// ABOUTME: Tests for the WebSocket notification endpoint
// ABOUTME: Dials through httptest with coder/websocket and checks replay, push and denial

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/wabridge/internal/backend"
	"github.com/2389/wabridge/internal/config"
	"github.com/2389/wabridge/internal/notify"
)

func dialWS(t *testing.T, gw *Gateway) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(gw.wsServer.Handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
}

func readEvent(t *testing.T, conn *websocket.Conn) notify.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var evt notify.Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	return evt
}

func TestWebSocketReplaysPendingChallenge(t *testing.T) {
	gw, mb := newTestGateway(t)
	sess := mb.Last()
	sess.Emit(backend.Event{Type: backend.EventChallenge, Code: "2@pending"})
	require.Eventually(t, func() bool {
		_, ok := gw.sessions.Challenge()
		return ok
	}, waitFor, tick)

	conn, _, err := dialWS(t, gw)
	require.NoError(t, err)
	defer conn.CloseNow()

	evt := readEvent(t, conn)
	assert.Equal(t, notify.Event{Type: notify.EventQR, Data: "2@pending"}, evt)

	pair(t, gw, sess)
	assert.Equal(t, notify.EventAuthenticated, readEvent(t, conn).Type)

	sess.Emit(backend.Event{Type: backend.EventDisconnected, Reason: "logged out elsewhere"})
	assert.Equal(t, notify.EventDisconnected, readEvent(t, conn).Type)
}

func TestWebSocketReceivesNewChallenge(t *testing.T) {
	gw, mb := newTestGateway(t)

	conn, _, err := dialWS(t, gw)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return gw.broadcaster.Count() == 1 }, waitFor, tick)

	mb.Last().Emit(backend.Event{Type: backend.EventChallenge, Code: "2@fresh"})
	assert.Equal(t, notify.Event{Type: notify.EventQR, Data: "2@fresh"}, readEvent(t, conn))
}

func TestWebSocketDeniedOrigin(t *testing.T) {
	gw, _ := newTestGateway(t, func(c *config.Config) {
		c.Access.Allowed = []string{"10.0.0.0/8"}
		c.Access.TrustForwarded = false
	})

	conn, resp, err := dialWS(t, gw)
	if conn != nil {
		conn.CloseNow()
	}
	require.Error(t, err)
	// The connection is closed before any HTTP response is written.
	assert.Nil(t, resp)
	assert.Zero(t, gw.broadcaster.Count())
}

func TestWebSocketClosedOnShutdown(t *testing.T) {
	gw, _ := newTestGateway(t)

	conn, _, err := dialWS(t, gw)
	require.NoError(t, err)
	defer conn.CloseNow()
	require.Eventually(t, func() bool { return gw.broadcaster.Count() == 1 }, waitFor, tick)

	require.NoError(t, gw.Shutdown(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
