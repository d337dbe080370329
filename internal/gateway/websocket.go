// ABOUTME: WebSocket push endpoint for session-state notifications
// ABOUTME: Each connection subscribes to the broadcaster and receives JSON envelopes

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleWebSocket upgrades an (already access-checked) request and streams
// broadcaster events to it until either side goes away. Clients never send
// anything meaningful; inbound frames are discarded.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Pages come from the HTTP port, so Origin never matches this host.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	client := g.gate.ClientIP(r)
	ctx := conn.CloseRead(r.Context())
	events, subID := g.broadcaster.Subscribe(ctx)
	defer g.broadcaster.Unsubscribe(subID)

	g.logger.Info("websocket client connected", "client", client, "sub_id", subID)
	defer g.logger.Info("websocket client disconnected", "client", client, "sub_id", subID)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeWithTimeout(ctx, func(wctx context.Context) error {
				return wsjson.Write(wctx, conn, evt)
			}); err != nil {
				g.logWriteError(subID, err)
				return
			}

		case <-ping.C:
			if err := writeWithTimeout(ctx, conn.Ping); err != nil {
				g.logWriteError(subID, err)
				return
			}
		}
	}
}

func writeWithTimeout(ctx context.Context, fn func(context.Context) error) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return fn(wctx)
}

func (g *Gateway) logWriteError(subID string, err error) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		return
	}
	g.logger.Warn("websocket write failed", "sub_id", subID, "error", err)
}
