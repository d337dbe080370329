// ABOUTME: Automatic responses to inbound traffic: "!ping" health replies and call rejection
// ABOUTME: Runs on the session's inbound hook; duplicates are filtered by message ID

// Package autoreply answers inbound messages and calls without operator
// involvement.
package autoreply

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/wabridge/internal/backend"
	"github.com/2389/wabridge/internal/dedupe"
)

const (
	// PingCommand is the message body that triggers PingReply.
	PingCommand = "!ping"
	// PingReply answers PingCommand.
	PingReply = "PONG"

	seenTTL   = 10 * time.Minute
	seenLimit = 10000
	replyWait = 20 * time.Second
)

// Config selects which responders are active.
type Config struct {
	Ping        bool
	RejectCalls bool
	CallMessage string
}

// Responder reacts to inbound backend events.
type Responder struct {
	cfg    Config
	seen   *dedupe.Cache
	logger *slog.Logger
}

// New creates a Responder.
func New(cfg Config, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		cfg:    cfg,
		seen:   dedupe.New(seenTTL, seenLimit),
		logger: logger.With("component", "autoreply"),
	}
}

// Handle processes one inbound event from sess. Its signature matches
// session.InboundHandler.
func (r *Responder) Handle(ctx context.Context, sess backend.Session, evt backend.Event) {
	switch evt.Type {
	case backend.EventMessage:
		if evt.Message != nil {
			r.onMessage(ctx, sess, evt.Message)
		}
	case backend.EventCall:
		if evt.Call != nil {
			r.onCall(ctx, sess, evt.Call)
		}
	}
}

func (r *Responder) onMessage(ctx context.Context, sess backend.Session, msg *backend.InboundMessage) {
	if !r.cfg.Ping || msg.FromMe || !msg.IsChat {
		return
	}
	if !strings.EqualFold(strings.TrimSpace(msg.Text), PingCommand) {
		return
	}
	if msg.ID != "" && r.seen.CheckAndMark("msg:"+msg.ID) {
		r.logger.Debug("duplicate ping ignored", "id", msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, replyWait)
	defer cancel()
	if err := sess.SendText(ctx, msg.Chat, PingReply); err != nil {
		r.logger.Warn("ping reply failed", "chat", msg.Chat, "error", err)
		return
	}
	r.logger.Info("answered ping", "chat", msg.Chat)
}

func (r *Responder) onCall(ctx context.Context, sess backend.Session, call *backend.InboundCall) {
	if !r.cfg.RejectCalls {
		return
	}
	if call.ID != "" && r.seen.CheckAndMark("call:"+call.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, replyWait)
	defer cancel()

	if err := sess.RejectCall(ctx, call.From, call.ID); err != nil {
		r.logger.Warn("rejecting call failed", "from", call.From, "call_id", call.ID, "error", err)
	} else {
		r.logger.Info("rejected call", "from", call.From, "video", call.Video)
	}

	if r.cfg.CallMessage == "" {
		return
	}
	if err := sess.SendText(ctx, call.From, r.cfg.CallMessage); err != nil {
		r.logger.Warn("call notice failed", "from", call.From, "error", err)
	}
}

// Close releases the dedupe cache.
func (r *Responder) Close() {
	r.seen.Close()
}
