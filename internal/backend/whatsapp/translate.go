// ABOUTME: Maps whatsmeow events and QR channel items onto backend events
// ABOUTME: Pure functions so the mapping can be tested without a live connection

package whatsapp

import (
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/2389/wabridge/internal/backend"
)

// translate converts a whatsmeow event. The bool is false for events the
// bridge does not care about.
func translate(evt any) (backend.Event, bool) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		return backend.Event{Type: backend.EventAuthenticated}, true

	case *events.Connected:
		return backend.Event{Type: backend.EventReady}, true

	case *events.Disconnected:
		return backend.Event{Type: backend.EventDisconnected, Reason: "connection lost"}, true
	case *events.LoggedOut:
		return backend.Event{Type: backend.EventDisconnected, Reason: "logged out: " + e.Reason.String()}, true
	case *events.StreamReplaced:
		return backend.Event{Type: backend.EventDisconnected, Reason: "replaced by another connection"}, true

	case *events.ConnectFailure:
		return backend.Event{Type: backend.EventAuthFailure, Reason: e.Reason.String() + ": " + e.Message}, true
	case *events.TemporaryBan:
		return backend.Event{Type: backend.EventAuthFailure, Reason: e.String()}, true
	case *events.ClientOutdated:
		return backend.Event{Type: backend.EventAuthFailure, Reason: "client outdated"}, true

	case *events.KeepAliveTimeout:
		return backend.Event{Type: backend.EventStateChange, State: backend.StateTimeout}, true
	case *events.KeepAliveRestored:
		return backend.Event{Type: backend.EventStateChange, State: backend.StateConnected}, true

	case *events.HistorySync:
		if e.Data == nil {
			return backend.Event{}, false
		}
		return backend.Event{
			Type:    backend.EventLoading,
			Percent: int(e.Data.GetProgress()),
			Text:    e.Data.GetSyncType().String(),
		}, true

	case *events.Message:
		text, isChat := messageText(e.Message)
		return backend.Event{
			Type: backend.EventMessage,
			Message: &backend.InboundMessage{
				ID:     e.Info.ID,
				Chat:   e.Info.Chat.String(),
				From:   e.Info.Sender.String(),
				Text:   text,
				FromMe: e.Info.IsFromMe,
				IsChat: isChat,
			},
		}, true

	case *events.CallOffer:
		video := false
		if e.Data != nil {
			_, video = e.Data.GetOptionalChildByTag("video")
		}
		return backend.Event{
			Type: backend.EventCall,
			Call: &backend.InboundCall{
				ID:    e.CallID,
				From:  e.From.String(),
				Video: video,
			},
		}, true
	}
	return backend.Event{}, false
}

// messageText extracts the body of a plain text message. The bool reports
// whether the message is a text chat message at all.
func messageText(msg *waE2E.Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	if c := msg.GetConversation(); c != "" {
		return c, true
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText(), true
	}
	return "", false
}

// qrEvent converts an item from the pairing QR channel.
func qrEvent(item whatsmeow.QRChannelItem) (backend.Event, bool) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		return backend.Event{Type: backend.EventChallenge, Code: item.Code}, true
	case whatsmeow.QRChannelSuccess.Event:
		// PairSuccess arrives through the event handler as well.
		return backend.Event{}, false
	case whatsmeow.QRChannelTimeout.Event:
		// The channel has run out of codes; the session must be reopened
		// to get more.
		return backend.Event{Type: backend.EventChallengeExpired, Reason: "pairing timed out"}, true
	case whatsmeow.QRChannelEventError:
		reason := "pairing failed"
		if item.Error != nil {
			reason += ": " + item.Error.Error()
		}
		return backend.Event{Type: backend.EventAuthFailure, Reason: reason}, true
	default:
		return backend.Event{Type: backend.EventAuthFailure, Reason: "pairing failed: " + item.Event}, true
	}
}
